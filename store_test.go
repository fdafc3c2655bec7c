package pilot

import (
	"testing"
	"time"
)

func TestDefaultLimits(t *testing.T) {
	l := DefaultLimits()
	if l.MaxSessions != 1000 || l.MaxHistorySize != 100 {
		t.Errorf("limits = %+v", l)
	}
	if l.MaxEventsPerSession != 1000 {
		t.Errorf("MaxEventsPerSession = %d, want 1000", l.MaxEventsPerSession)
	}
	if l.SessionTTL != 24*time.Hour || l.CleanupInterval != time.Hour {
		t.Errorf("limits = %+v", l)
	}
}

func TestStoreLimitsNormalize(t *testing.T) {
	l := StoreLimits{MaxHistorySize: 5}.Normalize()
	if l.MaxHistorySize != 5 {
		t.Errorf("explicit value overwritten: %d", l.MaxHistorySize)
	}
	d := DefaultLimits()
	if l.MaxSessions != d.MaxSessions || l.MaxEventsPerSession != d.MaxEventsPerSession {
		t.Errorf("zero fields not defaulted: %+v", l)
	}
	if l.SessionTTL != d.SessionTTL || l.CleanupInterval != d.CleanupInterval {
		t.Errorf("zero durations not defaulted: %+v", l)
	}
}
