package pilot

import (
	"context"
	"testing"
	"time"
)

// flakyProvider fails with the given errors in order, then succeeds.
type flakyProvider struct {
	errs  []error
	calls int
}

func (f *flakyProvider) Name() string { return "flaky" }

func (f *flakyProvider) Invoke(_ context.Context, _ ModelRequest) (ModelResponse, error) {
	f.calls++
	if f.calls <= len(f.errs) {
		return ModelResponse{}, f.errs[f.calls-1]
	}
	return ModelResponse{Content: "ok"}, nil
}

func (f *flakyProvider) Stream(ctx context.Context, req ModelRequest, ch chan<- ModelChunk) (ModelResponse, error) {
	resp, err := f.Invoke(ctx, req)
	if err != nil {
		return ModelResponse{}, err
	}
	ch <- ModelChunk{Content: resp.Content}
	ch <- ModelChunk{Final: true}
	return resp, nil
}

func transientErr() error {
	return Networkf(CodeProviderFailure, "connection reset")
}

func TestRetryRecoversFromTransientFailures(t *testing.T) {
	inner := &flakyProvider{errs: []error{transientErr(), transientErr()}}
	p := WithRetry(inner, RetryBaseDelay(time.Millisecond))

	resp, err := p.Invoke(context.Background(), ModelRequest{})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if resp.Content != "ok" || inner.calls != 3 {
		t.Errorf("content = %q after %d calls", resp.Content, inner.calls)
	}
}

func TestRetryGivesUpAfterMaxAttempts(t *testing.T) {
	inner := &flakyProvider{errs: []error{transientErr(), transientErr(), transientErr()}}
	p := WithRetry(inner, RetryBaseDelay(time.Millisecond), RetryMaxAttempts(2))

	_, err := p.Invoke(context.Background(), ModelRequest{})
	if !IsCode(err, CodeProviderFailure) {
		t.Fatalf("err = %v", err)
	}
	if inner.calls != 2 {
		t.Errorf("calls = %d, want 2", inner.calls)
	}
}

func TestRetrySkipsNonTransientErrors(t *testing.T) {
	inner := &flakyProvider{errs: []error{Validationf(CodeValidation, "bad request")}}
	p := WithRetry(inner, RetryBaseDelay(time.Millisecond))

	if _, err := p.Invoke(context.Background(), ModelRequest{}); !IsCode(err, CodeValidation) {
		t.Fatalf("err = %v", err)
	}
	if inner.calls != 1 {
		t.Errorf("calls = %d, validation errors must not retry", inner.calls)
	}
}

func TestRetryStreamRetriesBeforeFirstChunk(t *testing.T) {
	inner := &flakyProvider{errs: []error{transientErr()}}
	p := WithRetry(inner, RetryBaseDelay(time.Millisecond))

	ch := make(chan ModelChunk, 8)
	resp, err := p.Stream(context.Background(), ModelRequest{}, ch)
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if resp.Content != "ok" || inner.calls != 2 {
		t.Errorf("content = %q after %d calls", resp.Content, inner.calls)
	}
	if first := <-ch; first.Content != "ok" {
		t.Errorf("first chunk = %+v", first)
	}
}

func TestRetryHonoursContextDuringBackoff(t *testing.T) {
	inner := &flakyProvider{errs: []error{transientErr(), transientErr()}}
	p := WithRetry(inner, RetryBaseDelay(time.Minute))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := p.Invoke(ctx, ModelRequest{})
	if !IsCancelled(err) {
		t.Fatalf("err = %v, want CANCELLED", err)
	}
	if inner.calls != 1 {
		t.Errorf("calls = %d, want 1 before cancellation", inner.calls)
	}
}

func TestRetryPreservesName(t *testing.T) {
	if got := WithRetry(&flakyProvider{}).Name(); got != "flaky" {
		t.Errorf("Name() = %q", got)
	}
}
