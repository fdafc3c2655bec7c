package pilot

// StreamChunkType identifies the kind of dispatcher stream chunk.
type StreamChunkType string

const (
	// ChunkClassificationStart signals classification has begun.
	ChunkClassificationStart StreamChunkType = "classification-start"
	// ChunkClassificationEnd carries the classification result.
	ChunkClassificationEnd StreamChunkType = "classification-end"
	// ChunkProcessingStart signals the selected handler has begun.
	ChunkProcessingStart StreamChunkType = "processing-start"
	// ChunkProcessing carries incremental handler output.
	ChunkProcessing StreamChunkType = "processing"
	// ChunkCompletion carries the final Response. Emitted exactly once on
	// success; never emitted after an error chunk.
	ChunkCompletion StreamChunkType = "completion"
	// ChunkError terminates the stream on failure. No completion follows.
	ChunkError StreamChunkType = "error"
)

// StreamChunk is a typed event emitted while processing a request.
// Consumers receive these on the channel passed to Agent.Stream.
type StreamChunk struct {
	Type           StreamChunkType       `json:"type"`
	Content        string                `json:"content,omitempty"`
	Classification *ClassificationResult `json:"classification,omitempty"`
	Response       *Response             `json:"response,omitempty"`
	NodeID         string                `json:"node_id,omitempty"`
	Err            string                `json:"error,omitempty"`
}

// EngineChunk is a typed event emitted per completed workflow node.
// A final chunk has Final=true; an error terminates the stream inline as a
// final chunk carrying Err.
type EngineChunk struct {
	NodeID string        `json:"node_id"`
	State  WorkflowState `json:"state"`
	Final  bool          `json:"final"`
	Err    string        `json:"error,omitempty"`
}
