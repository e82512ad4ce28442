package sepal

// Message is the unit of communication between executors. Messages sent
// during one superstep are delivered at the start of the next.
type Message struct {
	// Data is the payload. Its runtime type selects the receiving handler.
	Data any

	// SourceID is the executor that sent the message. Empty for the initial
	// input delivery.
	SourceID string

	// TargetID, when set, addresses the message point-to-point to one
	// executor, bypassing edge routing. Request/response replies use this.
	TargetID string
}

// Targeted reports whether the message bypasses edge routing.
func (m Message) Targeted() bool {
	return m.TargetID != ""
}
