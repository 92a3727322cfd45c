// Package stream decodes the chat-stream protocol into typed events.
package stream

// Event is one decoded frame of the chat stream. The variants are
// Delta, Action, Done and Error; the set is closed to this package.
type Event interface {
	Kind() string
	isEvent()
}

// Delta carries a fragment of assistant text.
type Delta struct {
	Text string
}

// Action carries a structured mutation request.
type Action struct {
	Name   string
	Params map[string]any
}

// Done marks the end of the model response.
type Done struct {
	Explanation string
}

// Error reports a failure produced by the upstream model.
type Error struct {
	Message string
}

// Event kinds, matching the wire "type" discriminator.
const (
	KindDelta  = "delta"
	KindAction = "action"
	KindDone   = "done"
	KindError  = "error"
)

func (Delta) Kind() string  { return KindDelta }
func (Action) Kind() string { return KindAction }
func (Done) Kind() string   { return KindDone }
func (Error) Kind() string  { return KindError }

func (Delta) isEvent()  {}
func (Action) isEvent() {}
func (Done) isEvent()   {}
func (Error) isEvent()  {}
