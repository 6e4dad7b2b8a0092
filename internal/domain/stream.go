package domain

import "encoding/json"

// defaultProcessingError is sent when no processing_error message is configured.
const defaultProcessingError = "An error occurred while generating the answer. Please try again."

// StreamEvent is one tagged event of an answer stream: a chunk, the
// terminal done event, or the terminal error event.
type StreamEvent struct {
	Chunk      string
	Done       bool
	FullAnswer string
	Err        error
	// Message is the user-facing text of an error event.
	Message string
}

// ChunkEvent builds an incremental event.
func ChunkEvent(text string) StreamEvent {
	return StreamEvent{Chunk: text}
}

// DoneEvent builds the terminal success event.
func DoneEvent(fullAnswer string) StreamEvent {
	return StreamEvent{Done: true, FullAnswer: fullAnswer}
}

// ErrorEvent builds the terminal failure event.
func ErrorEvent(err error) StreamEvent {
	return StreamEvent{Err: err}
}

// IsTerminal reports whether the event ends the stream.
func (e StreamEvent) IsTerminal() bool {
	return e.Done || e.Err != nil
}

type wireChunk struct {
	Chunk string `json:"chunk"`
}

type wireDone struct {
	Done       bool   `json:"done"`
	FullAnswer string `json:"full_answer"`
}

type wireError struct {
	Error string `json:"error"`
}

// MarshalJSON renders the wire form. Error details are never exposed.
func (e StreamEvent) MarshalJSON() ([]byte, error) {
	switch {
	case e.Err != nil:
		message := e.Message
		if message == "" {
			message = defaultProcessingError
		}
		return json.Marshal(wireError{Error: message})
	case e.Done:
		return json.Marshal(wireDone{Done: true, FullAnswer: e.FullAnswer})
	default:
		return json.Marshal(wireChunk{Chunk: e.Chunk})
	}
}
