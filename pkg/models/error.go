package models

import "runtime/debug"

// SerializedError is the wire form of an error carried by ERROR and
// STEP_RETRY events and by the run projection.
type SerializedError struct {
	Name    string `json:"name"`
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

// Error implements the error interface.
func (e *SerializedError) Error() string {
	if e.Name != "" {
		return e.Name + ": " + e.Message
	}
	return e.Message
}

// SerializeError converts a Go error into its wire form. Nil in, nil out.
func SerializeError(err error) *SerializedError {
	if err == nil {
		return nil
	}
	return &SerializedError{Name: "Error", Message: err.Error()}
}

// SerializePanic converts a recovered panic value into a SerializedError
// carrying the goroutine stack at the point of capture.
func SerializePanic(v any) *SerializedError {
	msg := "panic"
	switch t := v.(type) {
	case error:
		msg = t.Error()
	case string:
		msg = t
	}
	return &SerializedError{Name: "Panic", Message: msg, Stack: string(debug.Stack())}
}
