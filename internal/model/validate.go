package model

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ValidationError reports why an inbound location payload was rejected.
// Every reason gets the same answer on the wire; Reason is for logs.
type ValidationError struct {
	Reason string
	// Offset is the byte offset of a JSON syntax error, or -1.
	Offset int64
}

func (e *ValidationError) Error() string {
	if e.Offset >= 0 {
		return fmt.Sprintf("invalid location payload: %s at byte %d", e.Reason, e.Offset)
	}
	return "invalid location payload: " + e.Reason
}

func invalidPayload(reason string) *ValidationError {
	return &ValidationError{Reason: reason, Offset: -1}
}

// malformed wraps a decode failure, keeping the syntax error position.
func malformed(err error) *ValidationError {
	ve := invalidPayload("malformed JSON")
	var se *json.SyntaxError
	if errors.As(err, &se) {
		ve.Offset = se.Offset
	}
	return ve
}
