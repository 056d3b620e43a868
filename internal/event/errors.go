package event

import (
	"errors"
	"fmt"
)

// ErrMalformedRecord is matched by every decode failure.
var ErrMalformedRecord = errors.New("malformed event record")

// MalformedRecordError describes a raw record that could not be decoded.
type MalformedRecordError struct {
	Raw    string
	Reason string
}

func (e *MalformedRecordError) Error() string {
	if e == nil {
		return ErrMalformedRecord.Error()
	}
	return fmt.Sprintf("malformed event record %q: %s", e.Raw, e.Reason)
}

func (e *MalformedRecordError) Unwrap() error {
	return ErrMalformedRecord
}
