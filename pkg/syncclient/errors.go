package syncclient

import (
	"errors"
	"fmt"
)

// ErrRejected matches any handshake rejection via errors.Is.
var ErrRejected = errors.New("connection rejected")

// RejectedError carries the server's rejection reason.
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("connection rejected: %s", e.Reason)
}

func (e *RejectedError) Is(target error) bool { return target == ErrRejected }
