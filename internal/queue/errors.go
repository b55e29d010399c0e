package queue

import "errors"

var (
	// ErrAlreadyClaimed is returned by Claim when the file is no longer in
	// incoming, i.e. another worker (or a previous attempt) moved it.
	ErrAlreadyClaimed = errors.New("queue file already claimed")
	// ErrMalformed is returned when an envelope cannot be decoded even after
	// repair.
	ErrMalformed = errors.New("malformed envelope")
)
