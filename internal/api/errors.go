package api

import "errors"

var (
	ErrMessageRequired = errors.New("message is required")
	ErrNotFound        = errors.New("Not found")
)
