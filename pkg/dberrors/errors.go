package dberrors

import "errors"

var (
	ErrNotFound        = errors.New("snapkv: not found")
	ErrClosed          = errors.New("snapkv: closed")
	ErrInvalidArgument = errors.New("snapkv: invalid argument")
	ErrCorrupted       = errors.New("snapkv: corrupted data")
)
