package common

import "errors"

var (
	ErrBadConfig     = errors.New("bad config")
	ErrCorruptRecord = errors.New("corrupt log record")
	ErrUnexpectedEOF = errors.New("unexpected end of log")
	ErrNotFound      = errors.New("not found")

	// ErrWouldBlock is normal control flow for conditional latch
	// acquisition, never a failure to report upwards.
	ErrWouldBlock = errors.New("would block")
)
