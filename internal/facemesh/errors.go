package facemesh

import "errors"

var (
	ErrUnknownGraphType    = errors.New("facemesh: unknown graph type")
	ErrGraphNotStarted     = errors.New("facemesh: graph not started")
	ErrGraphStarted        = errors.New("facemesh: graph already started")
	ErrClosed              = errors.New("facemesh: graph closed")
	ErrEmptyFrame          = errors.New("facemesh: empty frame")
	ErrInvalidFrame        = errors.New("facemesh: invalid frame dimensions")
	ErrTimestampRegression = errors.New("facemesh: timestamp must increase between frames")
	// ErrUnexpectedOutput is reported when the engine returns output for a different graph type.
	ErrUnexpectedOutput = errors.New("facemesh: engine returned output for another graph")
	// ErrInvalidOutput is reported when decoded geometry or mask fails validation.
	ErrInvalidOutput = errors.New("facemesh: invalid engine output")
)
