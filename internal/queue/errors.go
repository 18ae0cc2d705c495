package queue

import "errors"

var (
	ErrUnsupportedPolicy = errors.New("queue: aggregate error policy is only supported by stream stages")
	ErrNilJob            = errors.New("queue: job is nil")
)
