package scheduler

import "errors"

var (
	ErrCapacityExceeded      = errors.New("task table full")
	ErrAllocation            = errors.New("allocation failed")
	ErrAddressSpaceCollision = errors.New("address space already owned by a live task")
	ErrLoadBuffer            = errors.New("cannot map image buffer")
	ErrRead                  = errors.New("cannot read image")
	ErrImageLoad             = errors.New("cannot load image")
	ErrInvalidEntry          = errors.New("invalid entry point")
	ErrNoTask                = errors.New("no such task")
	ErrBadIndex              = errors.New("task index out of range")
	ErrShutdown              = errors.New("scheduler shut down, Init to restart")
)
