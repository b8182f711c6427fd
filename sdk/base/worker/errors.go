package worker

import (
	"errors"
	"fmt"
)

var (
	// ErrNoCapacity matches every *NoCapacityError.
	ErrNoCapacity       = errors.New("no worker with free capacity")
	ErrDraining         = errors.New("worker pool is draining")
	ErrUnknownWorker    = errors.New("unknown worker")
	ErrUnknownRequest   = errors.New("unknown request")
	ErrDuplicateRequest = errors.New("request id already in flight")
	ErrWorkerGone       = errors.New("worker disconnected")
	ErrSendQueueFull    = errors.New("worker send queue full")
)

// NoCapacityError reports that no registered worker could take a request.
// It is an expected condition; callers decide whether to retry or fail.
type NoCapacityError struct {
	Require    Requirement
	Registered int
}

func (e *NoCapacityError) Error() string {
	if e.Require.Model != "" {
		return fmt.Sprintf("%v for model %q (%d workers registered)", ErrNoCapacity, e.Require.Model, e.Registered)
	}
	return fmt.Sprintf("%v (%d workers registered)", ErrNoCapacity, e.Registered)
}

func (e *NoCapacityError) Is(target error) bool { return target == ErrNoCapacity }

// RequestError is an error reported by a worker for a dispatched request.
type RequestError struct {
	WorkerID string
	Code     string
	Message  string
}

func (e *RequestError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("worker %s: %s: %s", e.WorkerID, e.Code, e.Message)
	}
	return fmt.Sprintf("worker %s: %s", e.WorkerID, e.Message)
}
