package queue

import (
	"errors"

	"clinicq/queue-service/internal/availability"
)

var (
	// ErrConflict is returned when a mutation kept losing to concurrent
	// writers until the retry budget ran out.
	ErrConflict = errors.New("queue conflict")
	// ErrAllocation aborts a check-in whose serial could not be allocated.
	ErrAllocation    = errors.New("serial allocation failed")
	ErrNotFound      = errors.New("not found")
	ErrQueueEmpty    = errors.New("queue is empty")
	ErrInvalidInput  = errors.New("invalid input")
	ErrAlreadyExists = errors.New("already exists")
	// ErrRequestReused is returned when a request id already recorded for
	// one action is presented for another.
	ErrRequestReused = errors.New("request id already used for another action")

	ErrInvalidTransition = availability.ErrInvalidTransition
)

type TransitionError = availability.TransitionError

func invalidEntryTransition(action, from string) error {
	return &TransitionError{Subject: "queue entry", Action: action, From: from}
}
