package fleet

import "errors"

var (
	// Registry errors.
	ErrUnknownWorker   = errors.New("fleet: unknown worker")
	ErrDuplicateWorker = errors.New("fleet: duplicate worker address")

	// Not found errors.
	ErrJobNotFound     = errors.New("fleet: job not found")
	ErrTaskNotFound    = errors.New("fleet: task not found")
	ErrHistoryNotFound = errors.New("fleet: history entry not found")

	// Submission errors.
	ErrInvalidJobSpec = errors.New("fleet: invalid job spec")

	// Dispatch and retry errors.
	ErrDispatchFailed       = errors.New("fleet: task dispatch failed")
	ErrRetryBudgetExhausted = errors.New("fleet: retry budget exhausted")
	ErrJobTimeout           = errors.New("fleet: job timeout exceeded")

	// State errors.
	ErrJobTerminal  = errors.New("fleet: job already terminal")
	ErrInvalidState = errors.New("fleet: invalid state transition")
)
