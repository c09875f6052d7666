// Package backend defines the execution-backend contract the dispatcher
// submits work to, plus the in-process implementation.
//
// The core is indifferent to which concrete backend runs job logic; it only
// needs Submit plus asynchronous terminal-result reporting.
package backend

import (
	"context"

	"workd/internal/work"
)

// Status is a backend-reported terminal outcome.
type Status string

const (
	Succeeded Status = "succeeded"
	Failed    Status = "failed"
	Cancelled Status = "cancelled"
)

// CancelReason explains a Cancelled result.
type CancelReason string

const (
	ReasonConstraints CancelReason = "constraints-no-longer-met"
	ReasonPreempted   CancelReason = "preempted"
	ReasonExplicit    CancelReason = "explicitly-cancelled"
)

// Job is one dispatched unit handed to a backend.
type Job struct {
	ID     string
	Runner string
	Input  work.Payload
}

// Result is the terminal report for one submitted job.
type Result struct {
	ID     string
	Status Status
	Output work.Payload
	Err    error
	Reason CancelReason
}

// ResultSink receives terminal results. It must not block; the dispatcher's
// sink hands off to its own loop.
type ResultSink func(Result)

// Backend runs job logic at or after submission and reports exactly one
// terminal result per accepted job.
//
// Cancellation is cooperative: Cancel signals the job; the backend reports a
// Cancelled result once the job logic yields. Results arriving for an already
// cancelled job are dropped by the caller, not the backend.
type Backend interface {
	// Submit accepts a job for asynchronous execution. Blocks when the
	// backend is at capacity until accepted or ctx is done.
	Submit(ctx context.Context, job Job) error

	// Cancel signals a running or queued job. Unknown ids are a no-op.
	Cancel(id string, reason CancelReason)

	Start(ctx context.Context)
	Stop(ctx context.Context)
}
