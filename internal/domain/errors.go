package domain

import (
	"errors"
	"fmt"
)

// ErrMessagingSecurity is returned for any decrypt or signature failure.
// The cause is logged, never returned.
var ErrMessagingSecurity = errors.New("cannot decrypt message")

// ErrOperationCancelled is reported by operations stopped through Cancel.
var ErrOperationCancelled = errors.New("operation cancelled")

// ErrHandshakeInterrupted is fatal: a HostInitResponse arrived while a
// previous one was still being processed.
var ErrHandshakeInterrupted = errors.New("host init response processing was interrupted")

type ErrDelivery struct {
	Queue     string
	MessageID string
	Attempts  int
	Err       error
}

func (e ErrDelivery) Error() string {
	return fmt.Sprintf("deliver message %s to %s after %d attempts: %v", e.MessageID, e.Queue, e.Attempts, e.Err)
}

func (e ErrDelivery) Unwrap() error {
	return e.Err
}

type ErrOperationInProgress struct {
	Name string
}

func (e ErrOperationInProgress) Error() string {
	return fmt.Sprintf("operation %s is already in progress", e.Name)
}

type ErrOperationFailed struct {
	Name string
	Err  error
}

func (e ErrOperationFailed) Error() string {
	return fmt.Sprintf("operation %s failed: %v", e.Name, e.Err)
}

func (e ErrOperationFailed) Unwrap() error {
	return e.Err
}

type ErrScript struct {
	Script string
	Op     string
	Err    error
}

func (e ErrScript) Error() string {
	return fmt.Sprintf("script %s %s: %v", e.Script, e.Op, e.Err)
}

func (e ErrScript) Unwrap() error {
	return e.Err
}

type ErrUpdateDenied struct {
	Reason string
}

func (e ErrUpdateDenied) Error() string {
	return "update denied: " + e.Reason
}
