package controlplane

import "errors"

// Sentinel errors for control plane operations.
var (
	ErrNotFound      = errors.New("resource not found")
	ErrAgentNotFound = errors.New("agent not found")
	ErrTaskNotFound  = errors.New("task not found")
	ErrInvalid       = errors.New("invalid request")
	ErrAtCapacity    = errors.New("agent capacity reached")
)
