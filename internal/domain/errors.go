package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for well-known failure conditions that cross package
// boundaries. Callers should use [errors.Is] to match these.
var (
	// ErrIPDenied indicates the caller address is rejected by the IP rules.
	ErrIPDenied = errors.New("ip address not allowed")

	// ErrRateLimitExceeded is returned when a client exceeds its window quota.
	ErrRateLimitExceeded = errors.New("rate limit exceeded")

	// ErrUnauthorized indicates a missing or invalid API key.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrProtocol marks a malformed control message on a tunnel connection.
	ErrProtocol = errors.New("malformed control message")

	// ErrServerClosed is returned by operations on a stopped server.
	ErrServerClosed = errors.New("server closed")
)

// ConfigError reports an invalid configuration value. It is fatal at
// startup and never produced while serving requests.
type ConfigError struct {
	Field string
	Value string
	Err   error
}

func (e *ConfigError) Error() string {
	if e.Value != "" {
		return fmt.Sprintf("config %s=%q: %v", e.Field, e.Value, e.Err)
	}
	return fmt.Sprintf("config %s: %v", e.Field, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// ConnError wraps a transport failure with connection context.
type ConnError struct {
	ConnID string
	Op     string
	Err    error
}

func (e *ConnError) Error() string {
	if e.ConnID != "" {
		return fmt.Sprintf("conn %s: %s: %v", e.ConnID, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ConnError) Unwrap() error {
	return e.Err
}
