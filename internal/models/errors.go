package models

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// ErrorCategory is the closed failure taxonomy for the sync core. Every
// error the remote boundary can produce maps to exactly one category, and
// the category alone decides retry eligibility.
type ErrorCategory string

const (
	CategoryNetwork ErrorCategory = "network"
	CategoryServer  ErrorCategory = "server"
	CategoryQuota   ErrorCategory = "quota"
	CategoryUnknown ErrorCategory = "unknown"
)

// Retryable reports whether the category is expected to be transient.
func (c ErrorCategory) Retryable() bool {
	return c == CategoryNetwork || c == CategoryServer
}

// Sentinel errors for the remote boundary's failure modes.
var (
	ErrRateLimited   = errors.New("rate limited")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrAccessDenied  = errors.New("access denied")
	ErrRequestFailed = errors.New("request failed")
	ErrQuotaExceeded = errors.New("upload quota exceeded")
	ErrOffline       = errors.New("network offline")
)

// APIError is a structured error from the cloud API.
type APIError struct {
	StatusCode int    `json:"status_code"`
	Code       string `json:"code"`
	Message    string `json:"message"`
	RequestID  string `json:"request_id,omitempty"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error %d (%s): %s", e.StatusCode, e.Code, e.Message)
}

// UserMismatchError is an internal safety abort: a network response arrived
// for a user who is no longer active. Never user-visible; it resets sync
// state and is logged.
type UserMismatchError struct {
	Bound  string
	Active string
}

func (e *UserMismatchError) Error() string {
	return fmt.Sprintf("sync cycle bound to user %s but active user is %s", e.Bound, e.Active)
}

// Classify maps any error to its category. Order matters: quota signals
// (429/403, quota phrasing) take precedence over the generic network check
// because an HTTP response implies the network worked.
func Classify(err error) ErrorCategory {
	if err == nil {
		return CategoryUnknown
	}

	if errors.Is(err, ErrRateLimited) || errors.Is(err, ErrQuotaExceeded) || errors.Is(err, ErrAccessDenied) {
		return CategoryQuota
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == 429 || apiErr.StatusCode == 403:
			return CategoryQuota
		case apiErr.StatusCode >= 500:
			return CategoryServer
		}
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "quota") || strings.Contains(msg, "rate limit") || strings.Contains(msg, "too many requests"):
		return CategoryQuota
	case strings.Contains(msg, "server error") || strings.Contains(msg, "internal server") ||
		strings.Contains(msg, "bad gateway") || strings.Contains(msg, "service unavailable") ||
		strings.Contains(msg, "gateway timeout"):
		return CategoryServer
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrOffline) {
		return CategoryNetwork
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return CategoryNetwork
	}
	switch {
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "timed out"),
		strings.Contains(msg, "connection refused") || strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "no such host") || strings.Contains(msg, "network is unreachable"),
		strings.Contains(msg, "broken pipe") || strings.Contains(msg, "eof"),
		strings.Contains(msg, "dial tcp"):
		return CategoryNetwork
	}

	return CategoryUnknown
}
