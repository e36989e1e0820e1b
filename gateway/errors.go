// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package gateway

import "fmt"

// AdmissionRejectedError is returned when a tenant is over its rate
// limit or monthly quota. RetryAfter is seconds until the next token
// becomes available; zero when the rejection has no near-term remedy
// (quota resets at month rollover).
type AdmissionRejectedError struct {
	TenantID   string
	Reason     string
	RetryAfter float64
}

func (e *AdmissionRejectedError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("admission rejected for tenant %s (%s): retry after %.2fs", e.TenantID, e.Reason, e.RetryAfter)
	}
	return fmt.Sprintf("admission rejected for tenant %s (%s)", e.TenantID, e.Reason)
}

// SafetyBlockedError carries the name of the matched rule. The rule
// name is logged server-side; the offending content is never echoed
// back to the caller.
type SafetyBlockedError struct {
	TenantID string
	Rule     string
}

func (e *SafetyBlockedError) Error() string {
	return fmt.Sprintf("request blocked by safety gate (rule %s)", e.Rule)
}

// UnauthorizedError is returned when no tenant matches the presented
// credential.
type UnauthorizedError struct {
	Detail string
}

func (e *UnauthorizedError) Error() string {
	return "unauthorized: " + e.Detail
}
