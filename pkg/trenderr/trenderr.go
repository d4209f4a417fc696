// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// For commercial licensing, contact: licensing@kraklabs.com
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package trenderr defines the error taxonomy shared across trendwatch
// components. Every class carries a machine-readable tag; classification at
// component boundaries drives retry policy and API status mapping.
package trenderr

import (
	"context"
	"errors"

	"github.com/zeebo/errs"
)

// Error classes. Components wrap errors into exactly one class at their
// boundary; callers branch on class membership, never on message text.
var (
	// NotFound: an id does not resolve. Surfaced to callers.
	NotFound = errs.Class("not found")

	// Validation: input violates a stated constraint. Surfaced to callers.
	Validation = errs.Class("validation")

	// AuthRequired: a credential is missing.
	AuthRequired = errs.Class("auth required")

	// Forbidden: a credential is insufficient.
	Forbidden = errs.Class("forbidden")

	// RateLimited: an internal or upstream limit was hit. Retryable; when
	// the error carries a server-advertised retry-after, Retry waits that
	// long instead of the computed backoff.
	RateLimited = errs.Class("rate limited")

	// Transient: network failure or upstream 5xx. Retried internally with
	// exponential backoff up to the caller's retry count.
	Transient = errs.Class("transient")

	// SandboxSecurity: a custom plugin violated sandbox policy. Never
	// retried; the plugin is disabled after the configured threshold.
	SandboxSecurity = errs.Class("sandbox security")

	// ResourceExhausted: a sandbox or pipeline timeout or memory ceiling
	// was exceeded. Retryable once, then fatal for the run.
	ResourceExhausted = errs.Class("resource exhausted")

	// ServiceUnavailable: a dependency (vector store, cache, database) is
	// down. Surfaced without fallback substitution.
	ServiceUnavailable = errs.Class("service unavailable")

	// AlreadyRunning: a concurrent full cycle for the same scope exists.
	AlreadyRunning = errs.Class("already running")

	// Internal: unclassified. Logged with a correlation id and surfaced
	// as an opaque error.
	Internal = errs.Class("internal")
)

// IsRetryable reports whether err belongs to a class that internal retry
// loops may attempt again. Sandbox violations are explicitly fatal.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if SandboxSecurity.Has(err) {
		return false
	}
	return Transient.Has(err) || RateLimited.Has(err) || ResourceExhausted.Has(err)
}

// IsFatalForPlugin reports whether err should count toward a plugin's
// auto-disable threshold.
func IsFatalForPlugin(err error) bool {
	return SandboxSecurity.Has(err) || ResourceExhausted.Has(err)
}

// Tag returns the machine-readable tag for err's class, or "internal" when
// the error carries no known class.
func Tag(err error) string {
	switch {
	case err == nil:
		return ""
	case NotFound.Has(err):
		return "not_found"
	case Validation.Has(err):
		return "validation"
	case AuthRequired.Has(err):
		return "auth_required"
	case Forbidden.Has(err):
		return "forbidden"
	case RateLimited.Has(err):
		return "rate_limited"
	case Transient.Has(err):
		return "transient"
	case SandboxSecurity.Has(err):
		return "sandbox_security"
	case ResourceExhausted.Has(err):
		return "resource_exhausted"
	case ServiceUnavailable.Has(err):
		return "service_unavailable"
	case AlreadyRunning.Has(err):
		return "already_running"
	default:
		return "internal"
	}
}

// Canceled reports whether err stems from context cancellation. Cancellation
// is a first-class signal, not an error class: runs observing it are marked
// cancelled, not failed.
func Canceled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
