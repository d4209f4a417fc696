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

package trenderr

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTag(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{NotFound.New("x"), "not_found"},
		{Validation.New("x"), "validation"},
		{RateLimited.New("x"), "rate_limited"},
		{Transient.New("x"), "transient"},
		{SandboxSecurity.New("x"), "sandbox_security"},
		{ResourceExhausted.New("x"), "resource_exhausted"},
		{ServiceUnavailable.New("x"), "service_unavailable"},
		{AlreadyRunning.New("x"), "already_running"},
		{errors.New("plain"), "internal"},
		{nil, ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Tag(tt.err))
	}
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(Transient.New("x")))
	assert.True(t, IsRetryable(RateLimited.New("x")))
	assert.True(t, IsRetryable(ResourceExhausted.New("x")))
	assert.False(t, IsRetryable(SandboxSecurity.New("x")))
	assert.False(t, IsRetryable(Validation.New("x")))
	assert.False(t, IsRetryable(nil))

	// A sandbox violation wrapped in a transient class is still fatal.
	wrapped := SandboxSecurity.Wrap(Transient.New("inner"))
	assert.False(t, IsRetryable(wrapped))
}

func TestRetrySucceedsAfterFailures(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), RetryConfig{
		MaxAttempts: 4,
		BaseDelay:   time.Millisecond,
	}, func() error {
		attempts++
		if attempts < 4 {
			return Transient.New("attempt %d", attempts)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 4, attempts)
}

func TestRetryStopsOnNonRetryable(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), RetryConfig{
		MaxAttempts: 5,
		BaseDelay:   time.Millisecond,
	}, func() error {
		attempts++
		return Validation.New("bad input")
	})
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
	assert.True(t, Validation.Has(err))
}

func TestRetryExhaustsBudget(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
	}, func() error {
		attempts++
		return Transient.New("still down")
	})
	require.Error(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetryHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	err := Retry(ctx, RetryConfig{
		MaxAttempts: 100,
		BaseDelay:   50 * time.Millisecond,
	}, func() error {
		attempts++
		return Transient.New("down")
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Less(t, attempts, 3)
}

func TestRateLimitedAfter(t *testing.T) {
	err := RateLimitedAfter(42*time.Second, "upstream returned 429")
	assert.True(t, RateLimited.Has(err), "retry-after wrapper keeps class membership")
	assert.Equal(t, "rate_limited", Tag(err))
	assert.True(t, IsRetryable(err))

	delay, ok := RetryAfterDelay(err)
	require.True(t, ok)
	assert.Equal(t, 42*time.Second, delay)

	_, ok = RetryAfterDelay(RateLimited.New("no advertised delay"))
	assert.False(t, ok)
	_, ok = RetryAfterDelay(nil)
	assert.False(t, ok)
}

func TestRetryHonorsRetryAfter(t *testing.T) {
	// The advertised delay overrides the (much shorter) computed backoff
	// for the wait after a rate-limited attempt.
	const advertised = 60 * time.Millisecond
	attempts := 0
	start := time.Now()
	err := Retry(context.Background(), RetryConfig{
		MaxAttempts: 2,
		BaseDelay:   time.Millisecond,
	}, func() error {
		attempts++
		if attempts == 1 {
			return RateLimitedAfter(advertised, "upstream returned 429")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
	assert.GreaterOrEqual(t, time.Since(start), advertised)
}

func TestCanceled(t *testing.T) {
	assert.True(t, Canceled(context.Canceled))
	assert.True(t, Canceled(context.DeadlineExceeded))
	assert.False(t, Canceled(Transient.New("x")))
}
