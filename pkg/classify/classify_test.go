package classify

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify_SubstringRules(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		message string
		ctx     Context
		want    Code
	}{
		{"fetch failure", "TypeError: Failed to fetch", Context{}, Network},
		{"network keyword", "network error contacting server", Context{}, Network},
		{"bare 404", "request failed: 404", Context{}, ServiceUnavailable},
		{"endpoint missing", "endpoint not configured", Context{}, ServiceUnavailable},
		{"500", "server returned 500", Context{}, ServiceUnavailable},
		{"user not found shadowed by earlier not found rule", "user not found", Context{}, ServiceUnavailable},
		{"webauthn cancelled", "NotAllowedError: the operation was aborted", Context{}, AuthCancelled},
		{"cancelled keyword", "user cancelled the request", Context{}, AuthCancelled},
		{"passkey failure", "webauthn assertion failed", Context{}, AuthFailed},
		{"credential failure", "credential creation failed", Context{}, AuthFailed},
		{"rate limited", "too many requests", Context{}, RateLimited},
		{"429", "received 429 from server", Context{}, RateLimited},
		{"invalid code", "the code you entered is invalid", Context{}, InvalidCode},
		{"expired code", "this code has expired", Context{}, InvalidCode},
		{"verify invalid", "invalid", Context{Method: "verifyEmailCode"}, InvalidCode},
		{"validation", "validation error: email required", Context{}, InvalidInput},
		{"400", "bad request 400", Context{}, InvalidInput},
		{"unrecognized", "something unexpected happened", Context{}, Unknown},
	}

	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, c.want, Classify(c.message, c.ctx))
		})
	}
}

func TestClassify_CheckUserRuleIsUnreachable(t *testing.T) {
	t.Parallel()

	// Rule 2's generic "404" match fires before the checkUser-scoped rule
	// ever gets a chance, per the literal rule order in spec §4.5.
	got := Classify("checkUser failed: 404", Context{Method: "checkUser"})
	assert.Equal(t, ServiceUnavailable, got)
}

func TestClassifyIdPError_RecognizedCode(t *testing.T) {
	t.Parallel()

	for _, code := range []Code{Network, ServiceUnavailable, UserNotFound, AuthCancelled, AuthFailed, RateLimited, InvalidCode, InvalidInput} {
		code := code
		t.Run(string(code), func(t *testing.T) {
			t.Parallel()
			got := ClassifyIdPError(IdPError{Code: string(code), Message: "irrelevant"}, Context{})
			assert.Equal(t, code, got)
		})
	}
}

func TestClassifyIdPError_InvalidGrantNotRecognized(t *testing.T) {
	t.Parallel()

	// invalid_grant is owned by the refresh protocol, not this classifier;
	// it must fall through to the substring rules on the message.
	got := ClassifyIdPError(IdPError{Code: "invalid_grant", Message: "token already exchanged"}, Context{})
	assert.Equal(t, Unknown, got)
}

func TestClassifyIdPError_NetworkErrorWithServerStatus(t *testing.T) {
	t.Parallel()

	got := ClassifyIdPError(IdPError{Code: "network_error", Message: "upstream returned 503"}, Context{})
	assert.Equal(t, ServiceUnavailable, got)
}

func TestClassifyIdPError_NetworkErrorWithoutServerStatus(t *testing.T) {
	t.Parallel()

	got := ClassifyIdPError(IdPError{Code: "network_error", Message: "connection reset"}, Context{})
	assert.Equal(t, Network, got)
}

func TestRetryable(t *testing.T) {
	t.Parallel()

	assert.True(t, Retryable(Network))
	assert.True(t, Retryable(ServiceUnavailable))
	assert.True(t, Retryable(AuthCancelled))
	assert.True(t, Retryable(AuthFailed))
	assert.True(t, Retryable(RateLimited))
	assert.True(t, Retryable(Unknown))
	assert.False(t, Retryable(UserNotFound))
	assert.False(t, Retryable(InvalidCode))
	assert.False(t, Retryable(InvalidInput))
}

func TestNewRecord(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rec := NewRecord("failed to fetch", Context{Method: "checkUser", Email: "a@b.com"}, now)

	require.Equal(t, Network, rec.Code)
	assert.True(t, rec.Retryable)
	assert.Equal(t, now, rec.Timestamp)
	assert.Equal(t, "checkUser", rec.Context.Method)
	assert.Equal(t, "failed to fetch", rec.Message)
}

func TestNewRecordFromIdPError_CarriesRetryAfter(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rec := NewRecordFromIdPError(IdPError{Code: "rateLimited", Message: "slow down", RetryAfter: 30}, Context{}, now)

	require.Equal(t, RateLimited, rec.Code)
	assert.True(t, rec.Retryable)
	assert.Equal(t, 30, rec.RetryAfter)
}

func TestRetryDelay(t *testing.T) {
	t.Parallel()

	t.Run("non-retryable returns zero", func(t *testing.T) {
		t.Parallel()
		assert.Equal(t, time.Duration(0), RetryDelay(InvalidCode, 1))
	})

	t.Run("rate limited is linear", func(t *testing.T) {
		t.Parallel()
		assert.Equal(t, 5*time.Second, RetryDelay(RateLimited, 1))
		assert.Equal(t, 10*time.Second, RetryDelay(RateLimited, 2))
		assert.Equal(t, 15*time.Second, RetryDelay(RateLimited, 3))
	})

	t.Run("network starts below one second and grows", func(t *testing.T) {
		t.Parallel()
		first := RetryDelay(Network, 1)
		second := RetryDelay(Network, 2)
		assert.Equal(t, 500*time.Millisecond, first)
		assert.Greater(t, second, first)
	})

	t.Run("capped at 30s", func(t *testing.T) {
		t.Parallel()
		assert.LessOrEqual(t, RetryDelay(ServiceUnavailable, 20), 30*time.Second)
	})

	t.Run("attempt below 1 treated as 1", func(t *testing.T) {
		t.Parallel()
		assert.Equal(t, RetryDelay(Network, 1), RetryDelay(Network, 0))
	})
}
