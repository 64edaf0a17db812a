// Package classify collapses heterogeneous transport, IdP and platform
// errors into the closed taxonomy described in spec §4.5/§7.
package classify

import (
	"strings"
	"time"
)

// Code is one of the nine classified error kinds.
type Code string

const (
	Network            Code = "network"
	ServiceUnavailable Code = "serviceUnavailable"
	UserNotFound       Code = "userNotFound"
	AuthCancelled      Code = "authCancelled"
	AuthFailed         Code = "authFailed"
	RateLimited        Code = "rateLimited"
	InvalidCode        Code = "invalidCode"
	InvalidInput       Code = "invalidInput"
	Unknown            Code = "unknown"
)

// retryable records which codes are retryable per spec §4.5 rule 3.
var retryable = map[Code]bool{
	Network:            true,
	ServiceUnavailable: true,
	AuthCancelled:      true,
	AuthFailed:         true,
	RateLimited:        true,
	Unknown:            true,
	UserNotFound:       false,
	InvalidCode:        false,
	InvalidInput:       false,
}

// Retryable reports whether errors of this code may be retried.
func Retryable(c Code) bool {
	return retryable[c]
}

// Context carries the optional {method, email} context spec §4.5 attaches
// to every classified error.
type Context struct {
	Method string
	Email  string
}

// ErrorRecord is a fully classified error, ready to be stored as an
// apiError and optionally surfaced as a uiError.
type ErrorRecord struct {
	Code      Code
	Message   string // raw message, unmodified
	Retryable bool
	Timestamp time.Time
	Context   Context
	// RetryAfter is populated from the IdP's Retry-After header (seconds)
	// when Code == RateLimited and the server provided one.
	RetryAfter int
}

// IdPError is the structured error envelope IdP endpoints return:
// {error, message, details?}.
type IdPError struct {
	Code       string
	Message    string
	RetryAfter int
}

// recognizedCodes is the set of classifier codes an IdP error envelope may
// name directly in its "error" field (spec §4.5 rule 1: "a recognized
// code is mapped directly"); the IdP's own network_error code maps to
// Network (ClassifyIdPError remaps it to ServiceUnavailable for 500/502/503).
// invalid_grant is deliberately absent: it falls through to the substring
// rules here, and its rotation-reuse handling is owned by the refresh
// protocol (spec §4.7.1), which detects it from the raw code kept on the idp
// package's error (idp.IsInvalidGrant).
var recognizedCodes = map[string]Code{
	"network_error":            Network,
	string(Network):            Network,
	string(ServiceUnavailable): ServiceUnavailable,
	string(UserNotFound):       UserNotFound,
	string(AuthCancelled):      AuthCancelled,
	string(AuthFailed):         AuthFailed,
	string(RateLimited):        RateLimited,
	string(InvalidCode):        InvalidCode,
	string(InvalidInput):       InvalidInput,
}

// substringRules is the fixed ordered set from spec §4.5 rule 2. First match
// wins; each entry's Any lists alternative substrings and All lists
// substrings that must all be present.
type substringRule struct {
	any    []string
	all    []string
	method string // if set, only matches when Context.Method equals this
	code   Code
}

var substringRules = []substringRule{
	{any: []string{"fetch", "failed to fetch", "network"}, code: Network},
	{any: []string{"404", "endpoint", "not found", "500", "502", "503"}, code: ServiceUnavailable},
	{any: []string{"user not found"}, code: UserNotFound},
	{all: []string{"404"}, method: "checkUser", code: UserNotFound},
	{any: []string{"notallowederr", "cancelled", "aborted"}, code: AuthCancelled},
	{any: []string{"webauthn", "passkey", "credential"}, code: AuthFailed},
	{any: []string{"rate limit", "too many requests", "429"}, code: RateLimited},
	{all: []string{"invalid", "code"}, code: InvalidCode},
	{all: []string{"expired", "code"}, code: InvalidCode},
	{method: "verifyEmailCode", all: []string{"invalid"}, code: InvalidCode},
	{any: []string{"invalid", "validation", "400"}, code: InvalidInput},
}

// Classify maps a raw transport/platform error message to a classified
// Code, applying the ordered rules of spec §4.5. ctx.Method participates in
// the method-scoped rules (checkUser/verifyEmailCode).
func Classify(rawMessage string, ctx Context) Code {
	return classifyMessage(rawMessage, ctx.Method)
}

// ClassifyIdPError maps a structured IdP error envelope, applying rule 1
// (and its "server network_error with 5xx in the message" exception) before
// falling back to the substring rules on the message.
func ClassifyIdPError(e IdPError, ctx Context) Code {
	if e.Code == "network_error" {
		lower := strings.ToLower(e.Message)
		if strings.Contains(lower, "500") || strings.Contains(lower, "502") || strings.Contains(lower, "503") {
			return ServiceUnavailable
		}
	}
	if code, ok := recognizedCodes[e.Code]; ok {
		return code
	}
	return classifyMessage(e.Message, ctx.Method)
}

func classifyMessage(rawMessage, method string) Code {
	lower := strings.ToLower(rawMessage)
	for _, rule := range substringRules {
		if rule.method != "" && rule.method != method {
			continue
		}
		if len(rule.any) > 0 {
			matched := false
			for _, s := range rule.any {
				if strings.Contains(lower, s) {
					matched = true
					break
				}
			}
			if !matched {
				continue
			}
		}
		if len(rule.all) > 0 {
			allMatch := true
			for _, s := range rule.all {
				if !strings.Contains(lower, s) {
					allMatch = false
					break
				}
			}
			if !allMatch {
				continue
			}
		}
		return rule.code
	}
	return Unknown
}

// NewRecord builds a classified ErrorRecord from a raw message, attaching
// retryability and the current timestamp.
func NewRecord(rawMessage string, ctx Context, now time.Time) ErrorRecord {
	code := Classify(rawMessage, ctx)
	return ErrorRecord{
		Code:      code,
		Message:   rawMessage,
		Retryable: Retryable(code),
		Timestamp: now,
		Context:   ctx,
	}
}

// NewRecordFromIdPError builds a classified ErrorRecord from a structured
// IdP error envelope.
func NewRecordFromIdPError(e IdPError, ctx Context, now time.Time) ErrorRecord {
	code := ClassifyIdPError(e, ctx)
	return ErrorRecord{
		Code:       code,
		Message:    e.Message,
		Retryable:  Retryable(code),
		Timestamp:  now,
		Context:    ctx,
		RetryAfter: e.RetryAfter,
	}
}
