// Package idp implements the typed IdP HTTP client (spec §4.4/§6): one
// method per upstream endpoint, each validating its input, sending a JSON
// request, decoding the JSON response, and funneling transport failures and
// IdP error responses through pkg/classify before they reach the caller.
// Input-validation failures are returned as plain errors.
package idp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/time/rate"

	"github.com/thepia/flows-auth/pkg/cache"
	"github.com/thepia/flows-auth/pkg/classify"
	"github.com/thepia/flows-auth/pkg/logging"
	"github.com/thepia/flows-auth/pkg/model"
)

// emailPattern is a pragmatic RFC-5322-shaped check (spec §4.4: "RFC-5322
// shape"), not a full grammar implementation.
var emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

const maxEmailLen = 254

// Client is a typed HTTP client for the upstream IdP contract in spec §6.
// Every method is safe for concurrent use.
type Client struct {
	httpClient *http.Client
	baseURL    string
	appCode    string
	discovery  *cache.Cache

	checkUserLimiter *rate.Limiter
	emailCodeLimiter *rate.Limiter
}

// Option configures a Client at construction time.
type Option func(*Client)

// WithHTTPClient overrides the default http.Client (e.g. for a custom
// transport, or an httptest.Server client in tests).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithDiscoveryCache wires the User Discovery Cache this client populates on
// checkUser and invalidates on any identity-changing operation.
func WithDiscoveryCache(dc *cache.Cache) Option {
	return func(c *Client) { c.discovery = dc }
}

// New constructs a Client against baseURL, applying appCode as a path prefix
// when non-empty (spec §6: "All paths may be prefixed by an application
// code").
func New(baseURL, appCode string, opts ...Option) *Client {
	c := &Client{
		httpClient:       &http.Client{Timeout: 30 * time.Second},
		baseURL:          strings.TrimRight(baseURL, "/"),
		appCode:          appCode,
		checkUserLimiter: rate.NewLimiter(rate.Every(time.Second), 5),
		emailCodeLimiter: rate.NewLimiter(rate.Every(2*time.Second), 3),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) path(p string) string {
	if c.appCode == "" {
		return c.baseURL + p
	}
	return c.baseURL + "/" + strings.Trim(c.appCode, "/") + p
}

// idpErrorBody mirrors spec §6's error envelope: {error, message, details?}.
type idpErrorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Details struct {
		RetryAfter int `json:"retryAfter"`
	} `json:"details"`
}

// do sends a JSON POST/GET, decodes a 2xx body into out, and classifies any
// failure (transport error, non-2xx status, or structured error envelope).
func (c *Client) do(ctx context.Context, method, path string, reqBody any, out any, ctxLabel classify.Context) error {
	var body io.Reader
	if reqBody != nil {
		buf, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.path(path), body)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		rec := classify.NewRecord(err.Error(), ctxLabel, time.Now())
		logging.Warnw("idp request failed", "path", path, "code", string(rec.Code), "err", err)
		return recordError{rec}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var envelope idpErrorBody
		_ = json.Unmarshal(raw, &envelope)
		if envelope.Error == "" {
			envelope.Message = fmt.Sprintf("http %d: %s", resp.StatusCode, string(raw))
		}
		rec := classify.NewRecordFromIdPError(classify.IdPError{
			Code:       envelope.Error,
			Message:    envelope.Message,
			RetryAfter: envelope.Details.RetryAfter,
		}, ctxLabel, time.Now())
		logging.Warnw("idp returned error", "path", path, "status", resp.StatusCode, "code", string(rec.Code))
		return recordError{rec: rec, idpCode: envelope.Error}
	}

	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}
	return nil
}

// recordError adapts an ErrorRecord to the error interface so callers can
// extract it back out with AsRecord. idpCode preserves the raw
// structured error code the IdP sent (when any), for callers like
// IsInvalidGrant that must distinguish a code the classifier deliberately
// doesn't map (see classify.recognizedCodes).
type recordError struct {
	rec     classify.ErrorRecord
	idpCode string
}

func (e recordError) Error() string { return e.rec.Message }

// AsRecord extracts the ErrorRecord from an error returned by this package,
// if it carries one.
func AsRecord(err error) (classify.ErrorRecord, bool) {
	if re, ok := err.(recordError); ok {
		return re.rec, true
	}
	return classify.ErrorRecord{}, false
}

func validateEmail(email string) error {
	if email == "" || len(email) > maxEmailLen {
		return fmt.Errorf("invalid email length")
	}
	if !emailPattern.MatchString(email) {
		return fmt.Errorf("invalid email shape")
	}
	return nil
}

// CheckUser looks up email's existence/credential state, populating the
// Discovery Cache on success (spec §4.4).
func (c *Client) CheckUser(ctx context.Context, email string) (model.DiscoveryResult, error) {
	if err := validateEmail(email); err != nil {
		return model.DiscoveryResult{}, err
	}
	if c.checkUserLimiter != nil && !c.checkUserLimiter.Allow() {
		return model.DiscoveryResult{}, recordError{classify.NewRecord("client-side rate limit: too many requests", classify.Context{Method: "checkUser", Email: email}, time.Now())}
	}

	var out model.DiscoveryResult
	if err := c.do(ctx, http.MethodPost, "/auth/check-user", map[string]string{"email": email}, &out,
		classify.Context{Method: "checkUser", Email: email}); err != nil {
		return model.DiscoveryResult{}, err
	}
	if c.discovery != nil {
		c.discovery.Set(email, out)
	}
	return out, nil
}

// EmailCodeResult is the response from SendEmailCode.
type EmailCodeResult struct {
	Sent      bool      `json:"sent"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// SendEmailCode requests a one-time code be sent to email.
func (c *Client) SendEmailCode(ctx context.Context, email string, createIfMissing bool) (EmailCodeResult, error) {
	if err := validateEmail(email); err != nil {
		return EmailCodeResult{}, err
	}
	if c.emailCodeLimiter != nil && !c.emailCodeLimiter.Allow() {
		return EmailCodeResult{}, recordError{classify.NewRecord("client-side rate limit: too many requests", classify.Context{Method: "sendEmailCode", Email: email}, time.Now())}
	}

	var out EmailCodeResult
	err := c.do(ctx, http.MethodPost, "/auth/send-email-code",
		map[string]any{"email": email, "createIfMissing": createIfMissing}, &out,
		classify.Context{Method: "sendEmailCode", Email: email})
	return out, err
}

// AuthResult is the common {user, tokens} shape returned by every ceremony-
// completing endpoint (verifyEmailCode, webauthnVerify, verifyMagicLink).
type AuthResult struct {
	User  model.User
	Token model.TokenSet
}

type tokenWireFields struct {
	AccessToken        string `json:"access_token"`
	RefreshToken       string `json:"refresh_token,omitempty"`
	ExpiresIn          *int64 `json:"expires_in,omitempty"`
	SecondaryToken     string `json:"secondary_token,omitempty"`
	SecondaryExpiresAt *int64 `json:"secondary_expires_at,omitempty"`
}

func (f tokenWireFields) toTokenSet(now time.Time) model.TokenSet {
	ts := model.TokenSet{
		AccessToken:    f.AccessToken,
		RefreshToken:   f.RefreshToken,
		SecondaryToken: f.SecondaryToken,
	}
	switch {
	case f.ExpiresIn != nil:
		ms := now.Add(time.Duration(*f.ExpiresIn) * time.Second).UnixMilli()
		ts.ExpiresAt = &ms
	default:
		ts.ExpiresAt = peekJWTExpiry(f.AccessToken)
	}
	if f.SecondaryExpiresAt != nil {
		ts.SecondaryExpiresAt = f.SecondaryExpiresAt
	}
	nowMS := now.UnixMilli()
	ts.RefreshedAt = &nowMS
	return ts
}

// peekJWTExpiry returns accessToken's "exp" claim as an absolute ms epoch,
// without verifying its signature (verification is delegated upstream to the
// IdP, spec Non-goals). This only runs as a fallback when the IdP's wire
// response omits expires_in; a non-JWT or unparseable access token simply
// yields a nil ExpiresAt, matching the "unknown/non-expiring" contract.
func peekJWTExpiry(accessToken string) *int64 {
	if accessToken == "" {
		return nil
	}
	var claims jwt.MapClaims
	if _, _, err := jwt.NewParser().ParseUnverified(accessToken, &claims); err != nil {
		return nil
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return nil
	}
	ms := exp.UnixMilli()
	return &ms
}

type verifyEmailCodeResponse struct {
	Success bool       `json:"success"`
	User    model.User `json:"user"`
	tokenWireFields
}

// VerifyEmailCode completes an email-code ceremony, invalidating the
// Discovery Cache for email on success (spec §4.4).
func (c *Client) VerifyEmailCode(ctx context.Context, email, code string) (AuthResult, error) {
	if err := validateEmail(email); err != nil {
		return AuthResult{}, err
	}

	var out verifyEmailCodeResponse
	ctxLabel := classify.Context{Method: "verifyEmailCode", Email: email}
	if err := c.do(ctx, http.MethodPost, "/auth/verify-email-code",
		map[string]string{"email": email, "code": code}, &out, ctxLabel); err != nil {
		return AuthResult{}, err
	}
	if c.discovery != nil {
		c.discovery.Invalidate(email)
	}
	return AuthResult{User: out.User, Token: out.tokenWireFields.toTokenSet(time.Now())}, nil
}

// WebauthnChallenge requests a passkey assertion challenge for email.
func (c *Client) WebauthnChallenge(ctx context.Context, email string) (model.Challenge, error) {
	if err := validateEmail(email); err != nil {
		return model.Challenge{}, err
	}
	var out model.Challenge
	err := c.do(ctx, http.MethodPost, "/auth/webauthn/challenge", map[string]string{"email": email}, &out,
		classify.Context{Method: "webauthnChallenge", Email: email})
	return out, err
}

type webauthnVerifyResponse struct {
	Success bool       `json:"success"`
	User    model.User `json:"user"`
	tokenWireFields
}

// WebauthnVerify completes a passkey assertion for the challenge identified
// by challengeID. credentialAssertion is passed through opaque to the IdP.
func (c *Client) WebauthnVerify(ctx context.Context, challengeID string, credentialAssertion any) (AuthResult, error) {
	if challengeID == "" {
		return AuthResult{}, fmt.Errorf("challengeId is required")
	}
	var out webauthnVerifyResponse
	err := c.do(ctx, http.MethodPost, "/auth/webauthn/verify",
		map[string]any{"challengeId": challengeID, "credentialResponse": credentialAssertion}, &out,
		classify.Context{Method: "webauthnVerify"})
	if err != nil {
		return AuthResult{}, err
	}
	return AuthResult{User: out.User, Token: out.tokenWireFields.toTokenSet(time.Now())}, nil
}

// WebauthnRegisterOptions fetches passkey registration options for the
// caller identified by accessToken. Requires a valid access token (spec §4.4).
func (c *Client) WebauthnRegisterOptions(ctx context.Context, accessToken string) (json.RawMessage, error) {
	if accessToken == "" {
		return nil, fmt.Errorf("accessToken is required")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.path("/auth/webauthn/register/options"), nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, recordError{classify.NewRecord(err.Error(), classify.Context{Method: "webauthnRegisterOptions"}, time.Now())}
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var envelope idpErrorBody
		_ = json.Unmarshal(raw, &envelope)
		return nil, recordError{classify.NewRecordFromIdPError(classify.IdPError{Code: envelope.Error, Message: envelope.Message}, classify.Context{Method: "webauthnRegisterOptions"}, time.Now())}
	}
	return json.RawMessage(raw), nil
}

type webauthnRegisterFinishResponse struct {
	CredentialID string `json:"credentialId"`
}

// WebauthnRegisterFinish completes passkey registration, invalidating the
// Discovery Cache for email on success (spec §4.4).
func (c *Client) WebauthnRegisterFinish(ctx context.Context, email string, attestation any) (string, error) {
	var out webauthnRegisterFinishResponse
	err := c.do(ctx, http.MethodPost, "/auth/webauthn/register/finish", map[string]any{"attestation": attestation}, &out,
		classify.Context{Method: "webauthnRegisterFinish", Email: email})
	if err != nil {
		return "", err
	}
	if c.discovery != nil && email != "" {
		c.discovery.Invalidate(email)
	}
	return out.CredentialID, nil
}

// RefreshResult is the {access_token, refresh_token?, expires_in?,
// secondary_token?, secondary_expires_at?} shape returned by RefreshToken.
type RefreshResult struct {
	Token model.TokenSet
}

type refreshResponse struct {
	tokenWireFields
}

// RefreshToken rotates refreshToken. The upstream IdP treats refresh tokens
// as single-use and rotating (spec §4.7.1): a token already exchanged by
// another context yields a structured invalid_grant error; the raw code is
// kept on the returned error so IsInvalidGrant can detect it without relying
// on message text.
func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (RefreshResult, error) {
	if refreshToken == "" {
		return RefreshResult{}, fmt.Errorf("refreshToken is required")
	}
	var out refreshResponse
	err := c.do(ctx, http.MethodPost, "/auth/refresh", map[string]string{"refresh_token": refreshToken}, &out,
		classify.Context{Method: "refreshToken"})
	if err != nil {
		return RefreshResult{}, err
	}
	return RefreshResult{Token: out.tokenWireFields.toTokenSet(time.Now())}, nil
}

// IsInvalidGrant reports whether err is the structured invalid_grant /
// "already exchanged" error the refresh endpoint returns for a reused
// refresh token (spec §4.7.1). It must NOT be retried.
func IsInvalidGrant(err error) bool {
	re, ok := err.(recordError)
	if !ok {
		return false
	}
	if re.idpCode == "invalid_grant" {
		return true
	}
	lower := strings.ToLower(re.rec.Message)
	return strings.Contains(lower, "invalid_grant") || strings.Contains(lower, "already exchanged") ||
		strings.Contains(lower, "already been used")
}

// SignOut best-effort notifies the IdP; callers must clear local state
// regardless of the outcome (spec §4.4).
func (c *Client) SignOut(ctx context.Context, accessToken, refreshToken string) error {
	body := map[string]string{"access_token": accessToken}
	if refreshToken != "" {
		body["refresh_token"] = refreshToken
	}
	return c.do(ctx, http.MethodPost, "/auth/signout", body, nil, classify.Context{Method: "signOut"})
}

// MagicLinkResult is the {sent, expiresAt} shape returned by SendMagicLink;
// Sent is decoded from the response's "success" field.
type MagicLinkResult struct {
	Sent      bool      `json:"success"`
	Message   string    `json:"message"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// SendMagicLink requests a sign-in link be sent to email. redirectURL, when
// non-empty, must be HTTPS (spec §4.4).
func (c *Client) SendMagicLink(ctx context.Context, email, redirectURL string) (MagicLinkResult, error) {
	if err := validateEmail(email); err != nil {
		return MagicLinkResult{}, err
	}
	if redirectURL != "" && !strings.HasPrefix(redirectURL, "https://") {
		return MagicLinkResult{}, fmt.Errorf("redirectUrl must be https")
	}
	body := map[string]string{"email": email}
	if redirectURL != "" {
		body["redirectUrl"] = redirectURL
	}
	var out MagicLinkResult
	err := c.do(ctx, http.MethodPost, "/auth/start-passwordless", body, &out, classify.Context{Method: "sendMagicLink", Email: email})
	return out, err
}

type verifyMagicLinkResponse struct {
	Step string     `json:"step"`
	User model.User `json:"user"`
	tokenWireFields
}

// VerifyMagicLink exchanges an opaque magic-link token for a session.
func (c *Client) VerifyMagicLink(ctx context.Context, token string) (AuthResult, error) {
	if token == "" {
		return AuthResult{}, fmt.Errorf("token is required")
	}
	var out verifyMagicLinkResponse
	err := c.do(ctx, http.MethodPost, "/auth/verify-magic-link", map[string]string{"token": token}, &out,
		classify.Context{Method: "verifyMagicLink"})
	if err != nil {
		return AuthResult{}, err
	}
	return AuthResult{User: out.User, Token: out.tokenWireFields.toTokenSet(time.Now())}, nil
}

// Health is the decoded {status, services?} body from GET /health.
type Health struct {
	Status   string         `json:"status"`
	Services map[string]any `json:"services,omitempty"`
}

// HealthCheck wraps GET /health, a supplemental operation (not itself a
// ceremony step) the facade can use to proactively surface serviceUnavailable
// before a ceremony even starts.
func (c *Client) HealthCheck(ctx context.Context) (Health, error) {
	var out Health
	err := c.do(ctx, http.MethodGet, "/health", nil, &out, classify.Context{Method: "healthCheck"})
	return out, err
}
