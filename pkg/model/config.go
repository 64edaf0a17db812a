package model

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// SignInMode controls what happens when checkUser reports a non-existent
// user.
type SignInMode string

const (
	SignInModeLoginOnly       SignInMode = "login-only"
	SignInModeLoginOrRegister SignInMode = "login-or-register"
)

// StorageType selects the persistence backend's durability class.
type StorageType string

const (
	StorageDurable  StorageType = "durable"
	StorageVolatile StorageType = "volatile"
)

// StorageConfig configures the Session Persistence Adapter.
type StorageConfig struct {
	Type               StorageType   `json:"type" yaml:"type"`
	SessionTimeout     time.Duration `json:"sessionTimeout,omitempty" yaml:"sessionTimeout,omitempty"`
	PersistentSessions bool          `json:"persistentSessions,omitempty" yaml:"persistentSessions,omitempty"`
}

// DefaultRefreshBefore and MinRefreshBefore are the default/minimum seconds
// of early rotation before expiresAt, per spec.
const (
	DefaultRefreshBefore = 300 * time.Second
	MinRefreshBefore     = 60 * time.Second
)

// Config is the engine's single configuration record (spec §6). It carries
// no defaults from the environment — loading it from env/files is the
// embedding application's job, out of scope for this engine.
type Config struct {
	APIBaseURL string `json:"apiBaseUrl" yaml:"apiBaseUrl"`
	ClientID   string `json:"clientId" yaml:"clientId"`
	Domain     string `json:"domain" yaml:"domain"`

	EnablePasskeys   bool       `json:"enablePasskeys,omitempty" yaml:"enablePasskeys,omitempty"`
	EnableMagicLinks bool       `json:"enableMagicLinks,omitempty" yaml:"enableMagicLinks,omitempty"`
	SignInMode       SignInMode `json:"signInMode,omitempty" yaml:"signInMode,omitempty"`

	AppCode string `json:"appCode,omitempty" yaml:"appCode,omitempty"`

	RefreshBefore time.Duration `json:"refreshBefore,omitempty" yaml:"refreshBefore,omitempty"`

	Storage StorageConfig `json:"storage" yaml:"storage"`

	// ErrorReporting and Branding are opaque to the engine: it only publishes
	// events / passes the blob through untouched.
	ErrorReporting any `json:"errorReporting,omitempty" yaml:"errorReporting,omitempty"`
	Branding       any `json:"branding,omitempty" yaml:"branding,omitempty"`
}

// ApplyDefaults fills in the documented defaults (refreshBefore=300s,
// signInMode=login-only) without overwriting anything explicitly set.
func (c *Config) ApplyDefaults() {
	if c.RefreshBefore == 0 {
		c.RefreshBefore = DefaultRefreshBefore
	}
	if c.SignInMode == "" {
		c.SignInMode = SignInModeLoginOnly
	}
	if c.Storage.Type == "" {
		c.Storage.Type = StorageVolatile
	}
}

// Validate checks the required fields and the minimum refreshBefore,
// mirroring the teacher's CreateOAuthConfigManual-style up-front validation
// of a config record before it is used to build any client.
func (c *Config) Validate() error {
	if c.APIBaseURL == "" {
		return fmt.Errorf("apiBaseUrl is required")
	}
	u, err := url.Parse(c.APIBaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("apiBaseUrl must be an absolute URL: %q", c.APIBaseURL)
	}
	if c.ClientID == "" {
		return fmt.Errorf("clientId is required")
	}
	if c.Domain == "" {
		return fmt.Errorf("domain is required")
	}
	if c.RefreshBefore != 0 && c.RefreshBefore < MinRefreshBefore {
		return fmt.Errorf("refreshBefore must be at least %s, got %s", MinRefreshBefore, c.RefreshBefore)
	}
	switch c.SignInMode {
	case "", SignInModeLoginOnly, SignInModeLoginOrRegister:
	default:
		return fmt.Errorf("invalid signInMode: %q", c.SignInMode)
	}
	switch c.Storage.Type {
	case "", StorageDurable, StorageVolatile:
	default:
		return fmt.Errorf("invalid storage type: %q", c.Storage.Type)
	}
	return nil
}

// EndpointPath builds a request path, applying the appCode prefix when
// configured (spec §6: "All paths may be prefixed by an application code").
func (c *Config) EndpointPath(path string) string {
	if c.AppCode == "" {
		return path
	}
	return "/" + strings.Trim(c.AppCode, "/") + path
}

// MutableFieldsOnly reports whether new only touches fields the spec allows
// to change on a live store (branding, flags, signInMode) — apiBaseUrl,
// clientId and domain require a full restart (spec §9).
func (c *Config) MutableFieldsOnly(newCfg Config) bool {
	return c.APIBaseURL == newCfg.APIBaseURL &&
		c.ClientID == newCfg.ClientID &&
		c.Domain == newCfg.Domain
}
