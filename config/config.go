// Package config loads the gateway configuration from the environment and
// builds the selected CA backend. The backend kind is fixed at startup; a
// different backend requires a restart.
package config

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/jmcleod/estgate/ca"
	"github.com/jmcleod/estgate/ca/boltca"
	"github.com/jmcleod/estgate/ca/localca"
	"github.com/jmcleod/estgate/ca/restca"
	"github.com/jmcleod/estgate/est"
)

// EnvPrefix is the prefix shared by all gateway environment variables,
// for example ESTGATE_BACKEND or ESTGATE_LOCAL_KEY_FILE.
const EnvPrefix = "ESTGATE"

// Config is the full gateway configuration. Only the section matching
// Backend is consulted when the CA handler is built.
type Config struct {
	// Backend selects the CA implementation: local, rest or bolt.
	Backend string `default:"local"`

	// RawDER switches PKCS#7 responses to unwrapped DER instead of
	// base64 text.
	RawDER bool `split_words:"true"`

	// Users maps usernames to passwords for HTTP basic auth and the
	// bootstrap flow, as "alice:secret,bob:hunter2". Empty disables
	// password identities.
	Users map[string]string

	Local LocalConfig
	REST  RESTConfig
	Bolt  BoltConfig
}

// LocalConfig configures the file-based signing backend.
type LocalConfig struct {
	KeyFile    string `split_words:"true"`
	CertFile   string `split_words:"true"`
	CRLFile    string `envconfig:"CRL_FILE"`
	Passphrase string

	ChainFiles []string `split_words:"true"`

	ValidityDays  int    `split_words:"true" default:"365"`
	SavePath      string `split_words:"true"`
	SaveSerialHex bool   `split_words:"true"`

	Whitelist []string
	Blacklist []string
}

// RESTConfig configures the external REST CA backend.
type RESTConfig struct {
	APIHost     string `envconfig:"API_HOST"`
	APIUser     string `envconfig:"API_USER"`
	APIPassword string `envconfig:"API_PASSWORD"`
	CAName      string `envconfig:"CA_NAME"`

	PollingTimeout int           `split_words:"true" default:"60"`
	PollInterval   time.Duration `split_words:"true" default:"5s"`

	CABundle  string `envconfig:"CA_BUNDLE"`
	TLSVerify bool   `envconfig:"TLS_VERIFY" default:"true"`
}

// BoltConfig configures the embedded certificate database backend.
type BoltConfig struct {
	DBFile        string `envconfig:"DB_FILE"`
	Passphrase    string
	IssuingCAName string `envconfig:"ISSUING_CA_NAME"`
	IssuingCAKey  string `envconfig:"ISSUING_CA_KEY"`

	ValidityDays int      `split_words:"true" default:"365"`
	ChainNames   []string `split_words:"true"`
	TemplateName string   `split_words:"true"`
}

// Load reads the configuration from the environment.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("reading environment: %w", err)
	}
	switch cfg.Backend {
	case "local", "rest", "bolt":
	default:
		return nil, fmt.Errorf("%w: unknown backend %q", ca.ErrConfiguration, cfg.Backend)
	}
	return &cfg, nil
}

// BuildHandler constructs the configured CA backend. Configuration errors
// surface here, before the server starts listening.
func (c *Config) BuildHandler(logger *slog.Logger) (ca.Handler, error) {
	switch c.Backend {
	case "rest":
		return restca.New(restca.Config{
			APIHost:        c.REST.APIHost,
			APIUser:        c.REST.APIUser,
			APIPassword:    c.REST.APIPassword,
			CAName:         c.REST.CAName,
			PollingTimeout: c.REST.PollingTimeout,
			PollInterval:   c.REST.PollInterval,
			CABundle:       c.REST.CABundle,
			TLSVerify:      c.REST.TLSVerify,
		}, logger)
	case "bolt":
		return boltca.New(boltca.Config{
			DBFile:        c.Bolt.DBFile,
			Passphrase:    c.Bolt.Passphrase,
			IssuingCAName: c.Bolt.IssuingCAName,
			IssuingCAKey:  c.Bolt.IssuingCAKey,
			ValidityDays:  c.Bolt.ValidityDays,
			ChainNames:    c.Bolt.ChainNames,
			TemplateName:  c.Bolt.TemplateName,
		}, logger)
	default:
		return localca.New(localca.Config{
			KeyFile:       c.Local.KeyFile,
			CertFile:      c.Local.CertFile,
			CRLFile:       c.Local.CRLFile,
			Passphrase:    c.Local.Passphrase,
			ChainFiles:    c.Local.ChainFiles,
			ValidityDays:  c.Local.ValidityDays,
			SavePath:      c.Local.SavePath,
			SaveSerialHex: c.Local.SaveSerialHex,
			Whitelist:     c.Local.Whitelist,
			Blacklist:     c.Local.Blacklist,
		}, logger)
	}
}

// Verifier returns a password verifier over the static user map, or nil
// when no users are configured.
func (c *Config) Verifier() est.PasswordVerifier {
	if len(c.Users) == 0 {
		return nil
	}
	users := c.Users
	return est.PasswordVerifierFunc(func(_ context.Context, username, password string) bool {
		want, ok := users[username]
		if !ok {
			return false
		}
		return subtle.ConstantTimeCompare([]byte(want), []byte(password)) == 1
	})
}
