package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

// ControlPlaneConfig configures the REST authoring API server.
type ControlPlaneConfig struct {
	Port              string        `envconfig:"PORT" default:"8080"`
	Host              string        `envconfig:"HOST" default:"0.0.0.0"`
	ReadTimeout       time.Duration `envconfig:"READ_TIMEOUT" default:"10s"`
	WriteTimeout      time.Duration `envconfig:"WRITE_TIMEOUT" default:"10s"`
	ReadHeaderTimeout time.Duration `envconfig:"READ_HEADER_TIMEOUT" default:"5s"`
	IdleTimeout       time.Duration `envconfig:"IDLE_TIMEOUT" default:"60s"`
	MaxHeaderBytes    int           `envconfig:"MAX_HEADER_BYTES" default:"524288" validate:"min=1"`

	// APIKeyHash is the hex SHA-256 of the shared API key. Empty disables
	// authentication, which only non-production environments accept.
	APIKeyHash string `envconfig:"API_KEY_HASH"`
	TLSEnabled bool   `envconfig:"TLS_ENABLED" default:"false"`
	TLSCert    string `envconfig:"TLS_CERT_FILE"`
	TLSKey     string `envconfig:"TLS_KEY_FILE"`

	// NotifyMaxRetries bounds the attempts to enqueue a sync event after a rule write.
	NotifyMaxRetries uint          `envconfig:"NOTIFY_MAX_RETRIES" default:"4" validate:"min=1"`
	NotifyTimeout    time.Duration `envconfig:"NOTIFY_TIMEOUT" default:"20s"`
}

// Validate checks the listener settings and, in production, the security posture.
func (c *ControlPlaneConfig) Validate(environment string) error {
	if err := validatePort(c.Port, "control plane"); err != nil {
		return err
	}
	if err := validateHost(c.Host, "control plane"); err != nil {
		return err
	}

	if environment == EnvironmentProduction {
		if c.APIKeyHash == "" {
			return errors.New("API key hash is required in production environment")
		}
		if !c.TLSEnabled {
			return errors.New("TLS must be enabled in production environment")
		}
	}
	if c.APIKeyHash != "" {
		if err := validateSHA256Hex(c.APIKeyHash); err != nil {
			return fmt.Errorf("invalid API key hash: %w", err)
		}
	}

	if c.TLSEnabled && (c.TLSCert == "" || c.TLSKey == "") {
		return errors.New("TLS enabled but cert or key file not specified")
	}
	return nil
}

func validateSHA256Hex(hash string) error {
	raw, err := hex.DecodeString(hash)
	if err != nil {
		return fmt.Errorf("hash must be valid hexadecimal: %w", err)
	}
	if len(raw) != 32 {
		return fmt.Errorf("SHA-256 hash must be 64 characters, got %d", len(hash))
	}
	return nil
}
