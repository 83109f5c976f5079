package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"
)

// DatabaseConfig contains PostgreSQL connection settings.
// Either URL or the Host/Port/Name/User components must be set.
type DatabaseConfig struct {
	URL      string `envconfig:"URL"`
	Host     string `envconfig:"HOST"`
	Port     string `envconfig:"PORT"`
	Name     string `envconfig:"NAME"`
	User     string `envconfig:"USER"`
	Password string `envconfig:"PASSWORD"`
	SSLMode  string `envconfig:"SSL_MODE" default:"prefer" validate:"oneof=disable allow prefer require verify-ca verify-full"`

	// ApplicationName is reported to the server and shows up in pg_stat_activity.
	ApplicationName string `envconfig:"APPLICATION_NAME" default:"plangate" validate:"max=63"`

	MaxConns        int           `envconfig:"MAX_CONNS" default:"25" validate:"min=1"`
	MinConns        int           `envconfig:"MIN_CONNS" default:"2" validate:"min=0"`
	MaxConnLifetime time.Duration `envconfig:"MAX_CONN_LIFETIME" default:"1h"`
	MaxConnIdleTime time.Duration `envconfig:"MAX_CONN_IDLE_TIME" default:"30m"`
	ConnectTimeout  time.Duration `envconfig:"CONNECT_TIMEOUT" default:"5s"`

	// Startup ping, retried with exponential backoff from PingBackoff.
	PingMaxRetries int           `envconfig:"PING_MAX_RETRIES" default:"5" validate:"min=1"`
	PingBackoff    time.Duration `envconfig:"PING_BACKOFF" default:"2s"`

	// MonitorPeriod drives the pool statistics collector.
	MonitorPeriod time.Duration `envconfig:"MONITOR_PERIOD" default:"15s" validate:"min=10ms"`
}

// ConnectionString returns URL verbatim, or builds one from the components
// with user info and parameters escaped.
func (c *DatabaseConfig) ConnectionString() string {
	if c.URL != "" {
		return c.URL
	}

	params := url.Values{}
	params.Set("sslmode", c.SSLMode)
	if c.ApplicationName != "" {
		params.Set("application_name", c.ApplicationName)
	}

	u := url.URL{
		Scheme:   "postgres",
		Host:     net.JoinHostPort(c.Host, c.Port),
		Path:     "/" + c.Name,
		RawQuery: params.Encode(),
	}
	if c.Password != "" {
		u.User = url.UserPassword(c.User, c.Password)
	} else {
		u.User = url.User(c.User)
	}
	return u.String()
}

// Validate checks the connection settings and the pool bounds.
func (c *DatabaseConfig) Validate(environment string) error {
	var err error
	if c.URL != "" {
		err = validatePostgresURL(c.URL)
		if err != nil {
			err = fmt.Errorf("invalid database URL: %w", err)
		}
	} else {
		err = c.validateComponents(environment)
	}
	if err != nil {
		return err
	}

	if c.MinConns > c.MaxConns {
		return fmt.Errorf("min_conns (%d) cannot be greater than max_conns (%d)", c.MinConns, c.MaxConns)
	}
	return nil
}

func (c *DatabaseConfig) validateComponents(environment string) error {
	if err := validateHost(c.Host, "database"); err != nil {
		return err
	}
	if err := validatePort(c.Port, "database"); err != nil {
		return err
	}
	if err := validateNoWhitespace(c.Name, "database name"); err != nil {
		return err
	}
	if len(c.Name) > 63 { // PostgreSQL identifier limit
		return errors.New("database name cannot exceed 63 characters")
	}
	if err := validateNoWhitespace(c.User, "database user"); err != nil {
		return err
	}

	if environment != EnvironmentProduction {
		return nil
	}
	if c.Password == "" {
		return errors.New("database password is required in production environment")
	}
	if err := validatePasswordStrength(c.Password, "database", environment); err != nil {
		return err
	}
	if !isSecureSSLMode(c.SSLMode) {
		return errors.New("database SSL mode must be 'require', 'verify-ca', or 'verify-full' in production environment")
	}
	return nil
}

// IsConfigured reports whether enough is set to attempt a connection.
// Password strength is a production concern checked by Validate.
func (c *DatabaseConfig) IsConfigured() bool {
	return c.URL != "" || (c.Host != "" && c.Port != "" && c.Name != "" && c.User != "")
}

func validatePostgresURL(dbURL string) error {
	parsed, err := parseAndValidateURL(dbURL, []string{"postgres", "postgresql"})
	if err != nil {
		return err
	}
	if parsed.User == nil || parsed.User.Username() == "" {
		return errors.New("user is required in URL")
	}
	if strings.TrimPrefix(parsed.Path, "/") == "" {
		return errors.New("database name is required in URL path")
	}
	return nil
}
