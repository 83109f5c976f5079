package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rafaeljc/plangate/internal/config"
)

func TestNewWithWriter(t *testing.T) {
	t.Run("Should emit JSON with identity attributes", func(t *testing.T) {
		var buf bytes.Buffer
		log := NewWithWriter(&config.AppConfig{
			Name:        "plangate-data",
			Version:     "v1.2.3",
			Environment: config.EnvironmentProduction,
			LogLevel:    "info",
			LogFormat:   "json",
		}, &buf)

		log.Info("hello", slog.String("element_id", "hero-banner"))

		var line map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
		assert.Equal(t, "hello", line["msg"])
		assert.Equal(t, "plangate-data", line["service"])
		assert.Equal(t, "v1.2.3", line["version"])
		assert.Equal(t, "production", line["env"])
		assert.Equal(t, "hero-banner", line["element_id"])
		assert.NotContains(t, line, "source", "source must be omitted in production")
	})

	t.Run("Should emit text in development", func(t *testing.T) {
		var buf bytes.Buffer
		log := NewWithWriter(&config.AppConfig{
			Name:        "plangate-control",
			Environment: "development",
			LogLevel:    "debug",
			LogFormat:   "text",
		}, &buf)

		log.Debug("visible at debug")

		out := buf.String()
		assert.True(t, strings.Contains(out, "msg=\"visible at debug\""), out)
		assert.Contains(t, out, "source=")
	})

	t.Run("Should filter below the configured level", func(t *testing.T) {
		var buf bytes.Buffer
		log := NewWithWriter(&config.AppConfig{LogLevel: "warn", LogFormat: "json"}, &buf)

		log.Info("dropped")
		log.Warn("kept")

		assert.NotContains(t, buf.String(), "dropped")
		assert.Contains(t, buf.String(), "kept")
	})

	t.Run("Should panic on nil config", func(t *testing.T) {
		assert.Panics(t, func() { NewWithWriter(nil, &bytes.Buffer{}) })
	})
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"Warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"super-critical", slog.LevelInfo},
		{"", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.want, parseLevel(tt.input))
		})
	}
}

func TestWithComponent(t *testing.T) {
	var buf bytes.Buffer
	base := slog.New(slog.NewJSONHandler(&buf, nil))

	WithComponent(base, "syncer").Info("tick")

	assert.Contains(t, buf.String(), `"component":"syncer"`)
	assert.NotNil(t, WithComponent(nil, "fallback"))
}
