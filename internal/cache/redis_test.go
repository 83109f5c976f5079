package cache

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEncodeRule(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		version  int64
		payload  string
		expected string
	}{
		{"happy path", 42, `{"enabled":true}`, `42|{"enabled":true}`},
		{"max int64 version", 9223372036854775807, `{}`, `9223372036854775807|{}`},
		{"pipes inside payload", 5, `{"visibleFor":["a|b"]}`, `5|{"visibleFor":["a|b"]}`},
		{"empty payload", 1, "", "1|"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.expected, encodeRule([]byte(tt.payload), tt.version))
		})
	}
}

func TestDecodeRule(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name            string
		raw             string
		expectedPayload string
		expectedVersion int64
	}{
		{"happy path", `42|{"enabled":true}`, `{"enabled":true}`, 42},
		{"pipes inside payload", `5|{"hiddenFor":["x|y"]}`, `{"hiddenFor":["x|y"]}`, 5},
		{"no pipe returns raw", `{"enabled":true}`, `{"enabled":true}`, 0},
		{"non numeric prefix returns raw", `abc|{}`, `abc|{}`, 0},
		{"pipe at search boundary", "1234567890123456789|" + strings.Repeat("x", 64), strings.Repeat("x", 64), 1234567890123456789},
		{"pipe beyond search span", strings.Repeat("0", 21) + "|data", strings.Repeat("0", 21) + "|data", 0},
		{"empty string", "", "", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			payload, version := decodeRule(tt.raw)
			assert.Equal(t, tt.expectedPayload, payload)
			assert.Equal(t, tt.expectedVersion, version)
		})
	}
}

func TestDecodeQueueMessage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name            string
		message         string
		expectedID      string
		expectedVersion int64
	}{
		{"happy path", "hero-banner:42", "hero-banner", 42},
		{"element id with colons", "post:17:sidebar:3", "post:17:sidebar", 3},
		{"no version", "hero-banner", "hero-banner", 0},
		{"non numeric version", "hero:latest", "hero:latest", 0},
		{"version overflow", "hero:99999999999999999999999", "hero:99999999999999999999999", 0},
		{"only colon", ":", ":", 0},
		{"empty id", ":7", "", 7},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			id, version := DecodeQueueMessage(tt.message)
			assert.Equal(t, tt.expectedID, id)
			assert.Equal(t, tt.expectedVersion, version)
		})
	}
}

func TestQueueMessage_EncodeThenDecode(t *testing.T) {
	t.Parallel()

	for _, id := range []string{"hero", "post:17:sidebar", ""} {
		id, version := DecodeQueueMessage(EncodeQueueMessage(id, 9))
		assert.Equal(t, int64(9), version, id)
	}
}

func TestRedisCache_Keys(t *testing.T) {
	t.Parallel()

	c := &RedisCache{prefix: "plangate"}
	assert.Equal(t, "plangate:rule:hero", c.RuleKey("hero"))
	assert.Equal(t, "plangate:viewer:42", c.ViewerKey("42"))
	assert.Equal(t, "plangate:queue:updates", c.queueKey())
	assert.Equal(t, "plangate:channel:invalidate", c.channelKey())
	assert.Equal(t, "plangate:hydrated", c.hydratedKey())
}
