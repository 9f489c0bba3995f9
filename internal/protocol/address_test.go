// ABOUTME: Tests for address normalization, alias resolution, and identity sets

package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"device suffix stripped", "5511999990000:67@s.whatsapp.net", "5511999990000@s.whatsapp.net"},
		{"no suffix unchanged", "5511999990000@s.whatsapp.net", "5511999990000@s.whatsapp.net"},
		{"group unchanged", "123456-789@g.us", "123456-789@g.us"},
		{"no server unchanged", "not-an-address", "not-an-address"},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Normalize(tt.in))
		})
	}
}

func TestResolveAlias(t *testing.T) {
	canonical := "5511999990000@s.whatsapp.net"
	alias := "98765432109876@lid"

	assert.Equal(t, canonical, ResolveAlias(alias, canonical), "canonical wins over alias")
	assert.Equal(t, alias, ResolveAlias(alias, ""), "alias kept when no fallback known")
	assert.Equal(t, canonical, ResolveAlias(canonical, alias), "canonical input kept regardless of fallback")
	assert.Equal(t, canonical, ResolveAlias("", canonical), "empty input resolves to fallback")
}

func TestAddressPredicates(t *testing.T) {
	assert.True(t, IsGroup("123456-789@g.us"))
	assert.False(t, IsGroup("5511999990000@s.whatsapp.net"))

	assert.True(t, IsAlias("98765432109876@lid"))
	assert.False(t, IsAlias("5511999990000@s.whatsapp.net"))

	assert.True(t, IsStatusBroadcast("status@broadcast"))
	assert.False(t, IsStatusBroadcast("other@broadcast"))
}

func TestIdentitySet(t *testing.T) {
	set := NewIdentitySet(
		"5511999990000:12@s.whatsapp.net",
		"98765432109876@lid",
	)

	// Any device variant of a known identity matches.
	assert.True(t, set.Contains("5511999990000:12@s.whatsapp.net"))
	assert.True(t, set.Contains("5511999990000@s.whatsapp.net"))
	assert.True(t, set.Contains("5511999990000:99@s.whatsapp.net"))
	assert.True(t, set.Contains("98765432109876:3@lid"))

	assert.False(t, set.Contains("5511888880000@s.whatsapp.net"))
	assert.False(t, set.Contains(""))

	var empty IdentitySet
	assert.False(t, empty.Contains("5511999990000@s.whatsapp.net"))
}

func TestDisconnectCodeLabels(t *testing.T) {
	assert.Equal(t, "Logged Out", CodeLoggedOut.Label())
	assert.Equal(t, "Restart Required", CodeRestartRequired.Label())
	assert.Equal(t, "Unknown", DisconnectCode(999).Label())

	assert.False(t, CodeLoggedOut.Recoverable())
	assert.True(t, CodeConnectionLost.Recoverable())
	assert.True(t, CodeRestartRequired.Recoverable())
}
