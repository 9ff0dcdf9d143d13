package stealth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/profilepilot/internal/config"
)

func TestFromConfig(t *testing.T) {
	p := FromConfig(config.BrowserConfig{
		UserAgent:      "UA/1.0",
		Timezone:       "Europe/Berlin",
		Locale:         "de-DE",
		ViewportWidth:  1280,
		ViewportHeight: 720,
	})

	assert.Equal(t, "UA/1.0", p.UserAgent)
	assert.Equal(t, "Europe/Berlin", p.Timezone)
	assert.Equal(t, []string{"de-DE", "de"}, p.Languages)
	assert.Equal(t, 1280, p.Width)
	assert.Equal(t, DefaultPersona.Platform, p.Platform)
}

func TestPersonaMerge(t *testing.T) {
	stored := Persona{UserAgent: "Stored/2.0", Timezone: "Asia/Tokyo"}
	merged := stored.Merge(DefaultPersona)

	assert.Equal(t, "Stored/2.0", merged.UserAgent)
	assert.Equal(t, "Asia/Tokyo", merged.Timezone)
	assert.Equal(t, DefaultPersona.Locale, merged.Locale)
	assert.Equal(t, DefaultPersona.Languages, merged.Languages)
}

func TestAcceptLanguage(t *testing.T) {
	assert.Equal(t, "en-US,en;q=0.9", Persona{Languages: []string{"en-US", "en"}}.AcceptLanguage())
	assert.Equal(t, "fr-FR,fr;q=0.9,en;q=0.8", Persona{Languages: []string{"fr-FR", "fr", "en"}}.AcceptLanguage())
	assert.Equal(t, "en-US,en;q=0.9", Persona{}.AcceptLanguage())
}

func TestApply(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)

	full := Apply(DefaultPersona, zap.New(core))
	assert.Len(t, full, 6, "user agent, evasions, headers, timezone, locale and viewport")
	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "Applying browser stealth persona", logs.All()[0].Message)

	minimal := Apply(Persona{UserAgent: "UA"}, zap.NewNop())
	assert.Len(t, minimal, 3)
	assert.NotEmpty(t, evasionsScript)
}
