// internal/browser/probe_test.go
package browser

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildProbe(t *testing.T) {
	script, err := buildProbe(modeState, Text("button", `Say "next"`))
	require.NoError(t, err)

	assert.True(t, strings.HasSuffix(script, `})({"mode":"state","kind":"text","value":"Say \"next\"","tag":"button","attr":"data-pp-ref"})`),
		"the selector is passed as an encoded JSON argument, never spliced into code")
	assert.NotContains(t, script, "%!", "format verbs must all be consumed")
}

func TestSelectorString(t *testing.T) {
	assert.Equal(t, "css=#email", CSS("#email").String())
	assert.Equal(t, "text(button)=Next", Text("button", "Next").String())
	assert.Equal(t, "placeholder=Search", Placeholder("Search").String())
	assert.NotEqual(t, Label("Email").String(), Placeholder("Email").String())
}

func TestCDPModifiers(t *testing.T) {
	assert.Zero(t, cdpModifiers(nil))
	assert.NotZero(t, cdpModifiers([]Modifier{ModCtrl}))
	assert.Equal(t, cdpModifiers([]Modifier{ModCtrl, ModShift}), cdpModifiers([]Modifier{ModShift, ModCtrl}))
}
