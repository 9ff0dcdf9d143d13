// File: internal/config/humanoid_config.go
// TypingConfig holds the pacing parameters used by the humanoid package when it
// drives the keyboard and spaces out actions. The defaults mimic a practiced
// typist; widen the ranges for a slower, more hesitant persona.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// TypingConfig controls human-paced input and the retry cadence of element lookups.
type TypingConfig struct {
	// Inter-character delay bounds for individually injected keystrokes.
	KeyDelayMin time.Duration `mapstructure:"key_delay_min" yaml:"key_delay_min"`
	KeyDelayMax time.Duration `mapstructure:"key_delay_max" yaml:"key_delay_max"`

	// Pause bounds between high level actions (click, then type, then submit).
	ActionDelayMin time.Duration `mapstructure:"action_delay_min" yaml:"action_delay_min"`
	ActionDelayMax time.Duration `mapstructure:"action_delay_max" yaml:"action_delay_max"`

	// Whole-list passes over a selector chain and the backoff bounds between passes.
	LocatePasses     int           `mapstructure:"locate_passes" yaml:"locate_passes"`
	LocateBackoffMin time.Duration `mapstructure:"locate_backoff_min" yaml:"locate_backoff_min"`
	LocateBackoffMax time.Duration `mapstructure:"locate_backoff_max" yaml:"locate_backoff_max"`

	// How long a dropdown may take to render its option list.
	ListboxWait time.Duration `mapstructure:"listbox_wait" yaml:"listbox_wait"`
}

func setTypingDefaults(v *viper.Viper) {
	v.SetDefault("browser.typing.key_delay_min", "50ms")
	v.SetDefault("browser.typing.key_delay_max", "200ms")
	v.SetDefault("browser.typing.action_delay_min", "300ms")
	v.SetDefault("browser.typing.action_delay_max", "900ms")
	v.SetDefault("browser.typing.locate_passes", 3)
	v.SetDefault("browser.typing.locate_backoff_min", "1s")
	v.SetDefault("browser.typing.locate_backoff_max", "2s")
	v.SetDefault("browser.typing.listbox_wait", "2s")
}

// Validate checks that every range is ordered and non-negative.
func (t *TypingConfig) Validate() error {
	if t.KeyDelayMin < 0 || t.KeyDelayMax < t.KeyDelayMin {
		return fmt.Errorf("key delay range [%s, %s] is invalid", t.KeyDelayMin, t.KeyDelayMax)
	}
	if t.ActionDelayMin < 0 || t.ActionDelayMax < t.ActionDelayMin {
		return fmt.Errorf("action delay range [%s, %s] is invalid", t.ActionDelayMin, t.ActionDelayMax)
	}
	if t.LocatePasses <= 0 {
		return fmt.Errorf("locate_passes must be a positive integer")
	}
	if t.LocateBackoffMin < 0 || t.LocateBackoffMax < t.LocateBackoffMin {
		return fmt.Errorf("locate backoff range [%s, %s] is invalid", t.LocateBackoffMin, t.LocateBackoffMax)
	}
	return nil
}
