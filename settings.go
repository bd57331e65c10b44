package pageserve

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
)

// Settings is the live, operator editable site configuration.
type Settings struct {
	MaintenanceMode bool `json:"maintenanceMode"`
	// RetryAfter is sent as Retry-After (seconds) on maintenance responses when positive.
	RetryAfter int `json:"retryAfter,omitempty"`
}

// SettingsResult is the outcome of one settings read. A failed read leaves
// Settings at its zero value, so maintenance mode fails open.
type SettingsResult struct {
	Settings Settings
	Loaded   bool
	Err      error
}

// Maintenance reports whether maintenance mode is on.
func (r SettingsResult) Maintenance() bool {
	return r.Err == nil && r.Settings.MaintenanceMode
}

// LoadSettings reads the settings file. It is called on every eligible
// request so edits take effect without a restart. A missing file is not an
// error; unreadable or malformed files return an error wrapping [ErrSettings].
func LoadSettings(name string) SettingsResult {
	data, err := os.ReadFile(name)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return SettingsResult{}
		}
		return SettingsResult{Err: fmt.Errorf("%w: read %s: %w", ErrSettings, name, err)}
	}

	var s Settings
	if err := json.Unmarshal(data, &s); err != nil {
		return SettingsResult{Err: fmt.Errorf("%w: decode %s: %w", ErrSettings, name, err)}
	}
	return SettingsResult{Settings: s, Loaded: true}
}
