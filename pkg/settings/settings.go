// Package settings manages persistent user settings for the shapewire CLI.
package settings

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// Settings holds persistent user preferences. The file carries the
// session token, so it is written owner-only.
type Settings struct {
	// ServerURL is the controller API to talk to when --server is not
	// specified
	ServerURL string `json:"server_url,omitempty"`

	// Token is the bearer token from the last login
	Token string `json:"token,omitempty"`

	// Username is the account the token belongs to
	Username string `json:"username,omitempty"`

	// DefaultSubmitter overrides the submitter recorded on intents
	DefaultSubmitter string `json:"default_submitter,omitempty"`
}

// DefaultSettingsPath returns the default path for the settings file
func DefaultSettingsPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "shapewire_settings.json"
	}
	return filepath.Join(home, ".shapewire", "settings.json")
}

// Load reads settings from the default location
func Load() (*Settings, error) {
	return LoadFrom(DefaultSettingsPath())
}

// LoadFrom reads settings from a specific path
func LoadFrom(path string) (*Settings, error) {
	s := &Settings{}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Return empty settings if file doesn't exist
			return s, nil
		}
		return nil, err
	}

	if err := json.Unmarshal(data, s); err != nil {
		return nil, err
	}

	return s, nil
}

// Save writes settings to the default location
func (s *Settings) Save() error {
	return s.SaveTo(DefaultSettingsPath())
}

// SaveTo writes settings to a specific path
func (s *Settings) SaveTo(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// GetServerURL returns the configured server (with fallback)
func (s *Settings) GetServerURL() string {
	if s.ServerURL != "" {
		return s.ServerURL
	}
	return "http://localhost:8420"
}

// SetServer sets the controller API endpoint
func (s *Settings) SetServer(url string) {
	s.ServerURL = url
}

// SetSession records the token from a login
func (s *Settings) SetSession(username, token string) {
	s.Username = username
	s.Token = token
}

// ClearSession drops the stored token, keeping preferences
func (s *Settings) ClearSession() {
	s.Username = ""
	s.Token = ""
}

// SetDefaultSubmitter sets the submitter recorded on intents
func (s *Settings) SetDefaultSubmitter(name string) {
	s.DefaultSubmitter = name
}

// Clear resets all settings to defaults
func (s *Settings) Clear() {
	*s = Settings{}
}
