package settings

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func TestSettings_Defaults(t *testing.T) {
	s := &Settings{}

	// Test default server
	if got := s.GetServerURL(); got != "http://localhost:8420" {
		t.Errorf("GetServerURL() default = %q, want %q", got, "http://localhost:8420")
	}

	// Test empty defaults
	if s.Token != "" {
		t.Errorf("Token should be empty, got %q", s.Token)
	}
	if s.DefaultSubmitter != "" {
		t.Errorf("DefaultSubmitter should be empty, got %q", s.DefaultSubmitter)
	}
}

func TestSettings_SettersGetters(t *testing.T) {
	s := &Settings{}

	s.SetServer("https://ctrl.example.net:8420")
	if s.GetServerURL() != "https://ctrl.example.net:8420" {
		t.Errorf("SetServer() failed, got %q", s.GetServerURL())
	}

	s.SetSession("ops", "tok-abc123")
	if s.Username != "ops" || s.Token != "tok-abc123" {
		t.Errorf("SetSession() failed, got %q / %q", s.Username, s.Token)
	}

	s.SetDefaultSubmitter("field-team")
	if s.DefaultSubmitter != "field-team" {
		t.Errorf("SetDefaultSubmitter() failed, got %q", s.DefaultSubmitter)
	}

	s.ClearSession()
	if s.Username != "" || s.Token != "" {
		t.Error("ClearSession() should drop username and token")
	}
	if s.ServerURL != "https://ctrl.example.net:8420" {
		t.Error("ClearSession() should keep the server URL")
	}
}

func TestSettings_Clear(t *testing.T) {
	s := &Settings{
		ServerURL:        "https://ctrl.example.net:8420",
		Token:            "tok",
		Username:         "ops",
		DefaultSubmitter: "field-team",
	}

	s.Clear()

	if s.ServerURL != "" || s.Token != "" || s.Username != "" || s.DefaultSubmitter != "" {
		t.Error("Clear() should reset all fields to empty")
	}
}

func TestSettings_SaveLoad(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "settings.json")

	original := &Settings{
		ServerURL:        "https://ctrl.example.net:8420",
		Token:            "tok-abc123",
		Username:         "ops",
		DefaultSubmitter: "field-team",
	}

	// Save
	if err := original.SaveTo(path); err != nil {
		t.Fatalf("SaveTo() failed: %v", err)
	}

	// Load
	loaded, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom() failed: %v", err)
	}

	// Compare
	if loaded.ServerURL != original.ServerURL {
		t.Errorf("ServerURL mismatch: got %q, want %q", loaded.ServerURL, original.ServerURL)
	}
	if loaded.Token != original.Token {
		t.Errorf("Token mismatch: got %q, want %q", loaded.Token, original.Token)
	}
	if loaded.Username != original.Username {
		t.Errorf("Username mismatch: got %q, want %q", loaded.Username, original.Username)
	}
	if loaded.DefaultSubmitter != original.DefaultSubmitter {
		t.Errorf("DefaultSubmitter mismatch: got %q, want %q", loaded.DefaultSubmitter, original.DefaultSubmitter)
	}
}

func TestSettings_SavePermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("file modes are not meaningful on windows")
	}

	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "settings.json")

	s := &Settings{Token: "tok-secret"}
	if err := s.SaveTo(path); err != nil {
		t.Fatalf("SaveTo() failed: %v", err)
	}

	// The file holds the session token and must be owner-only
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat() failed: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("settings file mode = %O, want %O", perm, os.FileMode(0600))
	}
}

func TestSettings_LoadNonExistent(t *testing.T) {
	// Load from non-existent path should return empty settings
	s, err := LoadFrom("/nonexistent/path/settings.json")
	if err != nil {
		t.Fatalf("LoadFrom() non-existent should not error: %v", err)
	}
	if s == nil {
		t.Fatal("LoadFrom() should return non-nil Settings")
	}
	if s.ServerURL != "" || s.Token != "" {
		t.Error("LoadFrom() non-existent should return empty settings")
	}
}

func TestSettings_LoadInvalidJSON(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "settings.json")
	if err := os.WriteFile(path, []byte("invalid json {"), 0644); err != nil {
		t.Fatalf("Failed to write test file: %v", err)
	}

	_, err := LoadFrom(path)
	if err == nil {
		t.Error("LoadFrom() with invalid JSON should error")
	}
}

func TestSettings_SaveCreatesDirectory(t *testing.T) {
	tmpDir := t.TempDir()

	// Path with non-existent directory
	path := filepath.Join(tmpDir, "subdir", "nested", "settings.json")

	s := &Settings{ServerURL: "http://localhost:8420"}
	if err := s.SaveTo(path); err != nil {
		t.Fatalf("SaveTo() should create directories: %v", err)
	}

	// Verify file exists
	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Error("SaveTo() should have created the file")
	}
}

func TestDefaultSettingsPath(t *testing.T) {
	path := DefaultSettingsPath()
	if path == "" {
		t.Error("DefaultSettingsPath() should not be empty")
	}
	if !filepath.IsAbs(path) && path != "shapewire_settings.json" {
		t.Errorf("DefaultSettingsPath() should be absolute or fallback, got %q", path)
	}
}

func TestLoad(t *testing.T) {
	// Save original HOME and restore after test
	originalHome := os.Getenv("HOME")
	defer os.Setenv("HOME", originalHome)

	tmpDir := t.TempDir()
	os.Setenv("HOME", tmpDir)

	// Test Load() with non-existent settings (should return empty)
	s, err := Load()
	if err != nil {
		t.Fatalf("Load() with non-existent file should not error: %v", err)
	}
	if s == nil {
		t.Fatal("Load() should return non-nil Settings")
	}
	if s.ServerURL != "" {
		t.Error("Load() with non-existent file should return empty settings")
	}

	// Create .shapewire directory and settings file
	confDir := filepath.Join(tmpDir, ".shapewire")
	if err := os.MkdirAll(confDir, 0700); err != nil {
		t.Fatalf("Failed to create .shapewire dir: %v", err)
	}

	settingsPath := filepath.Join(confDir, "settings.json")
	testSettings := `{"server_url":"https://ctrl.example.net:8420","username":"ops"}`
	if err := os.WriteFile(settingsPath, []byte(testSettings), 0600); err != nil {
		t.Fatalf("Failed to write test settings: %v", err)
	}

	// Test Load() with existing settings
	s, err = Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if s.ServerURL != "https://ctrl.example.net:8420" {
		t.Errorf("Load() ServerURL = %q, want %q", s.ServerURL, "https://ctrl.example.net:8420")
	}
	if s.Username != "ops" {
		t.Errorf("Load() Username = %q, want %q", s.Username, "ops")
	}
}

func TestSave(t *testing.T) {
	// Save original HOME and restore after test
	originalHome := os.Getenv("HOME")
	defer os.Setenv("HOME", originalHome)

	tmpDir := t.TempDir()
	os.Setenv("HOME", tmpDir)

	s := &Settings{
		ServerURL: "https://saved.example.net:8420",
		Username:  "saved-user",
	}

	if err := s.Save(); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}

	// Verify file was created at default path
	expectedPath := filepath.Join(tmpDir, ".shapewire", "settings.json")
	if _, err := os.Stat(expectedPath); os.IsNotExist(err) {
		t.Fatalf("Save() did not create file at %s", expectedPath)
	}

	// Load and verify contents
	loaded, err := Load()
	if err != nil {
		t.Fatalf("Load() after Save() failed: %v", err)
	}
	if loaded.ServerURL != "https://saved.example.net:8420" {
		t.Errorf("After Save(), ServerURL = %q, want %q", loaded.ServerURL, "https://saved.example.net:8420")
	}
	if loaded.Username != "saved-user" {
		t.Errorf("After Save(), Username = %q, want %q", loaded.Username, "saved-user")
	}
}

func TestDefaultSettingsPath_NoHome(t *testing.T) {
	// Save original HOME and restore after test
	originalHome := os.Getenv("HOME")
	defer os.Setenv("HOME", originalHome)

	// Unset HOME to trigger fallback path
	os.Unsetenv("HOME")

	path := DefaultSettingsPath()
	if path != "shapewire_settings.json" {
		t.Errorf("DefaultSettingsPath() with no HOME = %q, want %q", path, "shapewire_settings.json")
	}
}

func TestLoadFrom_ReadError(t *testing.T) {
	tmpDir := t.TempDir()

	// Create a directory where the file should be (causes "is a directory" error)
	dirAsFile := filepath.Join(tmpDir, "settings.json")
	if err := os.Mkdir(dirAsFile, 0755); err != nil {
		t.Fatalf("Failed to create directory: %v", err)
	}

	_, err := LoadFrom(dirAsFile)
	if err == nil {
		t.Error("LoadFrom() should error when path is a directory")
	}
}

func TestSaveTo_MkdirError(t *testing.T) {
	tmpDir := t.TempDir()

	// Create a file where we want a directory to be (causes MkdirAll to fail)
	blockingFile := filepath.Join(tmpDir, "blocker")
	if err := os.WriteFile(blockingFile, []byte("blocking"), 0644); err != nil {
		t.Fatalf("Failed to create blocking file: %v", err)
	}

	// Try to save under the blocking file (requires creating a directory named "blocker")
	path := filepath.Join(blockingFile, "subdir", "settings.json")
	s := &Settings{ServerURL: "http://localhost:8420"}

	err := s.SaveTo(path)
	if err == nil {
		t.Error("SaveTo() should fail when directory creation fails")
	}
}
