package client

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

const credentialsFile = "credentials.json"

// Credentials are what the CLI remembers between runs
type Credentials struct {
	Server   string `json:"server"`
	Identity string `json:"identity"`
	Secret   string `json:"secret"`
}

// DefaultConfigDir returns ~/.dmrelay/<profile>. Profiles let several
// identities share one machine.
func DefaultConfigDir(profile string) string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		homeDir = "."
	}
	if profile == "" {
		profile = "default"
	}
	return filepath.Join(homeDir, ".dmrelay", profile)
}

// SaveCredentials writes creds to dir, readable by the owner only.
func SaveCredentials(dir string, creds *Credentials) error {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, credentialsFile), data, 0600)
}

// LoadCredentials reads the credentials saved in dir.
func LoadCredentials(dir string) (*Credentials, error) {
	data, err := os.ReadFile(filepath.Join(dir, credentialsFile))
	if err != nil {
		return nil, fmt.Errorf("no saved credentials, run signup first: %w", err)
	}
	var creds Credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("failed to parse credentials: %w", err)
	}
	if creds.Identity == "" || creds.Secret == "" {
		return nil, fmt.Errorf("credentials in %s are incomplete", dir)
	}
	return &creds, nil
}
