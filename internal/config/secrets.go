package config

import (
	"os"
	"strings"

	"github.com/zalando/go-keyring"
)

// keyringService is the service name under which secrets live in the OS
// keyring.
const keyringService = "flashclaw"

// ResolveAPIKey resolves a provider API key: environment variable first,
// then the OS keyring, then the config file value. Returns "" when nothing
// is set.
func ResolveAPIKey(envVar string, fileValue string) string {
	if v := strings.TrimSpace(os.Getenv(envVar)); v != "" {
		return v
	}
	if v, err := keyring.Get(keyringService, strings.ToLower(envVar)); err == nil && v != "" {
		return v
	}
	return strings.TrimSpace(fileValue)
}

// StoreAPIKey saves a key in the OS keyring.
func StoreAPIKey(envVar, value string) error {
	return keyring.Set(keyringService, strings.ToLower(envVar), value)
}

// DeleteAPIKey removes a key from the OS keyring.
func DeleteAPIKey(envVar string) error {
	return keyring.Delete(keyringService, strings.ToLower(envVar))
}
