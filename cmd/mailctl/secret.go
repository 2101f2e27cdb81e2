package main

import (
	"fmt"

	"github.com/99designs/keyring"
)

const serviceName = "mailctl"

// openKeyring returns a configured keyring instance.
func openKeyring() (keyring.Keyring, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: serviceName,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  "~/.config/mailctl/keyring",
		FilePasswordFunc:         keyring.TerminalPrompt,
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return ring, nil
}

func getSecret(key string) (string, error) {
	ring, err := openKeyring()
	if err != nil {
		return "", err
	}
	item, err := ring.Get(key)
	if err != nil {
		return "", fmt.Errorf("getting secret %q: %w", key, err)
	}
	return string(item.Data), nil
}

func setSecret(key, value string) error {
	ring, err := openKeyring()
	if err != nil {
		return err
	}
	err = ring.Set(keyring.Item{
		Key:   key,
		Data:  []byte(value),
		Label: "mailctl " + key,
	})
	if err != nil {
		return fmt.Errorf("setting secret %q: %w", key, err)
	}
	return nil
}

func deleteSecret(key string) error {
	ring, err := openKeyring()
	if err != nil {
		return err
	}
	if err := ring.Remove(key); err != nil {
		return fmt.Errorf("deleting secret %q: %w", key, err)
	}
	return nil
}

// resolveSecret prefers the configured secret over the keyring entry.
func resolveSecret(c *Config) (string, error) {
	if c.Secret != "" {
		return c.Secret, nil
	}
	return getSecret(c.Account.SecretKey())
}
