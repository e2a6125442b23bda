package config

import (
	"errors"
	"fmt"

	"github.com/99designs/keyring"
)

const keyringService = "lizmail"

// openKeyring is swapped in tests.
var openKeyring = func() (keyring.Keyring, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: keyringService,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  "~/.config/lizmail/credentials",
		FilePasswordFunc:         keyring.FixedStringPrompt("lizmail-file-key"),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return ring, nil
}

// resolvePassword fills SMTP.Password from the system keyring when SMTP_PASSWORD_KEYRING
// is set and no password was given directly. The item key is the SMTP user.
func resolvePassword(cfg *Config) error {
	if !cfg.SMTP.PasswordKeyring || cfg.SMTP.Password != "" {
		return nil
	}
	if cfg.SMTP.User == "" {
		return errors.New("config: SMTP_PASSWORD_KEYRING requires SMTP_USER")
	}
	ring, err := openKeyring()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	item, err := ring.Get(cfg.SMTP.User)
	if err != nil {
		return fmt.Errorf("config: getting credential %q: %w", cfg.SMTP.User, err)
	}
	cfg.SMTP.Password = string(item.Data)
	return nil
}

// StorePassword saves an SMTP password in the system keyring under user.
func StorePassword(user, password string) error {
	ring, err := openKeyring()
	if err != nil {
		return err
	}
	if err := ring.Set(keyring.Item{Key: user, Data: []byte(password)}); err != nil {
		return fmt.Errorf("setting credential %q: %w", user, err)
	}
	return nil
}
