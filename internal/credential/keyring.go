// Package credential stores the mail API access token in the system
// keyring and hands it to the attachment resolver on demand.
package credential

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/99designs/keyring"

	"github.com/nhle/mailattach/internal/model"
)

const serviceName = "mailattach"

// DefaultTokenKey is the keyring item holding the mail API token.
const DefaultTokenKey = "mail-api-token"

// Opener returns a keyring to read from and write to.
type Opener func() (keyring.Keyring, error)

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
		FileDir:                  "~/.config/mailattach/credentials",
		FilePasswordFunc:         keyring.FixedStringPrompt("mailattach-file-key"),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return ring, nil
}

// Keyring reads and writes tokens through a keyring backend.
type Keyring struct {
	open Opener
	key  string
}

// NewKeyring returns a Keyring for the token stored under key. A nil
// opener selects the system keyring; an empty key selects DefaultTokenKey.
func NewKeyring(open Opener, key string) *Keyring {
	if open == nil {
		open = openKeyring
	}
	if key == "" {
		key = DefaultTokenKey
	}
	return &Keyring{open: open, key: key}
}

// Token returns the stored access token. A missing or empty token, or a
// keyring that cannot be opened, is reported as AuthRequired.
func (k *Keyring) Token(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", model.Canceled("token", err)
	}

	ring, err := k.open()
	if err != nil {
		return "", model.NewError(model.KindAuthRequired, "token", err)
	}

	item, err := ring.Get(k.key)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return "", model.Errorf(model.KindAuthRequired, "token", "no token stored under %q", k.key)
	}
	if err != nil {
		return "", model.NewError(
			model.KindAuthRequired, "token",
			fmt.Errorf("getting credential %q: %w", k.key, err),
		)
	}

	token := strings.TrimSpace(string(item.Data))
	if token == "" {
		return "", model.Errorf(model.KindAuthRequired, "token", "stored token %q is empty", k.key)
	}
	return token, nil
}

// Set stores token in the keyring.
func (k *Keyring) Set(token string) error {
	ring, err := k.open()
	if err != nil {
		return err
	}

	err = ring.Set(keyring.Item{
		Key:   k.key,
		Data:  []byte(token),
		Label: "mailattach API token",
	})
	if err != nil {
		return fmt.Errorf("setting credential %q: %w", k.key, err)
	}

	return nil
}

// Delete removes the stored token. Deleting a missing token is not an
// error.
func (k *Keyring) Delete() error {
	ring, err := k.open()
	if err != nil {
		return err
	}

	err = ring.Remove(k.key)
	if err != nil && !errors.Is(err, keyring.ErrKeyNotFound) {
		return fmt.Errorf("deleting credential %q: %w", k.key, err)
	}

	return nil
}

// Static is a fixed token, used when the token comes from configuration
// or the environment instead of the keyring.
type Static string

// Token returns the fixed token, or AuthRequired when it is empty.
func (s Static) Token(context.Context) (string, error) {
	if strings.TrimSpace(string(s)) == "" {
		return "", model.Errorf(model.KindAuthRequired, "token", "no token configured")
	}
	return string(s), nil
}
