package client

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// DefaultTokenPath is where the tcap CLI keeps the principal token.
func DefaultTokenPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".tcap", "token")
	}
	return filepath.Join(home, ".tcap", "token")
}

// SaveToken writes token to path with owner-only permissions.
func SaveToken(path, token string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create token dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(strings.TrimSpace(token)+"\n"), 0o600); err != nil {
		return fmt.Errorf("write token: %w", err)
	}
	return nil
}

// LoadToken reads a token written by SaveToken.
func LoadToken(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read token %s: %w", path, err)
	}
	token := strings.TrimSpace(string(b))
	if token == "" {
		return "", fmt.Errorf("token file %s is empty", path)
	}
	return token, nil
}

// WithTokenFile is the functional-option form of LoadToken. A missing file
// leaves the client unauthenticated.
//
//	c, err := client.New(serviceURL,
//	    client.WithTokenFile(client.DefaultTokenPath()),
//	)
func WithTokenFile(path string) Option {
	return func(c *Client) error {
		token, err := LoadToken(path)
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		if err != nil {
			return err
		}
		c.bearerToken = token
		return nil
	}
}
