package passphrase

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"
)

// Source resolves keystore passphrases from environment variables or by
// prompting the operator, once per keystore path.
type Source struct {
	mu     sync.Mutex
	cached map[string]string
}

// NewSource returns an empty source.
func NewSource() *Source {
	return &Source{cached: make(map[string]string)}
}

// Get returns the passphrase for the keystore at path. When envVar names a
// set variable its exact value is used; otherwise the operator is prompted on
// stderr. Whitespace-only passphrases are rejected.
func (s *Source) Get(path, envVar string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if value, ok := s.cached[path]; ok {
		return value, nil
	}
	envVar = strings.TrimSpace(envVar)
	if envVar != "" {
		if value, ok := os.LookupEnv(envVar); ok {
			if strings.TrimSpace(value) == "" {
				return "", fmt.Errorf("%s is set but empty", envVar)
			}
			s.cached[path] = value
			return value, nil
		}
	}

	if !term.IsTerminal(int(os.Stdin.Fd())) {
		if envVar != "" {
			return "", fmt.Errorf("passphrase for %s required; set %s or run interactively", path, envVar)
		}
		return "", fmt.Errorf("passphrase for %s required and no terminal available", path)
	}

	fmt.Fprintf(os.Stderr, "Passphrase for %s: ", path)
	raw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read passphrase: %w", err)
	}
	value := string(raw)
	if strings.TrimSpace(value) == "" {
		return "", errors.New("keystore passphrase cannot be empty")
	}
	s.cached[path] = value
	return value, nil
}
