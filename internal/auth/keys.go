package auth

import (
	"bytes"
	"errors"
	"strings"

	"golang.org/x/crypto/ssh"
)

// AddAuthorizedKey adds an SSH public key for a user and returns its
// 1-based index.
func (s *Store) AddAuthorizedKey(username, pubKey string) (int, error) {
	if err := s.refreshIfNeeded(); err != nil {
		return 0, err
	}
	normalized, err := validateUsername(username)
	if err != nil {
		return 0, err
	}
	line, parsed, err := normalizeAuthorizedKey(pubKey)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[normalized]
	if !ok {
		return 0, errors.New("user not found")
	}
	for idx, existing := range user.AuthorizedKeys {
		if keyEqual(existing, parsed) {
			return idx + 1, errors.New("authorized key already exists")
		}
	}
	user.AuthorizedKeys = append(user.AuthorizedKeys, line)
	s.users[normalized] = user
	if err := s.saveLocked(); err != nil {
		if s.log != nil {
			s.log.Warn("auth key add failed", "user", normalized, "err", err)
		}
		return 0, err
	}
	if s.log != nil {
		s.log.Info("auth key added", "user", normalized, "id", len(user.AuthorizedKeys))
	}
	return len(user.AuthorizedKeys), nil
}

// ListAuthorizedKeys returns the user's SSH public keys.
func (s *Store) ListAuthorizedKeys(username string) ([]string, error) {
	if err := s.refreshIfNeeded(); err != nil {
		return nil, err
	}
	normalized, err := validateUsername(username)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	user, ok := s.users[normalized]
	s.mu.RUnlock()
	if !ok {
		return nil, errors.New("user not found")
	}
	return append([]string{}, user.AuthorizedKeys...), nil
}

// RemoveAuthorizedKey removes the SSH public key at the provided 1-based index.
func (s *Store) RemoveAuthorizedKey(username string, index int) error {
	if err := s.refreshIfNeeded(); err != nil {
		return err
	}
	normalized, err := validateUsername(username)
	if err != nil {
		return err
	}
	if index <= 0 {
		return errors.New("authorized key id must be positive")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[normalized]
	if !ok {
		return errors.New("user not found")
	}
	if index > len(user.AuthorizedKeys) {
		return errors.New("authorized key id out of range")
	}
	user.AuthorizedKeys = append(user.AuthorizedKeys[:index-1], user.AuthorizedKeys[index:]...)
	s.users[normalized] = user
	if err := s.saveLocked(); err != nil {
		if s.log != nil {
			s.log.Warn("auth key remove failed", "user", normalized, "err", err)
		}
		return err
	}
	if s.log != nil {
		s.log.Info("auth key removed", "user", normalized, "id", index)
	}
	return nil
}

// IsAuthorized reports whether the provided key is authorized for the user.
func (s *Store) IsAuthorized(username string, key ssh.PublicKey) (bool, error) {
	if err := s.refreshIfNeeded(); err != nil {
		return false, err
	}
	normalized, err := validateUsername(username)
	if err != nil {
		return false, err
	}
	s.mu.RLock()
	user, ok := s.users[normalized]
	s.mu.RUnlock()
	if !ok {
		return false, errors.New("user not found")
	}
	for _, raw := range user.AuthorizedKeys {
		if keyEqual(raw, key) {
			return true, nil
		}
	}
	return false, nil
}

func normalizeAuthorizedKey(raw string) (string, ssh.PublicKey, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", nil, errors.New("pubkey is required")
	}
	key, _, _, _, err := ssh.ParseAuthorizedKey([]byte(trimmed))
	if err != nil {
		return "", nil, errors.New("invalid pubkey")
	}
	return trimmed, key, nil
}

func keyEqual(raw string, key ssh.PublicKey) bool {
	parsed, _, _, _, err := ssh.ParseAuthorizedKey([]byte(strings.TrimSpace(raw)))
	if err != nil {
		return false
	}
	return bytes.Equal(parsed.Marshal(), key.Marshal())
}
