package credentials

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"pkt.systems/kryptograf"
	"pkt.systems/kryptograf/keymgmt"
	"pkt.systems/pslog"
)

const (
	tokenFileSuffix  = ".token.enc"
	descriptorPrefix = "termwire:token:"
)

// Credential is a stored gateway login.
type Credential struct {
	Username string    `json:"username"`
	Token    string    `json:"token"`
	SavedAt  time.Time `json:"savedAt"`
}

// Store manages encrypted gateway bearer tokens, keyed by gateway host.
type Store struct {
	storePath string
	tokenDir  string
	log       pslog.Logger
}

// NewStore initializes the credential store and ensures the root key exists.
func NewStore(storePath, tokenDir string) (*Store, error) {
	return NewStoreWithLogger(storePath, tokenDir, nil)
}

// NewStoreWithLogger initializes the credential store with logging.
func NewStoreWithLogger(storePath, tokenDir string, logger pslog.Logger) (*Store, error) {
	if strings.TrimSpace(storePath) == "" {
		return nil, fmt.Errorf("credential store path is required")
	}
	if strings.TrimSpace(tokenDir) == "" {
		return nil, fmt.Errorf("token directory is required")
	}
	if err := EnsureStoreWithLogger(storePath, logger); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(tokenDir, 0o700); err != nil {
		return nil, err
	}
	if logger != nil {
		logger = logger.With("credential_store", storePath, "token_dir", tokenDir)
	}
	return &Store{storePath: storePath, tokenDir: tokenDir, log: logger}, nil
}

// Save encrypts and stores a token for the gateway, minting a fresh data key.
func (s *Store) Save(gateway string, cred Credential) error {
	key, err := gatewayKey(gateway)
	if err != nil {
		return err
	}
	if strings.TrimSpace(cred.Token) == "" {
		return errors.New("token is required")
	}
	if cred.SavedAt.IsZero() {
		cred.SavedAt = time.Now().UTC()
	}
	plain, err := json.Marshal(cred)
	if err != nil {
		return err
	}
	material, root, err := s.materialFor(key, true)
	if err != nil {
		if s.log != nil {
			s.log.Warn("credential save failed", "gateway", key, "err", err)
		}
		return err
	}
	kg := kryptograf.New(root)

	if err := os.MkdirAll(s.tokenDir, 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(s.tokenDir, "token-*.enc")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	writer, err := kg.EncryptWriter(tmp, material)
	if err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if _, err := io.Copy(writer, bytes.NewReader(plain)); err != nil {
		_ = writer.Close()
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := writer.Close(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	_ = tmp.Close()
	if err := os.Rename(tmpPath, s.tokenPath(key)); err != nil {
		_ = os.Remove(tmpPath)
		if s.log != nil {
			s.log.Warn("credential save failed", "gateway", key, "err", err)
		}
		return err
	}
	if s.log != nil {
		s.log.Info("credential saved", "gateway", key, "user", cred.Username)
	}
	return nil
}

// Load decrypts the stored token for the gateway. Returns os.ErrNotExist
// when no token has been saved.
func (s *Store) Load(gateway string) (Credential, error) {
	key, err := gatewayKey(gateway)
	if err != nil {
		return Credential{}, err
	}
	path := s.tokenPath(key)
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Credential{}, os.ErrNotExist
		}
		return Credential{}, err
	}
	material, root, err := s.materialFor(key, false)
	if err != nil {
		if s.log != nil {
			s.log.Warn("credential load failed", "gateway", key, "err", err)
		}
		return Credential{}, err
	}
	kg := kryptograf.New(root)
	file, err := os.Open(path)
	if err != nil {
		return Credential{}, err
	}
	defer func() { _ = file.Close() }()
	reader, err := kg.DecryptReader(file, material)
	if err != nil {
		if s.log != nil {
			s.log.Warn("credential load failed", "gateway", key, "err", err)
		}
		return Credential{}, err
	}
	defer func() { _ = reader.Close() }()
	plain, err := io.ReadAll(reader)
	if err != nil {
		return Credential{}, err
	}
	var cred Credential
	if err := json.Unmarshal(plain, &cred); err != nil {
		if s.log != nil {
			s.log.Warn("credential load failed", "gateway", key, "err", err)
		}
		return Credential{}, err
	}
	if s.log != nil {
		s.log.Debug("credential load ok", "gateway", key, "user", cred.Username)
	}
	return cred, nil
}

// Delete removes the stored token for the gateway.
func (s *Store) Delete(gateway string) error {
	key, err := gatewayKey(gateway)
	if err != nil {
		return err
	}
	if err := os.Remove(s.tokenPath(key)); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if s.log != nil {
		s.log.Info("credential removed", "gateway", key)
	}
	return nil
}

func (s *Store) materialFor(key string, mint bool) (keymgmt.Material, keymgmt.RootKey, error) {
	store, err := keymgmt.LoadProto(s.storePath)
	if err != nil {
		return keymgmt.Material{}, keymgmt.RootKey{}, err
	}
	root, err := store.EnsureRootKey()
	if err != nil {
		return keymgmt.Material{}, keymgmt.RootKey{}, err
	}
	descName := descriptorPrefix + key
	contextBytes := []byte(descName)
	var material keymgmt.Material
	if mint {
		material, err = keymgmt.MintDEK(root, contextBytes)
		if err != nil {
			return keymgmt.Material{}, keymgmt.RootKey{}, err
		}
		if err := store.SetDescriptor(descName, material.Descriptor); err != nil {
			return keymgmt.Material{}, keymgmt.RootKey{}, err
		}
	} else {
		material, err = store.EnsureDescriptor(descName, root, contextBytes)
		if err != nil {
			return keymgmt.Material{}, keymgmt.RootKey{}, err
		}
	}
	if err := store.Commit(); err != nil {
		return keymgmt.Material{}, keymgmt.RootKey{}, err
	}
	return material, root, nil
}

func (s *Store) tokenPath(key string) string {
	return filepath.Join(s.tokenDir, key+tokenFileSuffix)
}

// EnsureStore creates or loads the key store at path and ensures a root key exists.
func EnsureStore(path string) error {
	return EnsureStoreWithLogger(path, nil)
}

// EnsureStoreWithLogger creates or loads the key store with logging.
func EnsureStoreWithLogger(path string, logger pslog.Logger) error {
	if path == "" {
		return fmt.Errorf("credential store path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		if logger != nil {
			logger.Warn("credential store ensure failed", "err", err)
		}
		return err
	}
	store, err := keymgmt.LoadProto(path)
	if err != nil {
		if logger != nil {
			logger.Warn("credential store ensure failed", "err", err)
		}
		return err
	}
	if _, err := store.EnsureRootKey(); err != nil {
		if logger != nil {
			logger.Warn("credential store ensure failed", "err", err)
		}
		return err
	}
	if err := store.Commit(); err != nil {
		if logger != nil {
			logger.Warn("credential store ensure failed", "err", err)
		}
		return err
	}
	if logger != nil {
		logger.Info("credential store ensure ok", "path", path)
	}
	return nil
}

// gatewayKey derives a filesystem-safe key from a gateway base URL.
func gatewayKey(gateway string) (string, error) {
	trimmed := strings.TrimSpace(gateway)
	if trimmed == "" {
		return "", errors.New("gateway is required")
	}
	host := trimmed
	if strings.Contains(trimmed, "://") {
		parsed, err := url.Parse(trimmed)
		if err != nil || parsed.Host == "" {
			return "", fmt.Errorf("invalid gateway %q", gateway)
		}
		host = parsed.Host
	}
	var b strings.Builder
	for _, r := range strings.ToLower(host) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == '-':
			b.WriteRune(r)
		case r == ':':
			b.WriteRune('_')
		default:
			b.WriteRune('_')
		}
	}
	return b.String(), nil
}
