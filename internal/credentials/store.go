// Package credentials provides secure storage for the daemon's one
// long-lived secret: the remote document database's bearer token. Storage
// tries the OS keyring first, falling back to an encrypted database column
// on hosts without one.
package credentials

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	gokeyring "github.com/zalando/go-keyring"

	"github.com/hkdb/syncd/internal/crypto"
	"github.com/hkdb/syncd/internal/logging"
)

const (
	serviceName      = "syncd"
	remoteTokenKey   = "remote_token"
	keyringTestKey   = "syncd-keyring-check"
	keyringTestValue = "ok"
)

// ErrCredentialNotFound is returned when no secret is stored under the
// requested key.
var ErrCredentialNotFound = errors.New("credential not found")

// Store stores a single secret, the remote database's bearer token, via the
// OS keyring when available or an encrypted database fallback otherwise.
type Store struct {
	db             *sql.DB
	encryptor      *crypto.Encryptor
	keyringEnabled bool
	log            zerolog.Logger
}

// NewStore creates a new credential store, probing the OS keyring and
// falling back to encrypted database storage (keyed by dataDir's
// persistent encryption key) when it is unavailable.
func NewStore(db *sql.DB, dataDir string) (*Store, error) {
	log := logging.WithComponent("credentials")

	encryptor, err := crypto.NewEncryptor(dataDir)
	if err != nil {
		return nil, fmt.Errorf("create encryptor: %w", err)
	}

	keyringEnabled := testKeyring()
	if keyringEnabled {
		log.Info().Msg("OS keyring available, using as primary credential storage")
	} else {
		log.Warn().Msg("OS keyring not available, using encrypted database storage")
	}

	return &Store{
		db:             db,
		encryptor:      encryptor,
		keyringEnabled: keyringEnabled,
		log:            log,
	}, nil
}

func testKeyring() bool {
	if err := gokeyring.Set(serviceName, keyringTestKey, keyringTestValue); err != nil {
		return false
	}
	gokeyring.Delete(serviceName, keyringTestKey)
	return true
}

// SetRemoteToken stores the remote database's bearer token.
func (s *Store) SetRemoteToken(token string) error {
	return s.set(remoteTokenKey, token)
}

// GetRemoteToken retrieves the remote database's bearer token.
func (s *Store) GetRemoteToken() (string, error) {
	return s.get(remoteTokenKey)
}

// DeleteRemoteToken removes the stored bearer token from both backends.
func (s *Store) DeleteRemoteToken() error {
	return s.delete(remoteTokenKey)
}

// IsKeyringEnabled returns whether the OS keyring is being used as primary
// storage.
func (s *Store) IsKeyringEnabled() bool {
	return s.keyringEnabled
}

func (s *Store) set(key, value string) error {
	if value == "" {
		return nil
	}

	if s.keyringEnabled {
		if err := gokeyring.Set(serviceName, key, value); err == nil {
			s.log.Debug().Str("key", key).Msg("secret stored in OS keyring")
			s.clearDBSecret(key)
			return nil
		} else {
			s.log.Warn().Err(err).Msg("failed to store in OS keyring, using fallback")
		}
	}

	encrypted, err := s.encryptor.Encrypt(value)
	if err != nil {
		return fmt.Errorf("encrypt secret %q: %w", key, err)
	}

	_, err = s.db.Exec(
		"INSERT INTO secrets (key, encrypted_value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET encrypted_value = excluded.encrypted_value",
		key, encrypted,
	)
	if err != nil {
		return fmt.Errorf("store encrypted secret %q: %w", key, err)
	}

	s.log.Debug().Str("key", key).Msg("secret stored in encrypted database fallback")
	return nil
}

func (s *Store) get(key string) (string, error) {
	if s.keyringEnabled {
		value, err := gokeyring.Get(serviceName, key)
		if err == nil {
			return value, nil
		}
		if err != gokeyring.ErrNotFound {
			s.log.Warn().Err(err).Msg("error reading from OS keyring, trying fallback")
		}
	}

	var encrypted sql.NullString
	err := s.db.QueryRow("SELECT encrypted_value FROM secrets WHERE key = ?", key).Scan(&encrypted)
	if err == sql.ErrNoRows {
		return "", ErrCredentialNotFound
	}
	if err != nil {
		return "", fmt.Errorf("query secret %q: %w", key, err)
	}
	if !encrypted.Valid || encrypted.String == "" {
		return "", ErrCredentialNotFound
	}

	value, err := s.encryptor.Decrypt(encrypted.String)
	if err != nil {
		return "", fmt.Errorf("decrypt secret %q: %w", key, err)
	}
	return value, nil
}

func (s *Store) delete(key string) error {
	if s.keyringEnabled {
		gokeyring.Delete(serviceName, key)
	}
	s.clearDBSecret(key)
	return nil
}

func (s *Store) clearDBSecret(key string) {
	s.db.Exec("DELETE FROM secrets WHERE key = ?", key)
}
