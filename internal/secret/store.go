package secret

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/meilikeeper/meilikeeper/internal/fsutil"
)

const keyName = "MEILI_MASTER_KEY"

// Store persists the service master key as a one-entry dotenv file with
// owner-only permissions: 0600 file, 0700 directory. Values are written
// through the dotenv encoder, so a key reads back exactly as written. A key
// that reached disk is the machine's identity and survives every later
// provisioning run.
type Store struct {
	path   string
	logger zerolog.Logger
}

// NewStore returns a Store backed by the file at path.
func NewStore(path string, logger zerolog.Logger) *Store {
	return &Store{
		path:   path,
		logger: logger,
	}
}

// Ensure returns the master key, resolving in order: explicit override,
// previously persisted key, freshly generated key. The persisted key is
// never regenerated; an override that differs from it replaces it with a
// warning.
func (s *Store) Ensure(override string) (string, error) {
	if err := s.restrictDir(); err != nil {
		return "", err
	}

	persisted, found, err := s.read()
	if err != nil {
		return "", err
	}

	if override != "" {
		if found && persisted == override {
			return persisted, nil
		}
		if found {
			s.logger.Warn().
				Str("path", s.path).
				Msg("replacing persisted master key with configured value")
		}
		if err := s.write(override); err != nil {
			return "", err
		}
		return override, nil
	}

	if found {
		return persisted, nil
	}

	key := uuid.NewString()
	if err := s.write(key); err != nil {
		return "", err
	}
	s.logger.Info().Str("path", s.path).Msg("generated new master key")
	return key, nil
}

// restrictDir keeps the key's directory owner-only, including directories
// that predate this run.
func (s *Store) restrictDir() error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create key directory: %w", err)
	}
	if err := os.Chmod(dir, 0o700); err != nil {
		return fmt.Errorf("restrict key directory: %w", err)
	}
	return nil
}

func (s *Store) read() (string, bool, error) {
	if _, err := os.Stat(s.path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("stat master key file: %w", err)
	}

	values, err := godotenv.Read(s.path)
	if err != nil {
		return "", false, fmt.Errorf("read master key file: %w", err)
	}

	key := values[keyName]
	if key == "" {
		return "", false, fmt.Errorf("master key file %s has no %s entry", s.path, keyName)
	}
	return key, true, nil
}

func (s *Store) write(key string) error {
	content, err := godotenv.Marshal(map[string]string{keyName: key})
	if err != nil {
		return fmt.Errorf("encode master key: %w", err)
	}
	if err := fsutil.WriteFileAtomic(s.path, []byte(content+"\n"), 0o600); err != nil {
		return fmt.Errorf("write master key file: %w", err)
	}
	return nil
}
