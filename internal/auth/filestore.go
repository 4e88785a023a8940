package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
)

// Persister saves the current TokenSet across process restarts.
// Load returns (nil, nil) when nothing has been saved. ctx bounds any wait
// for other processes holding the storage.
type Persister interface {
	Load() (*TokenSet, error)
	Save(ctx context.Context, tokens *TokenSet) error
	Clear(ctx context.Context) error
}

// storedTokens is one client's entry in the token file.
type storedTokens struct {
	TokenSet
	ClientID string `json:"client_id"`
}

// tokenFile is the on-disk layout, shared by every client id using the same path.
type tokenFile struct {
	Tokens map[string]*storedTokens `json:"tokens"`
}

// FileStore persists tokens for one client id in a JSON file that may hold
// entries for other clients too. Writes go through a lock file and an atomic
// rename so concurrent processes never observe a partial file.
type FileStore struct {
	path     string
	clientID string
}

// NewFileStore returns a FileStore for clientID backed by path.
func NewFileStore(path, clientID string) *FileStore {
	return &FileStore{path: path, clientID: clientID}
}

// Path returns the backing file path.
func (s *FileStore) Path() string {
	return s.path
}

func (s *FileStore) Load() (*TokenSet, error) {
	file, err := s.read()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	entry, ok := file.Tokens[s.clientID]
	if !ok || entry == nil {
		return nil, nil
	}
	ts := entry.TokenSet
	return &ts, nil
}

func (s *FileStore) Save(ctx context.Context, tokens *TokenSet) error {
	if tokens == nil {
		return errors.New("cannot save nil token set")
	}
	return s.update(ctx, func(file *tokenFile) {
		file.Tokens[s.clientID] = &storedTokens{TokenSet: *tokens, ClientID: s.clientID}
	})
}

func (s *FileStore) Clear(ctx context.Context) error {
	if _, err := os.Stat(s.path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return s.update(ctx, func(file *tokenFile) {
		delete(file.Tokens, s.clientID)
	})
}

func (s *FileStore) read() (*tokenFile, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, err
	}

	var file tokenFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse token file: %w", err)
	}
	if file.Tokens == nil {
		file.Tokens = make(map[string]*storedTokens)
	}
	return &file, nil
}

// update applies mutate to the current file contents under the file lock and
// writes the result back atomically.
func (s *FileStore) update(ctx context.Context, mutate func(*tokenFile)) error {
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("failed to create token directory: %w", err)
		}
	}

	lock, err := acquireFileLock(ctx, s.path)
	if err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	defer func() {
		if releaseErr := lock.release(); releaseErr != nil {
			log.Warnf("failed to release token file lock: %v", releaseErr)
		}
	}()

	file, err := s.read()
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.Warnf("token file %s unreadable, rewriting: %v", s.path, err)
		}
		file = &tokenFile{Tokens: make(map[string]*storedTokens)}
	}

	mutate(file)

	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return err
	}

	tempFile := s.path + ".tmp"
	if err := os.WriteFile(tempFile, data, 0o600); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tempFile, s.path); err != nil {
		if removeErr := os.Remove(tempFile); removeErr != nil {
			return fmt.Errorf(
				"failed to rename temp file: %v; additionally failed to remove temp file: %w",
				err,
				removeErr,
			)
		}
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}
