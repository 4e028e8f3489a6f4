// Copyright 2024-2026 Aiku AI

package store

import (
	"bytes"
	"errors"
	"fmt"
	"hash/fnv"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/aiku/mattermost-chatrelay/pkg/relay"
)

// FileStore keeps the routing document in one YAML file.
type FileStore struct {
	path string
	log  zerolog.Logger

	mu sync.Mutex
	// lastHash is the hash of the content last written or read, so the
	// watcher can tell our own writes from external edits.
	lastHash uint64
}

var _ Store = (*FileStore)(nil)

// NewFileStore creates a store for path. The file need not exist yet.
func NewFileStore(path string, log zerolog.Logger) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	return &FileStore{path: path, log: log}, nil
}

// Path returns the file the store writes to.
func (s *FileStore) Path() string {
	return s.path
}

// Load reads the document. A missing or empty file yields an empty document.
func (s *FileStore) Load() (*relay.Document, error) {
	doc, h, err := s.read()
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.lastHash = h
	s.mu.Unlock()
	return doc, nil
}

func (s *FileStore) read() (*relay.Document, uint64, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return emptyDocument(), 0, nil
	} else if err != nil {
		return nil, 0, fmt.Errorf("failed to read %s: %w", s.path, err)
	}
	doc, err := decodeDocument(data)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to parse %s: %w", s.path, err)
	}
	return doc, hashBytes(data), nil
}

func decodeDocument(data []byte) (*relay.Document, error) {
	doc := emptyDocument()
	if len(bytes.TrimSpace(data)) == 0 {
		return doc, nil
	}
	if err := yaml.Unmarshal(data, doc); err != nil {
		return nil, err
	}
	if doc.Channels == nil {
		doc.Channels = make(map[relay.ChannelID]relay.ChannelConfig)
	}
	if doc.Overrides == nil {
		doc.Overrides = make(map[relay.Kind]relay.KindOverrides)
	}
	return doc, validateDocument(doc)
}

// Save writes the document atomically: a temp file in the same directory
// is renamed over the target.
func (s *FileStore) Save(doc *relay.Document) error {
	data, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal document: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tmp, err := os.CreateTemp(filepath.Dir(s.path), "."+filepath.Base(s.path)+".*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		if tmpName != "" {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, fileMode(s.path)); err != nil {
		return fmt.Errorf("failed to set file mode: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", s.path, err)
	}
	tmpName = ""
	s.lastHash = hashBytes(data)
	s.log.Debug().Int("channels", len(doc.Channels)).Msg("Saved routing document")
	return nil
}

// fileMode keeps the mode of an existing file, 0600 otherwise.
func fileMode(path string) fs.FileMode {
	if st, err := os.Stat(path); err == nil {
		return st.Mode().Perm()
	}
	return 0o600
}

// Close is a no-op.
func (s *FileStore) Close() error {
	return nil
}

func hashBytes(b []byte) uint64 {
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}
