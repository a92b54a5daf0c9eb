package store

import (
	"os"
	"path/filepath"
)

// CacheStore manages the filedata-<key> body files: raw response bytes,
// appended by the fetcher and read concurrently by any number of
// streamers, including one reading a file that is still growing.
type CacheStore struct {
	dir string
}

// NewCacheStore returns a CacheStore rooted at dir. dir is created if
// missing.
func NewCacheStore(dir string) (*CacheStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	return &CacheStore{dir: dir}, nil
}

// Path returns the filesystem path of the body file for key.
func (s *CacheStore) Path(key string) string {
	return filepath.Join(s.dir, "filedata-"+key)
}

// Stat returns the current size of the body file for key.
func (s *CacheStore) Stat(key string) (int64, error) {
	info, err := os.Stat(s.Path(key))
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// Exists reports whether the body file for key is present.
func (s *CacheStore) Exists(key string) bool {
	_, err := os.Stat(s.Path(key))
	return err == nil
}

// CreateTruncated creates (or truncates) the body file for key for a
// fetcher about to start appending to it.
func (s *CacheStore) CreateTruncated(key string) (*os.File, error) {
	return os.OpenFile(s.Path(key), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
}

// OpenReader opens the body file for key for reading, for a streamer.
func (s *CacheStore) OpenReader(key string) (*os.File, error) {
	return os.Open(s.Path(key))
}

// Remove deletes the body file for key. A missing file is not an error.
func (s *CacheStore) Remove(key string) error {
	err := os.Remove(s.Path(key))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
