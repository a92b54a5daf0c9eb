package store

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/AdguardTeam/golibs/log"

	"github.com/bwoffload/offloadd/internal/headermap"
)

// MetadataStore reads and writes the metadata-<key> files that describe
// each cache entry: an ordered sequence of newline-terminated key/value
// pairs, terminated by an empty key line.
type MetadataStore struct {
	dir string
}

// NewMetadataStore returns a MetadataStore rooted at dir. dir is created if
// missing.
func NewMetadataStore(dir string) (*MetadataStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	return &MetadataStore{dir: dir}, nil
}

// Path returns the filesystem path of the metadata file for key.
func (s *MetadataStore) Path(key string) string {
	return filepath.Join(s.dir, "metadata-"+key)
}

// Load reads and parses the metadata file for key. A missing file returns
// (nil, nil): callers treat that as "no persisted metadata", not an error.
func (s *MetadataStore) Load(key string) (*headermap.Map, error) {
	f, err := os.Open(s.Path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	m := headermap.New()
	r := bufio.NewReader(f)
	total := 0
	for {
		rawKey, err := r.ReadString('\n')
		if err == io.EOF && rawKey == "" {
			break
		}
		fieldKey := trimNewline(rawKey)
		if fieldKey == "" {
			break // empty key line terminates the record.
		}
		rawValue, err := r.ReadString('\n')
		if err != nil && err != io.EOF {
			return nil, err
		}
		m.Set(fieldKey, trimNewline(rawValue))
		total++
	}
	log.Debug("loaded %d metadata pair(s) for key %s", total, key)
	return m, nil
}

// Save persists m to the metadata file for key, writing to a temp file and
// renaming into place so a reader never observes a half-written record.
func (s *MetadataStore) Save(key string, m *headermap.Map) error {
	tmp := s.Path(key) + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	for _, k := range m.Keys() {
		v, _ := m.Get(k)
		if _, err := fmt.Fprintf(w, "%s\n%s\n", k, v); err != nil {
			f.Close()
			os.Remove(tmp)
			return err
		}
	}
	_, _ = w.WriteString("\n") // empty key line ends the record; a write error resurfaces from Flush.
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, s.Path(key))
}

// Remove deletes the metadata file for key. A missing file is not an error.
func (s *MetadataStore) Remove(key string) error {
	err := os.Remove(s.Path(key))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func trimNewline(s string) string {
	n := len(s)
	if n > 0 && s[n-1] == '\n' {
		s = s[:n-1]
	}
	return s
}
