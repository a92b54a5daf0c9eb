// Package store implements the on-disk cache entry layout: metadata-<key>
// files describing each entry, and filedata-<key> files holding the
// response body bytes. Both file families live under one cache directory
// and share a cache key derived from the origin ETag (see CacheKey).
package store

import "github.com/AdguardTeam/golibs/log"

// Store bundles the metadata and body file stores that together make up
// one cache entry family.
type Store struct {
	Metadata *MetadataStore
	Body     *CacheStore
}

// New returns a Store rooted at dir.
func New(dir string) (*Store, error) {
	meta, err := NewMetadataStore(dir)
	if err != nil {
		return nil, err
	}
	body, err := NewCacheStore(dir)
	if err != nil {
		return nil, err
	}
	return &Store{Metadata: meta, Body: body}, nil
}

// Nuke removes both the metadata and body files for key. Callers are
// responsible for holding the cache's cross-process mutex while calling
// this, so a concurrent streamer never observes a half-removed entry.
func (s *Store) Nuke(key string) {
	log.Debug("nuking cache entry %s", key)
	if err := s.Metadata.Remove(key); err != nil {
		log.Error("failed to remove metadata-%s: %v", key, err)
	}
	if err := s.Body.Remove(key); err != nil {
		log.Error("failed to remove filedata-%s: %v", key, err)
	}
}
