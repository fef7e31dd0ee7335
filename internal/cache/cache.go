// Package cache records, per source file, whether a transform must run again
// and where the last artifact lives.
//
// Entries are kept in memory while a build runs and persisted to a BoltDB
// file between builds:
//
//  1. Load reads the database when a build starts; a missing or unreadable
//     database yields an empty cache
//  2. HasChanged compares the file's mtime, then its SHA256 content
//     signature, with the recorded entry
//  3. Save writes every entry back when the build finishes
//
// A cache context value is hashed into the database; loading with a
// different context discards all entries.
package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.etcd.io/bbolt"
)

const (
	// entriesBucket is the BoltDB bucket name for cache entries
	entriesBucket = "entries"

	// metaBucket holds the schema version and context signature
	metaBucket = "meta"

	schemaVersion = "1"
)

// ErrCorrupt is returned by Load when the database cannot be read
var ErrCorrupt = errors.New("cache database is corrupt")

// UpdateOptions describe the outcome recorded by Update
type UpdateOptions struct {
	// Source is the content the artifact was built from. When nil the
	// signature is computed from the file on disk.
	Source []byte

	// Errored marks the artifact as a transform failure
	Errored bool
}

// Cache manages per-file build state backed by BoltDB
type Cache struct {
	mu      sync.Mutex
	path    string
	context string
	entries map[string]*Entry
}

// New creates an empty cache persisted at path. cacheContext is hashed and
// compared on Load.
func New(path string, cacheContext any) (*Cache, error) {
	sig, err := HashContext(cacheContext)
	if err != nil {
		return nil, err
	}

	return &Cache{
		path:    path,
		context: sig,
		entries: make(map[string]*Entry),
	}, nil
}

// Path returns the location of the cache database
func (c *Cache) Path() string {
	return c.path
}

// Load replaces the in-memory entries with the persisted ones. A missing
// database is not an error; an unreadable one leaves the cache empty and
// returns an error wrapping ErrCorrupt.
func (c *Cache) Load() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]*Entry)

	if _, err := os.Stat(c.path); errors.Is(err, os.ErrNotExist) {
		return nil
	}

	db, err := bbolt.Open(c.path, 0o600, &bbolt.Options{Timeout: 1 * time.Second, ReadOnly: true})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	defer db.Close()

	entries := make(map[string]*Entry)
	err = db.View(func(tx *bbolt.Tx) error {
		meta := tx.Bucket([]byte(metaBucket))
		if meta == nil {
			return nil
		}

		if string(meta.Get([]byte("version"))) != schemaVersion {
			return nil
		}

		if string(meta.Get([]byte("context"))) != c.context {
			return nil
		}

		b := tx.Bucket([]byte(entriesBucket))
		if b == nil {
			return nil
		}

		return b.ForEach(func(k, v []byte) error {
			var entry Entry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}

			entries[string(k)] = &entry
			return nil
		})
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCorrupt, err)
	}

	c.entries = entries
	return nil
}

// Save persists all entries, replacing the previous database content
func (c *Cache) Save() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}

	db, err := bbolt.Open(c.path, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		// An unreadable database is rebuilt from scratch
		if rmErr := os.Remove(c.path); rmErr != nil {
			return fmt.Errorf("failed to open cache database: %w", err)
		}

		db, err = bbolt.Open(c.path, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
		if err != nil {
			return fmt.Errorf("failed to open cache database: %w", err)
		}
	}
	defer db.Close()

	err = db.Update(func(tx *bbolt.Tx) error {
		if tx.Bucket([]byte(entriesBucket)) != nil {
			if err := tx.DeleteBucket([]byte(entriesBucket)); err != nil {
				return err
			}
		}

		b, err := tx.CreateBucket([]byte(entriesBucket))
		if err != nil {
			return err
		}

		for file, entry := range c.entries {
			data, err := json.Marshal(entry)
			if err != nil {
				return err
			}

			if err := b.Put([]byte(file), data); err != nil {
				return err
			}
		}

		meta, err := tx.CreateBucketIfNotExists([]byte(metaBucket))
		if err != nil {
			return err
		}

		if err := meta.Put([]byte("version"), []byte(schemaVersion)); err != nil {
			return err
		}

		return meta.Put([]byte("context"), []byte(c.context))
	})
	if err != nil {
		return fmt.Errorf("failed to store cache entries: %w", err)
	}

	return nil
}

// Get returns a copy of the entry for file, or nil
func (c *Cache) Get(file string) *Entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[file]
	if !ok {
		return nil
	}

	cp := *entry
	return &cp
}

// HasChanged reports whether file must be compiled again
func (c *Cache) HasChanged(file string) bool {
	c.mu.Lock()
	entry, ok := c.entries[file]
	c.mu.Unlock()

	if !ok {
		return true
	}

	info, err := os.Stat(file)
	if err != nil {
		return true
	}

	if info.ModTime().UnixNano() == entry.ModTime {
		return false
	}

	sig, err := HashFile(file)
	if err != nil {
		return true
	}

	return sig != entry.Signature
}

// HasErrored reports whether the last recorded result for file is a failure
func (c *Cache) HasErrored(file string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[file]
	return ok && entry.Error
}

// CompiledPath returns the recorded artifact location for file, or ""
func (c *Cache) CompiledPath(file string) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.entries[file]; ok {
		return entry.CompiledPath
	}

	return ""
}

// Invalidate forgets everything known about file
func (c *Cache) Invalidate(file string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.entries, file)
}

// Update records the artifact built for file
func (c *Cache) Update(file, compiledPath string, opts UpdateOptions) {
	var sig string
	if opts.Source != nil {
		sig = HashBytes(opts.Source)
	} else if s, err := HashFile(file); err == nil {
		sig = s
	}

	var modTime int64
	if info, err := os.Stat(file); err == nil {
		modTime = info.ModTime().UnixNano()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[file] = &Entry{
		SourceFile:   file,
		Signature:    sig,
		ModTime:      modTime,
		CompiledPath: compiledPath,
		Error:        opts.Errored,
		Timestamp:    time.Now(),
	}
}

// Len returns the number of entries held in memory
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.entries)
}

// Files returns the source files with an entry, sorted
func (c *Cache) Files() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	files := make([]string, 0, len(c.entries))
	for file := range c.entries {
		files = append(files, file)
	}
	sort.Strings(files)

	return files
}

// Clear removes all entries and the database file
func (c *Cache) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]*Entry)

	if err := os.Remove(c.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove cache database: %w", err)
	}

	return nil
}

// Stats returns the entry count, the number of errored entries and the
// total size of the recorded artifacts
func (c *Cache) Stats() (count, errored int, totalSize int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, entry := range c.entries {
		count++

		if entry.Error {
			errored++
		}

		if info, err := os.Stat(entry.CompiledPath); err == nil {
			totalSize += info.Size()
		}
	}

	return count, errored, totalSize
}
