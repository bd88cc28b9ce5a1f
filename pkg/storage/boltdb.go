package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/cuemby/playpen/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketDependencyCache = []byte("dependency_cache")
	bucketProjectState    = []byte("project_state")
	bucketProjectSources  = []byte("project_sources")

	// Per-project layout inside dependency_cache
	keyMeta     = []byte("meta")
	bucketFiles = []byte("files")
)

// BoltStore implements Store using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store in dataDir
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "playpen.db")

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketDependencyCache,
			bucketProjectState,
			bucketProjectSources,
		}

		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Dependency cache operations

// PutDependencyCache upserts the cache generation for entry.ProjectID. The
// previous generation's files are dropped in the same transaction.
func (s *BoltStore) PutDependencyCache(entry *types.DependencyCacheEntry, files []types.CachedFile) error {
	if entry.ProjectID == "" {
		return fmt.Errorf("dependency cache entry has no project ID")
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		root := tx.Bucket(bucketDependencyCache)
		key := []byte(entry.ProjectID)

		if root.Bucket(key) != nil {
			if err := root.DeleteBucket(key); err != nil {
				return fmt.Errorf("failed to drop previous cache: %w", err)
			}
		}

		project, err := root.CreateBucket(key)
		if err != nil {
			return fmt.Errorf("failed to create project bucket: %w", err)
		}

		filesBucket, err := project.CreateBucket(bucketFiles)
		if err != nil {
			return fmt.Errorf("failed to create files bucket: %w", err)
		}

		for _, f := range files {
			if err := filesBucket.Put([]byte(f.Path), f.Data); err != nil {
				return fmt.Errorf("failed to store %s: %w", f.Path, err)
			}
		}

		data, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		return project.Put(keyMeta, data)
	})
}

func (s *BoltStore) GetDependencyCache(projectID string) (*types.DependencyCacheEntry, error) {
	var entry types.DependencyCacheEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		project := tx.Bucket(bucketDependencyCache).Bucket([]byte(projectID))
		if project == nil {
			return fmt.Errorf("dependency cache %s: %w", projectID, ErrNotFound)
		}
		data := project.Get(keyMeta)
		if data == nil {
			return fmt.Errorf("dependency cache %s: %w", projectID, ErrNotFound)
		}
		return json.Unmarshal(data, &entry)
	})
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// ForEachDependencyFile calls fn for every cached file of a project in path
// order. data is only valid for the duration of the call.
func (s *BoltStore) ForEachDependencyFile(projectID string, fn func(path string, data []byte) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		project := tx.Bucket(bucketDependencyCache).Bucket([]byte(projectID))
		if project == nil {
			return fmt.Errorf("dependency cache %s: %w", projectID, ErrNotFound)
		}
		files := project.Bucket(bucketFiles)
		if files == nil {
			return nil
		}
		return files.ForEach(func(k, v []byte) error {
			return fn(string(k), v)
		})
	})
}

func (s *BoltStore) ListDependencyCaches() ([]*types.DependencyCacheEntry, error) {
	var entries []*types.DependencyCacheEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		root := tx.Bucket(bucketDependencyCache)
		return root.ForEach(func(k, v []byte) error {
			project := root.Bucket(k)
			if project == nil {
				return nil
			}
			data := project.Get(keyMeta)
			if data == nil {
				return nil
			}
			var entry types.DependencyCacheEntry
			if err := json.Unmarshal(data, &entry); err != nil {
				return err
			}
			entries = append(entries, &entry)
			return nil
		})
	})
	return entries, err
}

// TouchDependencyCache records an access for TTL pruning
func (s *BoltStore) TouchDependencyCache(projectID string, at time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		project := tx.Bucket(bucketDependencyCache).Bucket([]byte(projectID))
		if project == nil {
			return fmt.Errorf("dependency cache %s: %w", projectID, ErrNotFound)
		}
		var entry types.DependencyCacheEntry
		if err := json.Unmarshal(project.Get(keyMeta), &entry); err != nil {
			return err
		}
		entry.LastAccessed = at
		data, err := json.Marshal(&entry)
		if err != nil {
			return err
		}
		return project.Put(keyMeta, data)
	})
}

func (s *BoltStore) DeleteDependencyCache(projectID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		err := tx.Bucket(bucketDependencyCache).DeleteBucket([]byte(projectID))
		if errors.Is(err, bolt.ErrBucketNotFound) {
			return nil
		}
		return err
	})
}

// Project state operations
func (s *BoltStore) PutProjectState(clientID string, state *types.ProjectSessionState) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketProjectState)
		data, err := json.Marshal(state)
		if err != nil {
			return err
		}
		return b.Put([]byte(clientID), data)
	})
}

func (s *BoltStore) GetProjectState(clientID string) (*types.ProjectSessionState, error) {
	var state types.ProjectSessionState
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketProjectState)
		data := b.Get([]byte(clientID))
		if data == nil {
			return fmt.Errorf("project state for %s: %w", clientID, ErrNotFound)
		}
		return json.Unmarshal(data, &state)
	})
	if err != nil {
		return nil, err
	}
	return &state, nil
}

func (s *BoltStore) DeleteProjectState(clientID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketProjectState)
		return b.Delete([]byte(clientID))
	})
}

// Project source operations
func (s *BoltStore) PutProjectSource(projectID string, payload []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketProjectSources)
		return b.Put([]byte(projectID), payload)
	})
}

func (s *BoltStore) GetProjectSource(projectID string) ([]byte, error) {
	var payload []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketProjectSources)
		data := b.Get([]byte(projectID))
		if data == nil {
			return fmt.Errorf("project source %s: %w", projectID, ErrNotFound)
		}
		payload = append([]byte(nil), data...)
		return nil
	})
	return payload, err
}
