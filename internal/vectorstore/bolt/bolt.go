// Package bolt is an embedded vector store on top of bbolt. Every
// collection is a bucket of JSON records; queries scan the bucket.
package bolt

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/cloo-solutions/kubekb/internal/domain"
	"github.com/cloo-solutions/kubekb/internal/vectorstore"
	"go.etcd.io/bbolt"
)

var bucketCollections = []byte("collections")

type collectionInfo struct {
	VectorSize int       `json:"vectorSize"`
	CreatedAt  time.Time `json:"createdAt"`
}

type record struct {
	vectorstore.Payload
	Vector []float32 `json:"vector"`
}

// Store is a bbolt-backed vector store.
type Store struct {
	db *bbolt.DB
}

// Open opens or creates the database file at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create bolt directory: %w", err)
		}
	}
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, err
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketCollections)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func pointsBucket(name string) []byte {
	return []byte("points:" + name)
}

func (s *Store) EnsureCollection(ctx context.Context, name string, vectorSize int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if vectorSize <= 0 {
		return fmt.Errorf("invalid vector size %d", vectorSize)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		meta := tx.Bucket(bucketCollections)
		if data := meta.Get([]byte(name)); data != nil {
			var info collectionInfo
			if err := json.Unmarshal(data, &info); err != nil {
				return fmt.Errorf("decode collection %s: %w", name, err)
			}
			if info.VectorSize != vectorSize {
				return fmt.Errorf("%w: collection %s has %d dimensions, got %d",
					domain.ErrDimensionMismatch, name, info.VectorSize, vectorSize)
			}
			return nil
		}

		data, err := json.Marshal(collectionInfo{VectorSize: vectorSize, CreatedAt: time.Now().UTC()})
		if err != nil {
			return err
		}
		if err := meta.Put([]byte(name), data); err != nil {
			return err
		}
		_, err = tx.CreateBucketIfNotExists(pointsBucket(name))
		return err
	})
}

func (s *Store) collection(tx *bbolt.Tx, name string) (collectionInfo, *bbolt.Bucket, error) {
	var info collectionInfo
	data := tx.Bucket(bucketCollections).Get([]byte(name))
	b := tx.Bucket(pointsBucket(name))
	if data == nil || b == nil {
		return info, nil, domain.ErrCollectionNotFound
	}
	if err := json.Unmarshal(data, &info); err != nil {
		return info, nil, fmt.Errorf("decode collection %s: %w", name, err)
	}
	return info, b, nil
}

func (s *Store) Upsert(ctx context.Context, name string, chunks []domain.KnowledgeChunk) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		info, b, err := s.collection(tx, name)
		if err != nil {
			return err
		}
		if err := vectorstore.CheckDimensions(chunks, info.VectorSize); err != nil {
			return err
		}
		for i := range chunks {
			data, err := json.Marshal(record{
				Payload: vectorstore.PayloadOf(&chunks[i]),
				Vector:  chunks[i].Embedding,
			})
			if err != nil {
				return fmt.Errorf("encode chunk %s: %w", chunks[i].ID, err)
			}
			if err := b.Put([]byte(chunks[i].ID), data); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) Query(ctx context.Context, name string, vector []float32, filter domain.ChunkFilter, limit int, scoreThreshold float32) ([]domain.ScoredChunk, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	hits := make([]domain.ScoredChunk, 0)
	err := s.db.View(func(tx *bbolt.Tx) error {
		info, b, err := s.collection(tx, name)
		if err != nil {
			return err
		}
		if len(vector) != info.VectorSize {
			return fmt.Errorf("%w: query has %d dimensions, collection has %d",
				domain.ErrDimensionMismatch, len(vector), info.VectorSize)
		}
		return b.ForEach(func(k, v []byte) error {
			var rec record
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("decode chunk %s: %w", k, err)
			}
			if !filter.IsEmpty() && rec.URI != filter.URI {
				return nil
			}
			score := vectorstore.Cosine(vector, rec.Vector)
			if score < scoreThreshold {
				return nil
			}
			hits = append(hits, domain.ScoredChunk{
				KnowledgeChunk: rec.Payload.Chunk(string(k)),
				Score:          score,
			})
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return vectorstore.TopK(hits, limit), nil
}

func (s *Store) QueryIDsByFilter(ctx context.Context, name string, filter domain.ChunkFilter) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ids := make([]string, 0)
	err := s.db.View(func(tx *bbolt.Tx) error {
		_, b, err := s.collection(tx, name)
		if err != nil {
			return err
		}
		return b.ForEach(func(k, v []byte) error {
			if !filter.IsEmpty() {
				var p vectorstore.Payload
				if err := json.Unmarshal(v, &p); err != nil {
					return fmt.Errorf("decode chunk %s: %w", k, err)
				}
				if p.URI != filter.URI {
					return nil
				}
			}
			ids = append(ids, string(k))
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *Store) DeletePoints(ctx context.Context, name string, ids []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		_, b, err := s.collection(tx, name)
		if err != nil {
			return err
		}
		for _, id := range ids {
			if err := b.Delete([]byte(id)); err != nil {
				return err
			}
		}
		return nil
	})
}
