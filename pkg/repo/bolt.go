package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	bolt "go.etcd.io/bbolt"
)

// ErrNotFound reports a missing entity.
var ErrNotFound = errors.New("repo: not found")

// BoltRepo is a generic bbolt-backed repository storing JSON-encoded
// entities in a single bucket.
type BoltRepo[T any, ID comparable] struct {
	db     *bolt.DB
	bucket []byte
	keyOf  func(ID) []byte
	idOf   func(T) ID
}

// NewBoltRepo creates a repository over db, ensuring the bucket exists.
// keyOf maps an ID to its byte key; idOf extracts the ID of an entity.
func NewBoltRepo[T any, ID comparable](db *bolt.DB, bucket string, keyOf func(ID) []byte, idOf func(T) ID) (*BoltRepo[T, ID], error) {
	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucket))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("repo: create bucket %s: %w", bucket, err)
	}
	return &BoltRepo[T, ID]{db: db, bucket: []byte(bucket), keyOf: keyOf, idOf: idOf}, nil
}

// Compile-time interface check.
var _ Repository[struct{}, string] = (*BoltRepo[struct{}, string])(nil)

func (r *BoltRepo[T, ID]) Get(_ context.Context, id ID) (T, error) {
	var out T
	err := r.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(r.bucket).Get(r.keyOf(id))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &out)
	})
	return out, err
}

func (r *BoltRepo[T, ID]) List(_ context.Context, opts ListOpts) ([]T, error) {
	var out []T
	skipped := 0
	err := r.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(r.bucket).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if skipped < opts.Offset {
				skipped++
				continue
			}
			if opts.Limit > 0 && len(out) >= opts.Limit {
				break
			}
			var entity T
			if err := json.Unmarshal(v, &entity); err != nil {
				return err
			}
			out = append(out, entity)
		}
		return nil
	})
	return out, err
}

func (r *BoltRepo[T, ID]) Create(ctx context.Context, entity T) (T, error) {
	return r.put(entity)
}

func (r *BoltRepo[T, ID]) Update(ctx context.Context, entity T) (T, error) {
	return r.put(entity)
}

// put upserts: create and update share MERGE semantics.
func (r *BoltRepo[T, ID]) put(entity T) (T, error) {
	data, err := json.Marshal(entity)
	if err != nil {
		return entity, err
	}
	err = r.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(r.bucket).Put(r.keyOf(r.idOf(entity)), data)
	})
	return entity, err
}

func (r *BoltRepo[T, ID]) Delete(_ context.Context, id ID) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(r.bucket).Delete(r.keyOf(id))
	})
}

// Count returns the number of stored entities.
func (r *BoltRepo[T, ID]) Count(_ context.Context) (int, error) {
	n := 0
	err := r.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(r.bucket).Stats().KeyN
		return nil
	})
	return n, err
}
