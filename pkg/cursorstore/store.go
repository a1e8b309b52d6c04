// Copyright 2025 Magpie Labs
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package cursorstore persists sync cursors, per-source status,
// document hashes and advisory locks in Redis.
//
// Key layout:
//
//	index:cursor:{source}      JSON Cursor
//	index:status:{source}      JSON IndexStatus
//	index:hash:{source}:{id}   content hash string
//	index:lock:{source}        advisory lock with TTL
package cursorstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/magpielabs/magpie/pkg/document"
)

type Store struct {
	client *redis.Client
}

// New wraps an existing Redis client.
func New(client *redis.Client) *Store {
	return &Store{client: client}
}

// NewFromURL connects to Redis and verifies the connection.
func NewFromURL(url string) (*Store, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Store{client: client}, nil
}

// Client exposes the underlying connection for sibling stores.
func (s *Store) Client() *redis.Client {
	return s.client
}

func (s *Store) Close() error {
	return s.client.Close()
}

func cursorKey(source document.Source) string {
	return "index:cursor:" + string(source)
}

func statusKey(source document.Source) string {
	return "index:status:" + string(source)
}

func lockKey(source document.Source) string {
	return "index:lock:" + string(source)
}

func hashKey(source document.Source, id string) string {
	return "index:hash:" + string(source) + ":" + id
}

// Cursor operations

// GetCursor returns the saved cursor or nil when the source has never
// synced.
func (s *Store) GetCursor(ctx context.Context, source document.Source) (*Cursor, error) {
	data, err := s.client.Get(ctx, cursorKey(source)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cursor for %s: %w", source, err)
	}

	var cursor Cursor
	if err := json.Unmarshal(data, &cursor); err != nil {
		return nil, fmt.Errorf("failed to decode cursor for %s: %w", source, err)
	}
	return &cursor, nil
}

func (s *Store) SaveCursor(ctx context.Context, cursor *Cursor) error {
	data, err := json.Marshal(cursor)
	if err != nil {
		return fmt.Errorf("failed to marshal cursor: %w", err)
	}
	if err := s.client.Set(ctx, cursorKey(cursor.Source), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to save cursor for %s: %w", cursor.Source, err)
	}
	return nil
}

func (s *Store) ResetCursor(ctx context.Context, source document.Source) error {
	return s.client.Del(ctx, cursorKey(source)).Err()
}

// Status operations

// GetStatus returns the saved status, or an idle placeholder when the
// source has never reported.
func (s *Store) GetStatus(ctx context.Context, source document.Source) (*IndexStatus, error) {
	data, err := s.client.Get(ctx, statusKey(source)).Bytes()
	if err == redis.Nil {
		return &IndexStatus{Source: source, Status: StateIdle}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get status for %s: %w", source, err)
	}

	var status IndexStatus
	if err := json.Unmarshal(data, &status); err != nil {
		return nil, fmt.Errorf("failed to decode status for %s: %w", source, err)
	}
	return &status, nil
}

func (s *Store) SaveStatus(ctx context.Context, status *IndexStatus) error {
	data, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("failed to marshal status: %w", err)
	}
	if err := s.client.Set(ctx, statusKey(status.Source), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to save status for %s: %w", status.Source, err)
	}
	return nil
}

// AllStatus fetches statuses for the given sources in one round trip,
// substituting idle placeholders for sources that never reported.
func (s *Store) AllStatus(ctx context.Context, sources []document.Source) ([]*IndexStatus, error) {
	if len(sources) == 0 {
		return nil, nil
	}

	keys := make([]string, len(sources))
	for i, source := range sources {
		keys[i] = statusKey(source)
	}

	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get statuses: %w", err)
	}

	statuses := make([]*IndexStatus, len(sources))
	for i, value := range values {
		raw, ok := value.(string)
		if !ok {
			statuses[i] = &IndexStatus{Source: sources[i], Status: StateIdle}
			continue
		}
		var status IndexStatus
		if err := json.Unmarshal([]byte(raw), &status); err != nil {
			statuses[i] = &IndexStatus{Source: sources[i], Status: StateIdle}
			continue
		}
		statuses[i] = &status
	}
	return statuses, nil
}

// ResetStatus clears the status record and the advisory lock so a
// wedged source can be restarted.
func (s *Store) ResetStatus(ctx context.Context, source document.Source) error {
	return s.client.Del(ctx, statusKey(source), lockKey(source)).Err()
}

// Lock operations

// AcquireLock grants at most one holder per source within the TTL
// window. Locks are advisory; a crashed holder is released by expiry.
func (s *Store) AcquireLock(ctx context.Context, source document.Source, ttl time.Duration) (bool, error) {
	lockData := map[string]any{
		"source":   source,
		"lockedAt": time.Now().UTC().Format(time.RFC3339),
		"ttl":      ttl.String(),
	}

	data, err := json.Marshal(lockData)
	if err != nil {
		return false, err
	}

	acquired, err := s.client.SetNX(ctx, lockKey(source), data, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock for %s: %w", source, err)
	}
	return acquired, nil
}

func (s *Store) ReleaseLock(ctx context.Context, source document.Source) error {
	return s.client.Del(ctx, lockKey(source)).Err()
}

// Hash operations

// BulkGetHashes returns the stored hash per id, preserving order, with
// "" for ids never seen.
func (s *Store) BulkGetHashes(ctx context.Context, source document.Source, ids []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = hashKey(source, id)
	}

	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get hashes for %s: %w", source, err)
	}

	hashes := make([]string, len(ids))
	for i, value := range values {
		if str, ok := value.(string); ok {
			hashes[i] = str
		}
	}
	return hashes, nil
}

// BulkSetHashes writes all hashes in a single MSET, which Redis
// applies atomically.
func (s *Store) BulkSetHashes(ctx context.Context, source document.Source, hashes map[string]string) error {
	if len(hashes) == 0 {
		return nil
	}

	pairs := make([]any, 0, len(hashes)*2)
	for id, hash := range hashes {
		pairs = append(pairs, hashKey(source, id), hash)
	}

	if err := s.client.MSet(ctx, pairs...).Err(); err != nil {
		return fmt.Errorf("failed to set hashes for %s: %w", source, err)
	}
	return nil
}

// RemoveHashes deletes the hash for id and for every chunk derived
// from it ({id}_chunk_{i}).
func (s *Store) RemoveHashes(ctx context.Context, source document.Source, id string) error {
	keys := []string{hashKey(source, id)}

	match := hashKey(source, id) + "_chunk_*"
	iter := s.client.Scan(ctx, 0, match, 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("failed to scan chunk hashes for %s/%s: %w", source, id, err)
	}

	return s.client.Del(ctx, keys...).Err()
}
