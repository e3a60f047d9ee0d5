// Package idempotency records the response of a mutating API call under the
// caller's idempotency key, so a retried request replays the first outcome
// instead of submitting a second ledger transaction.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"craftnexus/internal/kvstore"
)

const keyPrefix = "idem:"

var (
	// ErrKeyReused is returned when a key is presented again with a different body.
	ErrKeyReused = errors.New("idempotency key reused with a different request")
	// ErrInProgress is returned while another request holds the key.
	ErrInProgress = errors.New("a request with this idempotency key is still in progress")
)

// Record holds stored response data. An InProgress record is a claim taken
// by Reserve and carries no response yet.
type Record struct {
	StatusCode  int       `json:"statusCode"`
	Response    []byte    `json:"response"`
	RequestHash string    `json:"requestHash"`
	InProgress  bool      `json:"inProgress,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// Store keeps records in a kvstore.Store under a private prefix.
type Store struct {
	kv  kvstore.Store
	now func() time.Time
}

func NewStore(kv kvstore.Store) *Store {
	return &Store{kv: kv, now: time.Now}
}

// Fingerprint hashes a request body for reuse detection.
func Fingerprint(scope string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(scope))
	h.Write([]byte{0})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// Reserve claims key for a request before it runs. A nil record and nil
// error mean the caller now owns the key and must Save or Release it. A
// completed key returns its record for replay; a key still held by another
// request returns ErrInProgress, and a key recorded for a different request
// hash returns ErrKeyReused. The claim lives for ttl.
func (s *Store) Reserve(ctx context.Context, key, requestHash string, ttl time.Duration) (*Record, error) {
	now := s.now()
	claim, err := json.Marshal(Record{
		RequestHash: requestHash,
		InProgress:  true,
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
	})
	if err != nil {
		return nil, err
	}

	// A second pass covers a record that vanished or expired between calls.
	for attempt := 0; attempt < 2; attempt++ {
		ok, err := s.kv.SetIfAbsent(ctx, keyPrefix+key, string(claim))
		if err != nil {
			return nil, err
		}
		if ok {
			return nil, nil
		}

		raw, found, err := s.kv.Get(ctx, keyPrefix+key)
		if err != nil {
			return nil, err
		}
		if !found {
			continue
		}
		rec, err := decode(raw)
		if err != nil {
			return nil, err
		}
		if now.After(rec.ExpiresAt) {
			swapped, err := s.kv.CompareAndSwap(ctx, keyPrefix+key, raw, string(claim))
			if err != nil {
				return nil, err
			}
			if swapped {
				return nil, nil
			}
			continue
		}
		if rec.RequestHash != "" && rec.RequestHash != requestHash {
			return nil, ErrKeyReused
		}
		if rec.InProgress {
			return nil, ErrInProgress
		}
		return &rec, nil
	}
	return nil, ErrInProgress
}

// Release drops a claim whose request never reached the ledger, so a retry
// under the same key runs again.
func (s *Store) Release(ctx context.Context, key string) error {
	return s.kv.Remove(ctx, keyPrefix+key)
}

// Save replaces the claim on key with the final record.
func (s *Store) Save(ctx context.Context, key string, record Record) error {
	record.InProgress = false
	blob, err := json.Marshal(record)
	if err != nil {
		return err
	}
	return s.kv.Set(ctx, keyPrefix+key, string(blob))
}

func decode(raw string) (Record, error) {
	var rec Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return Record{}, fmt.Errorf("decode idempotency record: %w", err)
	}
	return rec, nil
}
