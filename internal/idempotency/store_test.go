package idempotency

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"craftnexus/internal/kvstore"
)

func TestStoreReplaysRecord(t *testing.T) {
	store := NewStore(kvstore.NewMemoryStore())
	ctx := context.Background()
	hash := Fingerprint("payments", []byte(`{"amount":"1"}`))

	rec, err := store.Reserve(ctx, "abc", hash, time.Minute)
	require.NoError(t, err)
	require.Nil(t, rec)

	require.NoError(t, store.Save(ctx, "abc", Record{
		StatusCode:  201,
		Response:    []byte("ok"),
		RequestHash: hash,
		CreatedAt:   time.Now(),
		ExpiresAt:   time.Now().Add(time.Minute),
	}))

	got, err := store.Reserve(ctx, "abc", hash, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.False(t, got.InProgress)
	require.Equal(t, "ok", string(got.Response))
}

func TestStoreRejectsDuplicateWhileInProgress(t *testing.T) {
	store := NewStore(kvstore.NewMemoryStore())
	ctx := context.Background()
	hash := Fingerprint("payments", []byte("a"))

	rec, err := store.Reserve(ctx, "k", hash, time.Minute)
	require.NoError(t, err)
	require.Nil(t, rec)

	_, err = store.Reserve(ctx, "k", hash, time.Minute)
	require.ErrorIs(t, err, ErrInProgress)

	_, err = store.Reserve(ctx, "k", Fingerprint("payments", []byte("b")), time.Minute)
	require.ErrorIs(t, err, ErrKeyReused)
}

func TestStoreConcurrentReserveHasOneOwner(t *testing.T) {
	store := NewStore(kvstore.NewMemoryStore())
	ctx := context.Background()
	hash := Fingerprint("payments", []byte("a"))

	var (
		wg         sync.WaitGroup
		mu         sync.Mutex
		owners     int
		inProgress int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec, err := store.Reserve(ctx, "k", hash, time.Minute)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil && rec == nil:
				owners++
			case err == ErrInProgress:
				inProgress++
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 1, owners)
	require.Equal(t, 15, inProgress)
}

func TestStoreReleaseLetsRetryRun(t *testing.T) {
	store := NewStore(kvstore.NewMemoryStore())
	ctx := context.Background()
	hash := Fingerprint("payments", []byte("a"))

	_, err := store.Reserve(ctx, "k", hash, time.Minute)
	require.NoError(t, err)
	require.NoError(t, store.Release(ctx, "k"))

	rec, err := store.Reserve(ctx, "k", hash, time.Minute)
	require.NoError(t, err)
	require.Nil(t, rec)
}

func TestStoreDetectsKeyReuse(t *testing.T) {
	store := NewStore(kvstore.NewMemoryStore())
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, "k", Record{
		StatusCode:  201,
		RequestHash: Fingerprint("payments", []byte("a")),
		ExpiresAt:   time.Now().Add(time.Minute),
	}))

	_, err := store.Reserve(ctx, "k", Fingerprint("payments", []byte("b")), time.Minute)
	require.ErrorIs(t, err, ErrKeyReused)

	_, err = store.Reserve(ctx, "k", Fingerprint("escrows", []byte("a")), time.Minute)
	require.ErrorIs(t, err, ErrKeyReused)
}

func TestStoreTakesOverExpiredRecords(t *testing.T) {
	kv := kvstore.NewMemoryStore()
	store := NewStore(kv)
	now := time.Unix(1_700_000_000, 0)
	store.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, "old", Record{StatusCode: 201, RequestHash: "other", ExpiresAt: now.Add(-time.Second)}))

	rec, err := store.Reserve(ctx, "old", "fresh", time.Minute)
	require.NoError(t, err)
	require.Nil(t, rec)

	raw, ok, _ := kv.Get(ctx, keyPrefix+"old")
	require.True(t, ok)
	claim, err := decode(raw)
	require.NoError(t, err)
	require.True(t, claim.InProgress)
	require.Equal(t, "fresh", claim.RequestHash)
	require.Equal(t, now.Add(time.Minute), claim.ExpiresAt)
}

func TestStoreOverFileBackend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "idem.json")
	kv, err := kvstore.NewFileStore(path)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, NewStore(kv).Save(ctx, "key", Record{
		StatusCode: 201,
		Response:   []byte("resp"),
		CreatedAt:  time.Unix(0, 0),
		ExpiresAt:  time.Now().Add(time.Hour),
	}))

	reopened, err := kvstore.NewFileStore(path)
	require.NoError(t, err)
	got, err := NewStore(reopened).Reserve(ctx, "key", "", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "resp", string(got.Response))
}
