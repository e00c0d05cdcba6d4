package idempotency

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGuard_FirstRequestProceeds(t *testing.T) {
	g := NewGuard(NewMemoryKV(), "idem:", time.Minute, time.Hour)

	out, resp, err := g.Begin(context.Background(), Claim{Key: "k1"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeProceed, out)
	assert.Nil(t, resp)
}

func TestGuard_DuplicateWhileInProgress(t *testing.T) {
	ctx := context.Background()
	g := NewGuard(NewMemoryKV(), "idem:", time.Minute, time.Hour)

	out, _, err := g.Begin(ctx, Claim{Key: "k1"})
	require.NoError(t, err)
	require.Equal(t, OutcomeProceed, out)

	out, resp, err := g.Begin(ctx, Claim{Key: "k1"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeInProgress, out)
	assert.Nil(t, resp)
}

func TestGuard_ReplaysCompletedResponse(t *testing.T) {
	ctx := context.Background()
	g := NewGuard(NewMemoryKV(), "idem:", time.Minute, time.Hour)

	_, _, err := g.Begin(ctx, Claim{Key: "k1"})
	require.NoError(t, err)
	require.NoError(t, g.Complete(ctx, Claim{Key: "k1"}, 201, []byte(`{"trade_id":"t-1"}`)))

	out, resp, err := g.Begin(ctx, Claim{Key: "k1"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, out)
	require.NotNil(t, resp)
	assert.Equal(t, 201, resp.StatusCode)
	assert.JSONEq(t, `{"trade_id":"t-1"}`, string(resp.Body))
}

func TestGuard_ReleaseAllowsRetry(t *testing.T) {
	ctx := context.Background()
	g := NewGuard(NewMemoryKV(), "idem:", time.Minute, time.Hour)

	_, _, err := g.Begin(ctx, Claim{Key: "k1"})
	require.NoError(t, err)
	require.NoError(t, g.Release(ctx, Claim{Key: "k1"}))

	out, _, err := g.Begin(ctx, Claim{Key: "k1"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeProceed, out)
}

func TestGuard_InProgressClaimExpires(t *testing.T) {
	ctx := context.Background()
	kv := NewMemoryKV()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	kv.SetClock(func() time.Time { return now })
	g := NewGuard(kv, "idem:", 30*time.Second, time.Hour)

	_, _, err := g.Begin(ctx, Claim{Key: "k1"})
	require.NoError(t, err)

	now = now.Add(31 * time.Second)
	out, _, err := g.Begin(ctx, Claim{Key: "k1"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeProceed, out)
}

func TestGuard_KeysArePrefixed(t *testing.T) {
	ctx := context.Background()
	kv := NewMemoryKV()
	trades := NewGuard(kv, "trade:", time.Minute, time.Hour)
	hooks := NewGuard(kv, "webhook:", time.Minute, time.Hour)

	_, _, err := trades.Begin(ctx, Claim{Key: "same"})
	require.NoError(t, err)

	out, _, err := hooks.Begin(ctx, Claim{Key: "same"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeProceed, out)

	_, ok, err := kv.Get(ctx, "trade:same")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestGuard_KeyValidation(t *testing.T) {
	ctx := context.Background()
	g := NewGuard(NewMemoryKV(), "idem:", time.Minute, time.Hour)

	_, _, err := g.Begin(ctx, Claim{Key: ""})
	assert.ErrorIs(t, err, ErrMissingKey)

	_, _, err = g.Begin(ctx, Claim{Key: strings.Repeat("x", MaxKeyLength+1)})
	assert.ErrorIs(t, err, ErrKeyTooLong)
}

func TestGuard_ConcurrentClaimsOnlyOneProceeds(t *testing.T) {
	ctx := context.Background()
	g := NewGuard(NewMemoryKV(), "idem:", time.Minute, time.Hour)

	const n = 50
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		proceeds int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, _, err := g.Begin(ctx, Claim{Key: "race"})
			if err != nil {
				return
			}
			if out == OutcomeProceed {
				mu.Lock()
				proceeds++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, proceeds)
}

func TestGuard_KeysAreScoped(t *testing.T) {
	ctx := context.Background()
	kv := NewMemoryKV()
	g := NewGuard(kv, "idem:", time.Minute, time.Hour)

	out, _, err := g.Begin(ctx, Claim{Scope: "c1", Key: "k1"})
	require.NoError(t, err)
	require.Equal(t, OutcomeProceed, out)

	out, _, err = g.Begin(ctx, Claim{Scope: "c2", Key: "k1"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeProceed, out, "the same key in another scope is a different request")

	_, ok, err := kv.Get(ctx, "idem:c1:k1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestGuard_ScopeDoesNotCountTowardKeyLength(t *testing.T) {
	g := NewGuard(NewMemoryKV(), "idem:", time.Minute, time.Hour)

	out, _, err := g.Begin(context.Background(), Claim{
		Scope: strings.Repeat("s", 64),
		Key:   strings.Repeat("k", MaxKeyLength),
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeProceed, out)
}

func TestGuard_RejectsKeyReusedForDifferentRequest(t *testing.T) {
	ctx := context.Background()
	g := NewGuard(NewMemoryKV(), "idem:", time.Minute, time.Hour)
	first := Claim{Scope: "c1", Key: "k1", Fingerprint: Fingerprint("buy", "100")}
	other := Claim{Scope: "c1", Key: "k1", Fingerprint: Fingerprint("buy", "5000")}

	_, _, err := g.Begin(ctx, first)
	require.NoError(t, err)

	_, _, err = g.Begin(ctx, other)
	assert.ErrorIs(t, err, ErrKeyReused, "while the first request runs")

	require.NoError(t, g.Complete(ctx, first, 200, []byte(`{"trade_id":"t-1"}`)))

	_, resp, err := g.Begin(ctx, other)
	assert.ErrorIs(t, err, ErrKeyReused, "after the first request finished")
	assert.Nil(t, resp)

	out, resp, err := g.Begin(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, out)
	require.NotNil(t, resp)
	assert.Equal(t, first.Fingerprint, resp.Fingerprint)
}

func TestFingerprint(t *testing.T) {
	assert.Equal(t, Fingerprint("a", "b"), Fingerprint("a", "b"))
	assert.NotEqual(t, Fingerprint("a", "b"), Fingerprint("a", "c"))
	assert.NotEqual(t, Fingerprint("ab", "c"), Fingerprint("a", "bc"), "field boundaries are part of the digest")
	assert.Len(t, Fingerprint(), 64)
}

type failingKV struct{ MemoryKV }

func (*failingKV) SetNX(context.Context, string, []byte, time.Duration) (bool, error) {
	return false, errors.New("connection refused")
}

func TestGuard_StoreErrorFailsClosed(t *testing.T) {
	g := NewGuard(&failingKV{}, "idem:", time.Minute, time.Hour)

	_, _, err := g.Begin(context.Background(), Claim{Key: "k1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
}
