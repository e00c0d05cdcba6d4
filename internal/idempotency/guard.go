// Package idempotency makes retried requests safe: the first request with a
// key claims it, concurrent duplicates are told the work is in progress, and
// later duplicates receive the first response verbatim.
//
// A key is only unique within its scope, and it stays bound to the request
// that first used it: a different request under the same key is refused.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/atmx/challenge-engine/internal/metrics"
)

var (
	// ErrMissingKey is returned for an empty idempotency key.
	ErrMissingKey = errors.New("idempotency: key required")

	// ErrKeyTooLong is returned for keys longer than MaxKeyLength.
	ErrKeyTooLong = errors.New("idempotency: key too long")

	// ErrKeyReused is returned when a key already stands for a different
	// request in the same scope.
	ErrKeyReused = errors.New("idempotency: key reused with a different request")
)

// MaxKeyLength bounds client-supplied keys.
const MaxKeyLength = 255

// Outcome is the guard's decision for a key.
type Outcome int

const (
	// OutcomeProceed means the caller claimed the key and must do the work,
	// then call Complete or Release.
	OutcomeProceed Outcome = iota
	// OutcomeInProgress means another request holds the key.
	OutcomeInProgress
	// OutcomeCompleted means a cached response exists and must be replayed.
	OutcomeCompleted
)

func (o Outcome) String() string {
	switch o {
	case OutcomeProceed:
		return "proceed"
	case OutcomeInProgress:
		return "in_progress"
	case OutcomeCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

const (
	stateInProgress = "in_progress"
	stateCompleted  = "completed"
)

// Claim names one guarded request. Key is the client's key, Scope the
// namespace it is unique within (a challenge id, an account) and
// Fingerprint a digest of the request the key was issued for.
type Claim struct {
	Scope       string
	Key         string
	Fingerprint string
}

// Fingerprint digests the request fields that make two requests the same.
func Fingerprint(fields ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(fields, "\x1f")))
	return hex.EncodeToString(sum[:])
}

// Response is a cached outcome of the guarded work.
type Response struct {
	State       string          `json:"state"`
	Fingerprint string          `json:"fingerprint,omitempty"`
	StatusCode  int             `json:"status_code,omitempty"`
	Body        json.RawMessage `json:"body,omitempty"`
	StoredAt    time.Time       `json:"stored_at"`
}

// matches reports whether the stored entry was written for the same
// request. Entries without a fingerprint match anything.
func (r Response) matches(fingerprint string) bool {
	return r.Fingerprint == "" || fingerprint == "" || r.Fingerprint == fingerprint
}

// Guard deduplicates work by key over a KV.
type Guard struct {
	kv            KV
	prefix        string
	inProgressTTL time.Duration
	completedTTL  time.Duration
}

// NewGuard creates a guard. Keys are namespaced by prefix. The in-progress
// TTL bounds how long a crashed request can block retries; the completed TTL
// bounds how long responses are replayed.
func NewGuard(kv KV, prefix string, inProgressTTL, completedTTL time.Duration) *Guard {
	if inProgressTTL <= 0 {
		inProgressTTL = 30 * time.Second
	}
	if completedTTL <= 0 {
		completedTTL = 24 * time.Hour
	}
	return &Guard{kv: kv, prefix: prefix, inProgressTTL: inProgressTTL, completedTTL: completedTTL}
}

// key validates the client key and builds the storage key. Only the client
// key counts against MaxKeyLength.
func (g *Guard) key(c Claim) (string, error) {
	if c.Key == "" {
		return "", ErrMissingKey
	}
	if len(c.Key) > MaxKeyLength {
		return "", ErrKeyTooLong
	}
	if c.Scope == "" {
		return g.prefix + c.Key, nil
	}
	return g.prefix + c.Scope + ":" + c.Key, nil
}

// Begin claims c or reports why it cannot. The returned Response is set
// only for OutcomeCompleted. A key already held for a different fingerprint
// fails with ErrKeyReused, whether that request is running or finished.
func (g *Guard) Begin(ctx context.Context, c Claim) (Outcome, *Response, error) {
	k, err := g.key(c)
	if err != nil {
		return 0, nil, err
	}
	key := c.Key

	marker, err := json.Marshal(Response{State: stateInProgress, Fingerprint: c.Fingerprint, StoredAt: time.Now().UTC()})
	if err != nil {
		return 0, nil, err
	}

	// Two rounds: the entry may expire between a failed claim and the read.
	for attempt := 0; attempt < 2; attempt++ {
		claimed, err := g.kv.SetNX(ctx, k, marker, g.inProgressTTL)
		if err != nil {
			return 0, nil, fmt.Errorf("claim %s: %w", key, err)
		}
		if claimed {
			metrics.IdempotencyOutcomes.WithLabelValues(OutcomeProceed.String()).Inc()
			return OutcomeProceed, nil, nil
		}

		data, ok, err := g.kv.Get(ctx, k)
		if err != nil {
			return 0, nil, fmt.Errorf("read %s: %w", key, err)
		}
		if !ok {
			continue
		}

		var resp Response
		if err := json.Unmarshal(data, &resp); err != nil {
			metrics.IdempotencyOutcomes.WithLabelValues(OutcomeInProgress.String()).Inc()
			return OutcomeInProgress, nil, nil
		}
		if !resp.matches(c.Fingerprint) {
			metrics.IdempotencyOutcomes.WithLabelValues("reused").Inc()
			return 0, nil, fmt.Errorf("%s: %w", key, ErrKeyReused)
		}
		if resp.State != stateCompleted {
			metrics.IdempotencyOutcomes.WithLabelValues(OutcomeInProgress.String()).Inc()
			return OutcomeInProgress, nil, nil
		}
		metrics.IdempotencyOutcomes.WithLabelValues(OutcomeCompleted.String()).Inc()
		return OutcomeCompleted, &resp, nil
	}

	metrics.IdempotencyOutcomes.WithLabelValues(OutcomeInProgress.String()).Inc()
	return OutcomeInProgress, nil, nil
}

// Complete stores the response for c so later duplicates replay it.
func (g *Guard) Complete(ctx context.Context, c Claim, statusCode int, body []byte) error {
	k, err := g.key(c)
	if err != nil {
		return err
	}
	data, err := json.Marshal(Response{
		State:       stateCompleted,
		Fingerprint: c.Fingerprint,
		StatusCode:  statusCode,
		Body:        json.RawMessage(body),
		StoredAt:    time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	return g.kv.Set(ctx, k, data, g.completedTTL)
}

// Release drops the claim on c so a retry can run. Used when the work
// failed without effect.
func (g *Guard) Release(ctx context.Context, c Claim) error {
	k, err := g.key(c)
	if err != nil {
		return err
	}
	return g.kv.Del(ctx, k)
}
