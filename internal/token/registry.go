// Package token implements the pairing token registry. Tokens are
// short-lived bearer credentials both peers present to the broker to
// find each other. The registry is process-wide mutable state; pairing
// is ephemeral and nothing here is persisted.
package token

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/coinstash/pairlink/internal/logging"
	"github.com/coinstash/pairlink/internal/metrics"
)

const (
	// idSize is the size of a token's grouping id in bytes.
	idSize = 16

	// secretSize is the size of a token's bearer secret in bytes.
	secretSize = 32
)

var (
	// ErrNotFound is returned when a secret is unknown or expired.
	ErrNotFound = errors.New("token not found")

	// ErrCapacity is returned when the admission check refuses issuance.
	ErrCapacity = errors.New("capacity exceeded")

	// ErrRateLimited is returned when token issuance is being throttled.
	ErrRateLimited = errors.New("token issuance rate limited")
)

// Token is a pairing token. ID is the broker-internal grouping key;
// Secret is the bearer string presented by both peers over the wire.
type Token struct {
	ID        string
	Secret    string
	CreatedAt time.Time
	ExpiresAt time.Time
	Paired    bool
}

// RegistryConfig configures a token registry.
type RegistryConfig struct {
	// TTL is how long an unpaired token stays valid.
	TTL time.Duration

	// SweepInterval is how often expired unpaired tokens are deleted.
	SweepInterval time.Duration

	// IssueRate caps token issuance (tokens per second). Zero disables
	// rate limiting.
	IssueRate float64

	// IssueBurst is the burst allowance for the issue limiter.
	IssueBurst int

	// Admission, if set, is consulted before issuance. Returning false
	// refuses the token with ErrCapacity. The broker wires its group
	// ceiling check here.
	Admission func() bool

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// DefaultRegistryConfig returns sensible defaults.
func DefaultRegistryConfig() RegistryConfig {
	return RegistryConfig{
		TTL:           15 * time.Minute,
		SweepInterval: 60 * time.Second,
		IssueRate:     5,
		IssueBurst:    10,
	}
}

// Registry issues and validates pairing tokens.
type Registry struct {
	cfg     RegistryConfig
	logger  *slog.Logger
	metrics *metrics.Metrics
	limiter *rate.Limiter
	now     func() time.Time

	mu     sync.Mutex
	tokens map[string]*Token // keyed by secret
	byID   map[string]string // token id -> secret

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewRegistry creates a token registry. Call Start to run the sweep.
func NewRegistry(cfg RegistryConfig) *Registry {
	if cfg.TTL <= 0 {
		cfg.TTL = 15 * time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 60 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.Default()
	}

	var limiter *rate.Limiter
	if cfg.IssueRate > 0 {
		burst := cfg.IssueBurst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.IssueRate), burst)
	}

	return &Registry{
		cfg:     cfg,
		logger:  logger.With(logging.KeyComponent, "token"),
		metrics: m,
		limiter: limiter,
		now:     time.Now,
		tokens:  make(map[string]*Token),
		byID:    make(map[string]string),
		stopCh:  make(chan struct{}),
	}
}

// Start runs the background sweep until Stop is called.
func (r *Registry) Start() {
	go r.sweepLoop()
}

// Stop halts the background sweep. Safe to call multiple times.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopCh)
	})
}

// Issue generates a new pairing token with a cryptographically random
// bearer secret and a distinct grouping id.
func (r *Registry) Issue() (*Token, error) {
	if r.cfg.Admission != nil && !r.cfg.Admission() {
		return nil, ErrCapacity
	}
	if r.limiter != nil && !r.limiter.Allow() {
		return nil, ErrRateLimited
	}

	id, err := randomHex(idSize)
	if err != nil {
		return nil, fmt.Errorf("generate token id: %w", err)
	}
	secret, err := randomHex(secretSize)
	if err != nil {
		return nil, fmt.Errorf("generate token secret: %w", err)
	}

	now := r.now()
	tok := &Token{
		ID:        id,
		Secret:    secret,
		CreatedAt: now,
		ExpiresAt: now.Add(r.cfg.TTL),
	}

	r.mu.Lock()
	r.tokens[secret] = tok
	r.byID[id] = secret
	r.mu.Unlock()

	r.logger.Debug("token issued", logging.KeyTokenID, id, "expires_at", tok.ExpiresAt)

	copied := *tok
	return &copied, nil
}

// Validate looks up a token by its bearer secret. Expired unpaired
// tokens are deleted on lookup and reported as ErrNotFound; expiry is
// enforced lazily here in addition to the periodic sweep. A paired
// token stays valid past its original TTL because its lifetime is
// governed by the connection group's heartbeat, which lets a peer
// re-present the token after a transient drop.
func (r *Registry) Validate(secret string) (*Token, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	tok, ok := r.tokens[secret]
	if !ok {
		return nil, ErrNotFound
	}
	if !tok.Paired && r.now().After(tok.ExpiresAt) {
		r.removeLocked(tok)
		r.metrics.TokensExpired.Inc()
		return nil, ErrNotFound
	}

	copied := *tok
	return &copied, nil
}

// MarkPaired flips the paired flag once both roles are connected.
// Idempotent; a paired token is exempt from the expiry sweep because
// its lifetime is governed by the connection group's heartbeat.
func (r *Registry) MarkPaired(secret string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	tok, ok := r.tokens[secret]
	if !ok {
		return ErrNotFound
	}
	tok.Paired = true
	return nil
}

// Release deletes the registry entry for a token id. The broker calls
// this when the token's connection group is destroyed, so paired-token
// entries do not accumulate for the process lifetime.
func (r *Registry) Release(tokenID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	secret, ok := r.byID[tokenID]
	if !ok {
		return
	}
	if tok, ok := r.tokens[secret]; ok {
		r.removeLocked(tok)
	}
}

// Len returns the number of live registry entries.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tokens)
}

// sweepLoop periodically deletes expired unpaired tokens.
func (r *Registry) sweepLoop() {
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := r.Sweep(); n > 0 {
				r.logger.Debug("expired tokens swept", logging.KeyCount, n)
			}
		case <-r.stopCh:
			return
		}
	}
}

// Sweep deletes every expired unpaired token and returns how many were
// removed. Paired tokens are intentionally excluded; they are released
// when their connection group dies.
func (r *Registry) Sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	removed := 0
	for _, tok := range r.tokens {
		if !tok.Paired && now.After(tok.ExpiresAt) {
			r.removeLocked(tok)
			removed++
		}
	}
	if removed > 0 {
		r.metrics.TokensExpired.Add(float64(removed))
	}
	return removed
}

// removeLocked deletes a token from both indexes. Caller holds r.mu.
func (r *Registry) removeLocked(tok *Token) {
	delete(r.tokens, tok.Secret)
	delete(r.byID, tok.ID)
}

// randomHex returns n random bytes hex encoded.
func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
