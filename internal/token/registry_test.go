package token

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/coinstash/pairlink/internal/metrics"
)

// testRegistry returns a registry with a controllable clock and no rate
// limiting.
func testRegistry(cfg RegistryConfig) (*Registry, *time.Time) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	r := NewRegistry(cfg)
	r.now = func() time.Time { return now }
	return r, &now
}

func TestIssue(t *testing.T) {
	r, _ := testRegistry(RegistryConfig{TTL: 15 * time.Minute})

	tok, err := r.Issue()
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	if tok.ID == "" || tok.Secret == "" {
		t.Error("Issue() returned empty id or secret")
	}
	if tok.Paired {
		t.Error("freshly issued token is paired")
	}
	if got := tok.ExpiresAt.Sub(tok.CreatedAt); got != 15*time.Minute {
		t.Errorf("token lifetime = %v, want 15m", got)
	}

	other, err := r.Issue()
	if err != nil {
		t.Fatalf("Issue() second error = %v", err)
	}
	if other.Secret == tok.Secret {
		t.Error("two issued tokens share a secret")
	}
	if other.ID == tok.ID {
		t.Error("two issued tokens share an id")
	}
}

func TestValidate(t *testing.T) {
	r, _ := testRegistry(RegistryConfig{TTL: 15 * time.Minute})

	tok, err := r.Issue()
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	got, err := r.Validate(tok.Secret)
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if got.ID != tok.ID {
		t.Errorf("Validate() id = %q, want %q", got.ID, tok.ID)
	}

	if _, err := r.Validate("no-such-secret"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Validate(unknown) error = %v, want ErrNotFound", err)
	}
}

func TestValidateExpiryBoundary(t *testing.T) {
	r, now := testRegistry(RegistryConfig{TTL: 15 * time.Minute})

	tok, err := r.Issue()
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	// Exactly at the expiry instant the token is still valid.
	*now = tok.ExpiresAt
	if _, err := r.Validate(tok.Secret); err != nil {
		t.Errorf("Validate() at expiry error = %v, want nil", err)
	}

	// One instant past, it is gone and deleted lazily.
	*now = tok.ExpiresAt.Add(time.Millisecond)
	if _, err := r.Validate(tok.Secret); !errors.Is(err, ErrNotFound) {
		t.Errorf("Validate() past expiry error = %v, want ErrNotFound", err)
	}
	if r.Len() != 0 {
		t.Errorf("Len() = %d after lazy expiry, want 0", r.Len())
	}
}

func TestPairedTokenOutlivesTTL(t *testing.T) {
	r, now := testRegistry(RegistryConfig{TTL: 15 * time.Minute})

	tok, err := r.Issue()
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	if err := r.MarkPaired(tok.Secret); err != nil {
		t.Fatalf("MarkPaired() error = %v", err)
	}

	// A paired token's lifetime is governed by its connection group,
	// so validation succeeds well past the TTL. This is what lets a
	// dropped peer re-present its token while the counterpart waits.
	*now = tok.ExpiresAt.Add(time.Hour)
	got, err := r.Validate(tok.Secret)
	if err != nil {
		t.Fatalf("Validate() paired past TTL error = %v", err)
	}
	if !got.Paired {
		t.Error("Validate() paired = false, want true")
	}
}

func TestMarkPaired(t *testing.T) {
	r, _ := testRegistry(RegistryConfig{TTL: 15 * time.Minute})

	tok, err := r.Issue()
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	if err := r.MarkPaired(tok.Secret); err != nil {
		t.Fatalf("MarkPaired() error = %v", err)
	}
	// Idempotent.
	if err := r.MarkPaired(tok.Secret); err != nil {
		t.Fatalf("MarkPaired() second call error = %v", err)
	}

	if err := r.MarkPaired("no-such-secret"); !errors.Is(err, ErrNotFound) {
		t.Errorf("MarkPaired(unknown) error = %v, want ErrNotFound", err)
	}
}

func TestRelease(t *testing.T) {
	r, _ := testRegistry(RegistryConfig{TTL: 15 * time.Minute})

	tok, err := r.Issue()
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	if err := r.MarkPaired(tok.Secret); err != nil {
		t.Fatalf("MarkPaired() error = %v", err)
	}

	r.Release(tok.ID)
	if _, err := r.Validate(tok.Secret); !errors.Is(err, ErrNotFound) {
		t.Errorf("Validate() after Release error = %v, want ErrNotFound", err)
	}
	if r.Len() != 0 {
		t.Errorf("Len() = %d after Release, want 0", r.Len())
	}

	// Unknown id is a no-op.
	r.Release("no-such-id")
}

func TestSweep(t *testing.T) {
	r, now := testRegistry(RegistryConfig{TTL: 15 * time.Minute})

	expired, err := r.Issue()
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	paired, err := r.Issue()
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	if err := r.MarkPaired(paired.Secret); err != nil {
		t.Fatalf("MarkPaired() error = %v", err)
	}

	*now = expired.ExpiresAt.Add(time.Second)
	if removed := r.Sweep(); removed != 1 {
		t.Errorf("Sweep() = %d, want 1", removed)
	}

	// Paired token survives the sweep.
	if _, err := r.Validate(paired.Secret); err != nil {
		t.Errorf("Validate(paired) after sweep error = %v", err)
	}
	if _, err := r.Validate(expired.Secret); !errors.Is(err, ErrNotFound) {
		t.Errorf("Validate(expired) after sweep error = %v, want ErrNotFound", err)
	}
}

func TestIssueRateLimit(t *testing.T) {
	r := NewRegistry(RegistryConfig{
		TTL:        15 * time.Minute,
		IssueRate:  1,
		IssueBurst: 2,
	})

	if _, err := r.Issue(); err != nil {
		t.Fatalf("Issue() 1 error = %v", err)
	}
	if _, err := r.Issue(); err != nil {
		t.Fatalf("Issue() 2 error = %v", err)
	}
	if _, err := r.Issue(); !errors.Is(err, ErrRateLimited) {
		t.Errorf("Issue() past burst error = %v, want ErrRateLimited", err)
	}
}

func TestIssueAdmission(t *testing.T) {
	admit := true
	r, _ := testRegistry(RegistryConfig{
		TTL:       15 * time.Minute,
		Admission: func() bool { return admit },
	})

	if _, err := r.Issue(); err != nil {
		t.Fatalf("Issue() admitted error = %v", err)
	}

	admit = false
	if _, err := r.Issue(); !errors.Is(err, ErrCapacity) {
		t.Errorf("Issue() refused error = %v, want ErrCapacity", err)
	}
}

func TestExpiryMetric(t *testing.T) {
	m := metrics.NewMetricsWithRegistry(prometheus.NewRegistry())
	r, now := testRegistry(RegistryConfig{TTL: 15 * time.Minute, Metrics: m})

	lazy, err := r.Issue()
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	if _, err := r.Issue(); err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	*now = lazy.ExpiresAt.Add(time.Second)
	if _, err := r.Validate(lazy.Secret); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Validate() past expiry error = %v, want ErrNotFound", err)
	}
	if got := testutil.ToFloat64(m.TokensExpired); got != 1 {
		t.Errorf("TokensExpired after lazy expiry = %v, want 1", got)
	}

	if removed := r.Sweep(); removed != 1 {
		t.Fatalf("Sweep() = %d, want 1", removed)
	}
	if got := testutil.ToFloat64(m.TokensExpired); got != 2 {
		t.Errorf("TokensExpired after sweep = %v, want 2", got)
	}

	// Release is not an expiry; the counter stays put.
	tok, err := r.Issue()
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	r.Release(tok.ID)
	if got := testutil.ToFloat64(m.TokensExpired); got != 2 {
		t.Errorf("TokensExpired after Release = %v, want 2", got)
	}
}

func TestStopIdempotent(t *testing.T) {
	r, _ := testRegistry(RegistryConfig{TTL: time.Minute, SweepInterval: time.Millisecond})
	r.Start()
	r.Stop()
	r.Stop()
}
