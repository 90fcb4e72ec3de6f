package credit

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pdiddy/thesis-engine/pkg/types"
)

func testConfig(tmpDir string) types.CreditConfig {
	return types.CreditConfig{
		LedgerPath:     filepath.Join(tmpDir, "credits.yaml"),
		GuestAllowance: 5,
		HistoryLimit:   4,
		StageCost:      1,
	}
}

func TestGuestPoolIsSessionScoped(t *testing.T) {
	cfg := testConfig(t.TempDir())

	g, err := NewGate(cfg, "", io.Discard)
	require.NoError(t, err)
	defer g.Close()

	assert.Equal(t, 5, g.Balance())
	assert.True(t, g.CanPerform(5))
	assert.False(t, g.CanPerform(6))

	require.NoError(t, g.Debit("extract-stage-1", 2))
	assert.Equal(t, 3, g.Balance())

	// Guest debits must not touch the persisted ledger.
	g2, err := NewGate(cfg, "", io.Discard)
	require.NoError(t, err)
	defer g2.Close()
	assert.Equal(t, 5, g2.Balance())
}

func TestAuthenticatedBalancePersists(t *testing.T) {
	cfg := testConfig(t.TempDir())

	g, err := NewGate(cfg, "user-1", io.Discard)
	require.NoError(t, err)
	g.SetBalance(20)
	require.NoError(t, g.Debit("extract-stage-1", 3))
	assert.Equal(t, 17, g.Balance())
	require.NoError(t, g.Close())

	// Reopening reads the persisted balance and history.
	g2, err := NewGate(cfg, "user-1", io.Discard)
	require.NoError(t, err)
	defer g2.Close()
	assert.Equal(t, 17, g2.Balance())
	require.Len(t, g2.History(), 1)
	assert.Equal(t, "extract-stage-1", g2.History()[0].Action)
	assert.True(t, g2.History()[0].Success)
}

func TestLedgerOwnershipMismatch(t *testing.T) {
	cfg := testConfig(t.TempDir())

	g, err := NewGate(cfg, "user-1", io.Discard)
	require.NoError(t, err)
	g.SetBalance(1)
	require.NoError(t, g.Close())

	_, err = NewGate(cfg, "user-2", io.Discard)
	assert.ErrorContains(t, err, "belongs to user")
}

func TestInsufficientDebitRecordedAsFailed(t *testing.T) {
	cfg := testConfig(t.TempDir())

	g, err := NewGate(cfg, "", io.Discard)
	require.NoError(t, err)
	defer g.Close()

	err = g.Debit("extract-stage-1", 10)
	require.Error(t, err)

	// Pool untouched, attempt recorded.
	assert.Equal(t, 5, g.Balance())
	history := g.History()
	require.Len(t, history, 1)
	assert.False(t, history[0].Success)
}

func TestHistoryCap(t *testing.T) {
	cfg := testConfig(t.TempDir())
	cfg.GuestAllowance = 100

	g, err := NewGate(cfg, "", io.Discard)
	require.NoError(t, err)
	defer g.Close()

	for i := 0; i < 10; i++ {
		require.NoError(t, g.Debit("extract-stage-1", 1))
	}

	history := g.History()
	assert.Len(t, history, 4) // HistoryLimit
}

func TestDebitPushesToRemoteLedger(t *testing.T) {
	var (
		mu     sync.Mutex
		bodies []string
	)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, r.URL.Path+" "+string(data))
		mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	}))
	defer ts.Close()

	cfg := testConfig(t.TempDir())
	cfg.LedgerURL = ts.URL

	g, err := NewGate(cfg, "user-1", io.Discard)
	require.NoError(t, err)
	g.SetBalance(10)
	require.NoError(t, g.Debit("extract-stage-2", 1))

	// Close drains the reconcile queue before returning.
	require.NoError(t, g.Close())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, bodies, 1)
	assert.Contains(t, bodies[0], "/debits")
	assert.Contains(t, bodies[0], `"action":"extract-stage-2"`)
	assert.Contains(t, bodies[0], `"user_id":"user-1"`)
}

func TestReconcileFailureDoesNotRollBack(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	cfg := testConfig(t.TempDir())
	cfg.LedgerURL = ts.URL

	g, err := NewGate(cfg, "user-1", io.Discard)
	require.NoError(t, err)
	g.SetBalance(10)
	require.NoError(t, g.Debit("extract-stage-1", 4))
	require.NoError(t, g.Close())

	assert.Equal(t, 6, g.Balance())
}

func TestSyncAdoptsRemoteBalance(t *testing.T) {
	tests := []struct {
		name string
		body string
		want int
	}{
		{name: "plain credits", body: `{"credits": 42}`, want: 42},
		{name: "versioned key", body: `{"credit_balance": 7}`, want: 7},
		{name: "nested data", body: `{"data": {"remaining_credits": 3}}`, want: 3},
		{name: "string number", body: `{"balance": "11"}`, want: 11},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				io.WriteString(w, tt.body)
			}))
			defer ts.Close()

			cfg := testConfig(t.TempDir())
			cfg.LedgerURL = ts.URL

			g, err := NewGate(cfg, "user-1", io.Discard)
			require.NoError(t, err)
			defer g.Close()

			require.NoError(t, g.Sync(context.Background()))
			assert.Equal(t, tt.want, g.Balance())
		})
	}
}

func TestNormalizeBalanceRejectsUnknownShapes(t *testing.T) {
	_, err := normalizeBalance([]byte(`{"quota": 5}`))
	assert.ErrorContains(t, err, "no balance field")

	_, err = normalizeBalance([]byte(`[1,2,3]`))
	assert.ErrorContains(t, err, "not a JSON object")

	_, err = normalizeBalance([]byte(`{"credits": "lots"}`))
	assert.ErrorContains(t, err, "non-numeric")
}
