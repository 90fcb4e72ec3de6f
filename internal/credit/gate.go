// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package credit gates AI-driven actions behind a consumable quota.
// The local ledger is authoritative for gating decisions; the remote
// ledger is authoritative for billing and is reconciled out-of-band.
// Implements: prd008-credits (R1-R4).
package credit

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.yaml.in/yaml/v3"

	"github.com/pdiddy/thesis-engine/pkg/types"
)

const (
	defaultGuestAllowance = 10
	defaultHistoryLimit   = 50
	defaultStageCost      = 1
)

// DebitRecord is one immutable entry in the debit history.
type DebitRecord struct {
	// Action names the debited operation (e.g. "extract-stage-1").
	Action string `json:"action" yaml:"action"`

	// Cost is the number of credits the action charged.
	Cost int `json:"cost" yaml:"cost"`

	// Success records whether the debit was applied (false when the
	// balance was insufficient at debit time).
	Success bool `json:"success" yaml:"success"`

	// Timestamp is when the debit was attempted.
	Timestamp time.Time `json:"timestamp" yaml:"timestamp"`
}

// ledgerFile is the on-disk shape of the local credit ledger.
type ledgerFile struct {
	UserID    string        `yaml:"user_id"`
	Balance   int           `yaml:"balance"`
	History   []DebitRecord `yaml:"history"`
	UpdatedAt time.Time     `yaml:"updated_at"`
}

// Gate tracks a consumable credit quota and answers can-perform queries.
//
// Authenticated callers draw from a persisted balance; guests draw from a
// fixed in-memory session allowance. The two pools are never mixed. Debits
// apply locally first and are pushed to the remote ledger in the background;
// a failed push does not roll the local debit back.
type Gate struct {
	mu      sync.Mutex
	cfg     types.CreditConfig
	userID  string // empty for guests
	balance int    // authenticated pool; unused for guests
	guest   int    // guest session pool; unused when authenticated
	history []DebitRecord

	rec *reconciler
	w   io.Writer // warnings and reconciliation notices
}

// NewGate opens the credit gate for userID. An empty userID selects guest
// mode with a fixed session allowance and no persistence. For authenticated
// users the local ledger file is loaded (or created empty) and, when a
// ledger URL is configured, a background reconciler is started.
func NewGate(cfg types.CreditConfig, userID string, w io.Writer) (*Gate, error) {
	if cfg.GuestAllowance <= 0 {
		cfg.GuestAllowance = defaultGuestAllowance
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = defaultHistoryLimit
	}
	if cfg.StageCost <= 0 {
		cfg.StageCost = defaultStageCost
	}

	g := &Gate{
		cfg:    cfg,
		userID: userID,
		guest:  cfg.GuestAllowance,
		w:      w,
	}

	if userID != "" {
		lf, err := loadLedger(cfg.LedgerPath)
		if err != nil {
			return nil, err
		}
		if lf.UserID != "" && lf.UserID != userID {
			return nil, fmt.Errorf("local ledger %s belongs to user %q, not %q", cfg.LedgerPath, lf.UserID, userID)
		}
		g.balance = lf.Balance
		g.history = lf.History

		if cfg.LedgerURL != "" {
			g.rec = newReconciler(cfg, userID, w)
		}
	}

	return g, nil
}

// Close flushes and stops the background reconciler, if any.
func (g *Gate) Close() error {
	if g.rec != nil {
		g.rec.stop()
	}
	return nil
}

// StageCost returns the configured per-stage credit cost.
func (g *Gate) StageCost() int {
	return g.cfg.StageCost
}

// CanPerform reports whether the active pool covers cost. Pure local
// check; performs no I/O.
func (g *Gate) CanPerform(cost int) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.pool() >= cost
}

// Balance returns the active pool's remaining credits.
func (g *Gate) Balance() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.pool()
}

// pool returns the active pool. Caller holds g.mu.
func (g *Gate) pool() int {
	if g.userID == "" {
		return g.guest
	}
	return g.balance
}

// Debit charges cost against the active pool, appends a history record,
// persists the local ledger, and queues the debit for remote
// reconciliation. The local decrement is final regardless of remote
// outcome. Returns an error when the pool cannot cover cost; the failed
// attempt is still recorded in history.
func (g *Gate) Debit(action string, cost int) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	rec := DebitRecord{
		Action:    action,
		Cost:      cost,
		Timestamp: time.Now().UTC(),
	}

	if g.pool() < cost {
		g.appendHistory(rec)
		g.persistLocked()
		return fmt.Errorf("insufficient credits: have %d, need %d", g.pool(), cost)
	}

	rec.Success = true
	if g.userID == "" {
		g.guest -= cost
	} else {
		g.balance -= cost
	}
	g.appendHistory(rec)
	g.persistLocked()

	if g.rec != nil {
		g.rec.enqueue(rec)
	}
	return nil
}

// History returns a copy of the retained debit history, oldest first.
func (g *Gate) History() []DebitRecord {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]DebitRecord, len(g.history))
	copy(out, g.history)
	return out
}

// SetBalance replaces the authenticated balance, used by reconciliation
// when the remote ledger reports a fresh value. No-op for guests.
func (g *Gate) SetBalance(balance int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.userID == "" {
		return
	}
	g.balance = balance
	g.persistLocked()
}

// appendHistory appends rec, dropping the oldest entries beyond the
// configured cap. Caller holds g.mu.
func (g *Gate) appendHistory(rec DebitRecord) {
	g.history = append(g.history, rec)
	if over := len(g.history) - g.cfg.HistoryLimit; over > 0 {
		g.history = g.history[over:]
	}
}

// persistLocked writes the local ledger file. Guests are not persisted.
// Caller holds g.mu. Persistence failures are reported as warnings; the
// in-memory state remains authoritative for the session.
func (g *Gate) persistLocked() {
	if g.userID == "" || g.cfg.LedgerPath == "" {
		return
	}

	lf := ledgerFile{
		UserID:    g.userID,
		Balance:   g.balance,
		History:   g.history,
		UpdatedAt: time.Now().UTC(),
	}
	data, err := yaml.Marshal(&lf)
	if err != nil {
		fmt.Fprintf(g.w, "warning: could not marshal credit ledger: %v\n", err)
		return
	}
	if err := os.MkdirAll(filepath.Dir(g.cfg.LedgerPath), 0o755); err != nil {
		fmt.Fprintf(g.w, "warning: could not create ledger directory: %v\n", err)
		return
	}
	if err := os.WriteFile(g.cfg.LedgerPath, data, 0o644); err != nil {
		fmt.Fprintf(g.w, "warning: could not write credit ledger: %v\n", err)
	}
}

// loadLedger reads the local ledger file. A missing file yields an empty
// ledger rather than an error.
func loadLedger(path string) (ledgerFile, error) {
	var lf ledgerFile
	if path == "" {
		return lf, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return lf, nil
		}
		return lf, fmt.Errorf("reading credit ledger %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &lf); err != nil {
		return lf, fmt.Errorf("parsing credit ledger %s: %w", path, err)
	}
	return lf, nil
}
