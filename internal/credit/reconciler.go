// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package credit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/pdiddy/thesis-engine/internal/httputil"
	"github.com/pdiddy/thesis-engine/pkg/types"
)

// reconcileQueueSize bounds the pending-debit queue. When the queue is
// full the oldest semantics do not matter for gating (local state already
// applied), so further pushes are dropped with a warning.
const reconcileQueueSize = 64

// reconciler pushes local debits to the remote ledger in the background.
// It never mutates the gate: the local debit stands whatever the remote
// outcome.
type reconciler struct {
	cfg     types.CreditConfig
	userID  string
	client  *http.Client
	pending chan DebitRecord
	done    chan struct{}
	w       io.Writer
}

func newReconciler(cfg types.CreditConfig, userID string, w io.Writer) *reconciler {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	r := &reconciler{
		cfg:     cfg,
		userID:  userID,
		client:  &http.Client{Timeout: timeout},
		pending: make(chan DebitRecord, reconcileQueueSize),
		done:    make(chan struct{}),
		w:       w,
	}
	go r.run()
	return r
}

// enqueue queues a debit for remote push without blocking the caller.
func (r *reconciler) enqueue(rec DebitRecord) {
	select {
	case r.pending <- rec:
	default:
		fmt.Fprintf(r.w, "warning: credit reconcile queue full, dropping push for %q\n", rec.Action)
	}
}

// stop drains outstanding pushes and terminates the loop.
func (r *reconciler) stop() {
	close(r.pending)
	<-r.done
}

func (r *reconciler) run() {
	defer close(r.done)
	for rec := range r.pending {
		if err := r.push(rec); err != nil {
			// Local state is not rolled back; billing truth is
			// reconciled out-of-band via Sync.
			fmt.Fprintf(r.w, "warning: credit reconciliation failed for %q: %v\n", rec.Action, err)
		}
	}
}

// debitPayload is the wire shape pushed to the remote ledger.
type debitPayload struct {
	UserID    string    `json:"user_id"`
	Action    string    `json:"action"`
	Cost      int       `json:"cost"`
	Timestamp time.Time `json:"timestamp"`
}

func (r *reconciler) push(rec DebitRecord) error {
	body, err := json.Marshal(debitPayload{
		UserID:    r.userID,
		Action:    rec.Action,
		Cost:      rec.Cost,
		Timestamp: rec.Timestamp,
	})
	if err != nil {
		return fmt.Errorf("marshaling debit: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.client.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.LedgerURL+"/debits", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building debit request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	r.setAuth(req)

	resp, err := httputil.DoWithRetry(ctx, r.client, req, 0)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("ledger returned HTTP %d", resp.StatusCode)
	}
	return nil
}

func (r *reconciler) setAuth(req *http.Request) {
	if r.cfg.LedgerAPIKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.cfg.LedgerAPIKey)
	}
	if r.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", r.cfg.UserAgent)
	}
}

// Sync fetches the remote balance and adopts it locally. The remote value
// is authoritative for billing; calling Sync settles any drift accumulated
// from failed background pushes. Guests have no remote ledger and Sync is
// a no-op for them.
func (g *Gate) Sync(ctx context.Context) error {
	if g.userID == "" || g.cfg.LedgerURL == "" {
		return nil
	}

	timeout := g.cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	client := &http.Client{Timeout: timeout}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.cfg.LedgerURL+"/balance?user_id="+g.userID, nil)
	if err != nil {
		return fmt.Errorf("building balance request: %w", err)
	}
	if g.cfg.LedgerAPIKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.cfg.LedgerAPIKey)
	}

	resp, err := httputil.DoWithRetry(ctx, client, req, 0)
	if err != nil {
		return fmt.Errorf("fetching remote balance: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ledger returned HTTP %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading balance response: %w", err)
	}

	balance, err := normalizeBalance(data)
	if err != nil {
		return fmt.Errorf("parsing balance response: %w", err)
	}

	g.SetBalance(balance)
	return nil
}
