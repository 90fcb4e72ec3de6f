// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package sourcetext

import (
	"context"
	"sync"
)

// TextSource is the resolution contract the Resolver wraps. *Provider
// satisfies it; tests supply fakes with controllable timing.
type TextSource interface {
	GetText(ctx context.Context, paperID string) (string, error)
}

// Resolver guards asynchronous text resolution against subject staleness.
// Each Resolve captures the subject identity at issue time; when the
// resolution completes, the result is applied only if the subject is still
// current. A resolution for a new subject cancels the previous in-flight
// one, and a superseded result is discarded silently rather than reported
// as an error.
type Resolver struct {
	source TextSource

	mu      sync.Mutex
	subject string
	cancel  context.CancelFunc
}

// NewResolver wraps source with stale-subject guarding.
func NewResolver(source TextSource) *Resolver {
	return &Resolver{source: source}
}

// Subject returns the current subject paper ID.
func (r *Resolver) Subject() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.subject
}

// Resolve starts an asynchronous resolution for paperID, making it the
// current subject and cancelling any prior in-flight resolution. When the
// resolution completes, apply is invoked with the result — unless the
// subject has moved on, in which case the result is dropped. apply runs on
// the resolution goroutine and must not call back into the Resolver.
func (r *Resolver) Resolve(ctx context.Context, paperID string, apply func(text string, err error)) {
	r.mu.Lock()
	if r.cancel != nil {
		r.cancel()
	}
	cctx, cancel := context.WithCancel(ctx)
	r.subject = paperID
	r.cancel = cancel
	r.mu.Unlock()

	go func() {
		defer cancel()
		text, err := r.source.GetText(cctx, paperID)

		r.mu.Lock()
		stale := r.subject != paperID
		r.mu.Unlock()

		// Superseded or cancelled resolutions are discarded, never applied
		// to state belonging to the new subject.
		if stale || cctx.Err() != nil {
			return
		}
		apply(text, err)
	}()
}

// Clear resets the subject and cancels any in-flight resolution, e.g. when
// the caller navigates away from all papers.
func (r *Resolver) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
	r.subject = ""
}
