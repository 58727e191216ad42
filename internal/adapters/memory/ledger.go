// Package memory provides an in-memory Ledger. It backs unit tests and
// local development runs; production uses the postgres adapter.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/brightnest/billing-service/internal/domain"
	"github.com/brightnest/billing-service/internal/domain/ports"
)

type state struct {
	subs          map[string]*domain.Subscription
	histories     map[string]*domain.CustomerHistory
	pauses        map[string]*domain.PauseRecord
	cancellations map[string]*domain.CancellationRecord
	grants        map[string]*domain.DiscountGrant
	events        map[string]*domain.ProviderEvent
}

func newState() *state {
	return &state{
		subs:          make(map[string]*domain.Subscription),
		histories:     make(map[string]*domain.CustomerHistory),
		pauses:        make(map[string]*domain.PauseRecord),
		cancellations: make(map[string]*domain.CancellationRecord),
		grants:        make(map[string]*domain.DiscountGrant),
		events:        make(map[string]*domain.ProviderEvent),
	}
}

func (s *state) clone() *state {
	c := newState()
	for k, v := range s.subs {
		sub := *v
		c.subs[k] = &sub
	}
	for k, v := range s.histories {
		h := *v
		c.histories[k] = &h
	}
	for k, v := range s.pauses {
		p := *v
		c.pauses[k] = &p
	}
	for k, v := range s.cancellations {
		r := *v
		c.cancellations[k] = &r
	}
	for k, v := range s.grants {
		g := *v
		c.grants[k] = &g
	}
	for k, v := range s.events {
		e := *v
		c.events[k] = &e
	}
	return c
}

// Ledger is an in-memory ports.Ledger. InTx runs the callback against a
// cloned state and swaps it in on success, so a failed transaction leaves
// nothing behind.
type Ledger struct {
	mu    sync.Mutex
	state *state
}

// NewLedger creates an empty in-memory ledger
func NewLedger() *Ledger {
	return &Ledger{state: newState()}
}

// txLedger is a transaction view over a cloned state. It reuses the Ledger
// method set without locking (the parent holds the lock for the whole tx).
type txLedger struct {
	state *state
}

var (
	_ ports.Ledger = (*Ledger)(nil)
	_ ports.Ledger = (*txLedger)(nil)
)

func (l *Ledger) InTx(ctx context.Context, fn func(ctx context.Context, tx ports.Ledger) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	tx := &txLedger{state: l.state.clone()}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	l.state = tx.state
	return nil
}

func (l *Ledger) GetSubscription(ctx context.Context, id string) (*domain.Subscription, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return (&txLedger{l.state}).GetSubscription(ctx, id)
}

func (l *Ledger) GetSubscriptionByProviderSubID(ctx context.Context, providerSubID string) (*domain.Subscription, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return (&txLedger{l.state}).GetSubscriptionByProviderSubID(ctx, providerSubID)
}

func (l *Ledger) GetSubscriptionBySessionID(ctx context.Context, sessionID string) (*domain.Subscription, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return (&txLedger{l.state}).GetSubscriptionBySessionID(ctx, sessionID)
}

func (l *Ledger) SaveSubscription(ctx context.Context, sub *domain.Subscription) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return (&txLedger{l.state}).SaveSubscription(ctx, sub)
}

func (l *Ledger) GetCustomerHistory(ctx context.Context, customerRef string) (*domain.CustomerHistory, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return (&txLedger{l.state}).GetCustomerHistory(ctx, customerRef)
}

func (l *Ledger) SaveCustomerHistory(ctx context.Context, history *domain.CustomerHistory) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return (&txLedger{l.state}).SaveCustomerHistory(ctx, history)
}

func (l *Ledger) RecordPause(ctx context.Context, pause *domain.PauseRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return (&txLedger{l.state}).RecordPause(ctx, pause)
}

func (l *Ledger) UpdatePause(ctx context.Context, pause *domain.PauseRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return (&txLedger{l.state}).UpdatePause(ctx, pause)
}

func (l *Ledger) ListDuePauses(ctx context.Context, asOf time.Time) ([]*domain.PauseRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return (&txLedger{l.state}).ListDuePauses(ctx, asOf)
}

func (l *Ledger) RecordCancellation(ctx context.Context, cancellation *domain.CancellationRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return (&txLedger{l.state}).RecordCancellation(ctx, cancellation)
}

func (l *Ledger) RecordDiscountGrant(ctx context.Context, grant *domain.DiscountGrant) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return (&txLedger{l.state}).RecordDiscountGrant(ctx, grant)
}

func (l *Ledger) WasEventProcessed(ctx context.Context, eventID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return (&txLedger{l.state}).WasEventProcessed(ctx, eventID)
}

func (l *Ledger) MarkEventProcessed(ctx context.Context, event *domain.ProviderEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return (&txLedger{l.state}).MarkEventProcessed(ctx, event)
}

// GetCancellation returns a recorded cancellation; test helper
func (l *Ledger) GetCancellation(id string) *domain.CancellationRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state.cancellations[id]
}

// GetPause returns a recorded pause; test helper
func (l *Ledger) GetPause(id string) *domain.PauseRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state.pauses[id]
}

func (t *txLedger) InTx(ctx context.Context, fn func(ctx context.Context, tx ports.Ledger) error) error {
	// Already inside a transaction; nested boundaries share it.
	return fn(ctx, t)
}

func (t *txLedger) GetSubscription(ctx context.Context, id string) (*domain.Subscription, error) {
	sub, ok := t.state.subs[id]
	if !ok {
		return nil, domain.ErrSubscriptionNotFound
	}
	copied := *sub
	return &copied, nil
}

func (t *txLedger) GetSubscriptionByProviderSubID(ctx context.Context, providerSubID string) (*domain.Subscription, error) {
	for _, sub := range t.state.subs {
		if sub.ProviderSubID == providerSubID && providerSubID != "" {
			copied := *sub
			return &copied, nil
		}
	}
	return nil, domain.ErrSubscriptionNotFound
}

func (t *txLedger) GetSubscriptionBySessionID(ctx context.Context, sessionID string) (*domain.Subscription, error) {
	for _, sub := range t.state.subs {
		if sub.ProviderSessionID == sessionID && sessionID != "" {
			copied := *sub
			return &copied, nil
		}
	}
	return nil, domain.ErrSubscriptionNotFound
}

func (t *txLedger) SaveSubscription(ctx context.Context, sub *domain.Subscription) error {
	copied := *sub
	t.state.subs[sub.ID] = &copied
	return nil
}

func (t *txLedger) GetCustomerHistory(ctx context.Context, customerRef string) (*domain.CustomerHistory, error) {
	if h, ok := t.state.histories[customerRef]; ok {
		copied := *h
		return &copied, nil
	}
	return &domain.CustomerHistory{CustomerRef: customerRef}, nil
}

func (t *txLedger) SaveCustomerHistory(ctx context.Context, history *domain.CustomerHistory) error {
	copied := *history
	t.state.histories[history.CustomerRef] = &copied
	return nil
}

func (t *txLedger) RecordPause(ctx context.Context, pause *domain.PauseRecord) error {
	copied := *pause
	t.state.pauses[pause.ID] = &copied
	return nil
}

func (t *txLedger) UpdatePause(ctx context.Context, pause *domain.PauseRecord) error {
	return t.RecordPause(ctx, pause)
}

func (t *txLedger) ListDuePauses(ctx context.Context, asOf time.Time) ([]*domain.PauseRecord, error) {
	var due []*domain.PauseRecord
	for _, pause := range t.state.pauses {
		if pause.Status != domain.PauseCompleted && !pause.EndDate.After(asOf) {
			copied := *pause
			due = append(due, &copied)
		}
	}
	return due, nil
}

func (t *txLedger) RecordCancellation(ctx context.Context, cancellation *domain.CancellationRecord) error {
	copied := *cancellation
	t.state.cancellations[cancellation.ID] = &copied
	return nil
}

func (t *txLedger) RecordDiscountGrant(ctx context.Context, grant *domain.DiscountGrant) error {
	copied := *grant
	t.state.grants[grant.SubscriptionID] = &copied
	return nil
}

func (t *txLedger) WasEventProcessed(ctx context.Context, eventID string) (bool, error) {
	_, ok := t.state.events[eventID]
	return ok, nil
}

func (t *txLedger) MarkEventProcessed(ctx context.Context, event *domain.ProviderEvent) error {
	copied := *event
	t.state.events[event.ID] = &copied
	return nil
}
