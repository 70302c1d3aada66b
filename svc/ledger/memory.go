package ledger

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store. It keeps the same contract as the
// PostgreSQL store, including rollback of WithinUserTx on error.
type MemoryStore struct {
	freePlanID string
	now        func() time.Time

	mu        sync.RWMutex
	subs      map[uuid.UUID]Subscription
	events    []UsageEvent
	seq       int64
	processed map[string]ProcessedEvent

	locksMu sync.Mutex
	locks   map[uuid.UUID]*sync.Mutex
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithMemoryClock overrides the clock used for implicit subscriptions.
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		if now != nil {
			s.now = now
		}
	}
}

// NewMemoryStore returns an empty store that hands out freePlanID to users without a subscription.
func NewMemoryStore(freePlanID string, opts ...MemoryOption) *MemoryStore {
	if freePlanID == "" {
		panic("ledger: free plan id is required")
	}
	s := &MemoryStore{
		freePlanID: freePlanID,
		now:        time.Now,
		subs:       make(map[uuid.UUID]Subscription),
		processed:  make(map[string]ProcessedEvent),
		locks:      make(map[uuid.UUID]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStore) GetSubscription(ctx context.Context, userID uuid.UUID) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return Subscription{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.subscriptionLocked(userID), nil
}

func (s *MemoryStore) subscriptionLocked(userID uuid.UUID) Subscription {
	if sub, ok := s.subs[userID]; ok {
		return sub
	}
	return FreeSubscription(userID, s.freePlanID, s.now())
}

func (s *MemoryStore) UpsertSubscription(ctx context.Context, u SubscriptionUpdate) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := u.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upsertLocked(u)
	return nil
}

func (s *MemoryStore) upsertLocked(u SubscriptionUpdate) {
	if cur, ok := s.subs[u.UserID]; ok && cur.UpdatedAt.After(u.UpdatedAt) {
		return
	}
	s.subs[u.UserID] = u.Subscription()
}

func (s *MemoryStore) AppendUsageEvent(ctx context.Context, e UsageEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := e.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendLocked(e)
	return nil
}

func (s *MemoryStore) appendLocked(e UsageEvent) {
	s.seq++
	e.Seq = s.seq
	e.CreatedAt = e.CreatedAt.UTC()
	e.PeriodStart = e.PeriodStart.UTC()
	e.PeriodEnd = e.PeriodEnd.UTC()
	s.events = append(s.events, e)
}

func (s *MemoryStore) SumUsage(ctx context.Context, userID uuid.UUID, periodStart, periodEnd time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sumEvents(s.events, userID, periodStart, periodEnd), nil
}

func sumEvents(events []UsageEvent, userID uuid.UUID, periodStart, periodEnd time.Time) int64 {
	p := Period{Start: periodStart, End: periodEnd}
	var total int64
	for _, e := range events {
		if e.UserID == userID && p.Contains(e.PeriodStart) {
			total += e.Credits
		}
	}
	return total
}

func (s *MemoryStore) ListUsage(ctx context.Context, userID uuid.UUID, periodStart time.Time) ([]UsageEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []UsageEvent
	for _, e := range s.events {
		if e.UserID == userID && e.PeriodStart.Equal(periodStart) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *MemoryStore) userLock(userID uuid.UUID) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	l, ok := s.locks[userID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[userID] = l
	}
	return l
}

func (s *MemoryStore) WithinUserTx(ctx context.Context, userID uuid.UUID, fn func(ctx context.Context, tx Tx) error) error {
	if userID == uuid.Nil {
		return ErrInvalidUserID
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	l := s.userLock(userID)
	l.Lock()
	defer l.Unlock()

	tx := &memoryTx{store: s, userID: userID}
	if err := fn(ctx, tx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range tx.pending {
		s.appendLocked(e)
	}
	return nil
}

func (s *MemoryStore) ApplyExternalEvent(ctx context.Context, ev ProcessedEvent, userID uuid.UUID, apply ApplyFunc) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	key := ev.Provider + "\x00" + ev.EventID

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, done := s.processed[key]; done {
		return false, nil
	}

	if userID != uuid.Nil {
		u, write, err := apply(s.subscriptionLocked(userID))
		if err != nil {
			return false, err
		}
		if write {
			if err := u.Validate(); err != nil {
				return false, err
			}
			s.upsertLocked(u)
		}
	}

	if ev.ProcessedAt.IsZero() {
		ev.ProcessedAt = s.now().UTC()
	}
	s.processed[key] = ev
	return true, nil
}

func (s *MemoryStore) FindByExternalRef(ctx context.Context, subscriptionRef, customerRef string) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return Subscription{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	match := func(ref func(Subscription) string, want string) (Subscription, bool) {
		var (
			found Subscription
			ok    bool
		)
		if want == "" {
			return found, false
		}
		for _, sub := range s.subs {
			if ref(sub) == want && (!ok || sub.UpdatedAt.After(found.UpdatedAt)) {
				found, ok = sub, true
			}
		}
		return found, ok
	}
	if sub, ok := match(func(sub Subscription) string { return sub.ExternalSubscriptionRef }, subscriptionRef); ok {
		return sub, nil
	}
	if sub, ok := match(func(sub Subscription) string { return sub.ExternalCustomerRef }, customerRef); ok {
		return sub, nil
	}
	return Subscription{}, ErrSubscriptionNotFound
}

func (s *MemoryStore) ReferencedPlanIDs(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	set := make(map[string]struct{})
	for _, sub := range s.subs {
		set[sub.PlanID] = struct{}{}
	}
	return slices.Sorted(maps.Keys(set)), nil
}

// memoryTx buffers appends until the transaction function succeeds.
type memoryTx struct {
	store   *MemoryStore
	userID  uuid.UUID
	pending []UsageEvent
}

func (t *memoryTx) GetSubscription(ctx context.Context) (Subscription, error) {
	return t.store.GetSubscription(ctx, t.userID)
}

func (t *memoryTx) SumUsage(ctx context.Context, periodStart, periodEnd time.Time) (int64, error) {
	total, err := t.store.SumUsage(ctx, t.userID, periodStart, periodEnd)
	if err != nil {
		return 0, err
	}
	return total + sumEvents(t.pending, t.userID, periodStart, periodEnd), nil
}

func (t *memoryTx) AppendUsageEvent(ctx context.Context, e UsageEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if e.UserID != t.userID {
		return fmt.Errorf("%w: event belongs to another user", ErrInvalidUsageEvent)
	}
	if err := e.Validate(); err != nil {
		return err
	}
	t.pending = append(t.pending, e)
	return nil
}

func (t *memoryTx) GetUsageEvent(ctx context.Context, id uuid.UUID) (UsageEvent, error) {
	if err := ctx.Err(); err != nil {
		return UsageEvent{}, err
	}
	for _, e := range t.pending {
		if e.ID == id {
			return e, nil
		}
	}
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	for _, e := range t.store.events {
		if e.ID == id && e.UserID == t.userID {
			return e, nil
		}
	}
	return UsageEvent{}, ErrUsageEventNotFound
}

func (t *memoryTx) IsRefunded(ctx context.Context, debitID uuid.UUID) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	for _, e := range t.pending {
		if e.Kind == KindRefund && e.RefundOf == debitID {
			return true, nil
		}
	}
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	for _, e := range t.store.events {
		if e.Kind == KindRefund && e.RefundOf == debitID {
			return true, nil
		}
	}
	return false, nil
}
