// Package memory implements the repository interfaces in process memory with the same conditional-update
// semantics as the Postgres implementations. It backs unit tests and local runs without a database.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"pixshift/internal/model"
	"pixshift/internal/repository"
)

// Store holds all tables behind one mutex so cross-table invariants hold as they would in a transaction.
type Store struct {
	mu              sync.Mutex
	now             func() time.Time
	users           map[string]*model.User
	transformations map[string]*model.Transformation
	types           map[string]*model.TransformationType
	billing         map[string]*model.BillingRecord
	webhookEvents   map[string]*model.WebhookEvent
	tokens          []*model.VerificationToken
	deadLetters     []*model.DeadLetterMessage
}

func NewStore() *Store {
	return &Store{
		now:             time.Now,
		users:           map[string]*model.User{},
		transformations: map[string]*model.Transformation{},
		types:           map[string]*model.TransformationType{},
		billing:         map[string]*model.BillingRecord{},
		webhookEvents:   map[string]*model.WebhookEvent{},
	}
}

// SetClock replaces the time source used for created_at and updated_at.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *Store) Users() repository.UserRepository                     { return userRepo{s} }
func (s *Store) Usage() repository.UsageRepository                    { return usageRepo{s} }
func (s *Store) Transformations() repository.TransformationRepository { return transformationRepo{s} }
func (s *Store) Types() repository.TransformationTypeRepository       { return typeRepo{s} }
func (s *Store) Billing() repository.BillingRepository                { return billingRepo{s} }
func (s *Store) Tokens() repository.VerificationTokenRepository       { return tokenRepo{s} }
func (s *Store) DeadLetters() repository.DLQRepository                { return dlqRepo{s} }

// PutType seeds a transformation type.
func (s *Store) PutType(t *model.TransformationType) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	s.types[t.ID] = &cp
}

// DeadLetterMessages returns recorded dead letters.
func (s *Store) DeadLetterMessages() []*model.DeadLetterMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*model.DeadLetterMessage(nil), s.deadLetters...)
}

// UpdateTransformation applies fn to the stored record directly. Tests use it to age records.
func (s *Store) UpdateTransformation(id string, fn func(t *model.Transformation)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.transformations[id]; ok {
		fn(t)
	}
}

func copyTransformation(t *model.Transformation) *model.Transformation {
	cp := *t
	return &cp
}

func copyBilling(b *model.BillingRecord) *model.BillingRecord {
	cp := *b
	return &cp
}

// users

type userRepo struct{ s *Store }

func (r userRepo) CreateUser(_ context.Context, u *model.User) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	now := r.s.now()
	u.CreatedAt, u.UpdatedAt = now, now
	cp := *u
	r.s.users[u.ID] = &cp
	return nil
}

func (r userRepo) GetUserByID(_ context.Context, id string) (*model.User, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	u, ok := r.s.users[id]
	if !ok {
		return nil, nil
	}
	cp := *u
	return &cp, nil
}

func (r userRepo) SetPricingTier(_ context.Context, id string, tier *string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	u, ok := r.s.users[id]
	if !ok {
		return repository.ErrNotFound
	}
	u.PricingTier = tier
	u.UpdatedAt = r.s.now()
	return nil
}

type usageRepo struct{ s *Store }

func (r usageRepo) TryConsumeFreeUnit(_ context.Context, userID string, limit int) (bool, int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	u, ok := r.s.users[userID]
	if !ok {
		return false, 0, repository.ErrNotFound
	}
	if u.FreeTierUsed >= limit {
		return false, u.FreeTierUsed, nil
	}
	u.FreeTierUsed++
	u.UpdatedAt = r.s.now()
	return true, u.FreeTierUsed, nil
}

func (r usageRepo) GetFreeTierUsed(_ context.Context, userID string) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	u, ok := r.s.users[userID]
	if !ok {
		return 0, repository.ErrNotFound
	}
	return u.FreeTierUsed, nil
}

// transformations

type transformationRepo struct{ s *Store }

func (r transformationRepo) Create(_ context.Context, t *model.Transformation) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	now := r.s.now()
	t.CreatedAt, t.UpdatedAt = now, now
	r.s.transformations[t.ID] = copyTransformation(t)
	return nil
}

func (r transformationRepo) GetByID(_ context.Context, id string) (*model.Transformation, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	t, ok := r.s.transformations[id]
	if !ok {
		return nil, nil
	}
	return copyTransformation(t), nil
}

func (r transformationRepo) Claim(_ context.Context, id string) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	t, ok := r.s.transformations[id]
	if !ok || t.Status != model.TransformationPending {
		return false, nil
	}
	t.Status = model.TransformationProcessing
	t.UpdatedAt = r.s.now()
	return true, nil
}

func (r transformationRepo) Complete(_ context.Context, id, transformedKey string) (bool, bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	t, ok := r.s.transformations[id]
	if !ok || t.Status != model.TransformationProcessing {
		return false, false, nil
	}
	t.Status = model.TransformationCompleted
	t.ErrorMessage = nil
	t.UpdatedAt = r.s.now()
	if t.DeletedAt != nil {
		t.TransformedImageKey = nil
		return true, false, nil
	}
	key := transformedKey
	t.TransformedImageKey = &key
	return true, true, nil
}

func (r transformationRepo) Fail(_ context.Context, id, reason string) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	t, ok := r.s.transformations[id]
	if !ok || t.Status.Terminal() {
		return false, nil
	}
	t.Status = model.TransformationFailed
	t.ErrorMessage = &reason
	t.UpdatedAt = r.s.now()
	return true, nil
}

func (r transformationRepo) MarkDownloaded(_ context.Context, id string, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	t, ok := r.s.transformations[id]
	if !ok || t.DeletedAt != nil || t.TransformedImageKey == nil {
		return repository.ErrNotFound
	}
	if t.DownloadedAt == nil {
		t.DownloadedAt = &at
	}
	t.UpdatedAt = r.s.now()
	return nil
}

func (r transformationRepo) MarkPurged(_ context.Context, id string, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	t, ok := r.s.transformations[id]
	if !ok {
		return repository.ErrNotFound
	}
	t.OriginalImageKey = nil
	t.TransformedImageKey = nil
	if t.DeletedAt == nil {
		t.DeletedAt = &at
	}
	t.UpdatedAt = r.s.now()
	return nil
}

func (r transformationRepo) filter(keep func(t *model.Transformation) bool, less func(a, b *model.Transformation) bool, limit int) []*model.Transformation {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*model.Transformation
	for _, t := range r.s.transformations {
		if keep(t) {
			out = append(out, copyTransformation(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func byCreated(a, b *model.Transformation) bool {
	if a.CreatedAt.Equal(b.CreatedAt) {
		return a.ID < b.ID
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

func (r transformationRepo) ListEligibleForPurge(_ context.Context, cutoff time.Time, after *repository.PurgeCursor, limit int) ([]*model.Transformation, error) {
	return r.filter(func(t *model.Transformation) bool {
		if t.DeletedAt != nil {
			return false
		}
		if after != nil && !byCreated(&model.Transformation{CreatedAt: after.CreatedAt, ID: after.ID}, t) {
			return false
		}
		if t.DownloadedAt != nil {
			return !t.DownloadedAt.After(cutoff)
		}
		return !t.CreatedAt.After(cutoff)
	}, byCreated, limit), nil
}

func (r transformationRepo) CountCompletedByUser(_ context.Context, userID string) (int, error) {
	return len(r.filter(func(t *model.Transformation) bool {
		return t.UserID == userID && t.Status == model.TransformationCompleted
	}, byCreated, 0)), nil
}

func (r transformationRepo) ListUnpurgedByUser(_ context.Context, userID string) ([]*model.Transformation, error) {
	return r.filter(func(t *model.Transformation) bool {
		return t.UserID == userID && t.DeletedAt == nil
	}, byCreated, 0), nil
}

func (r transformationRepo) ListStale(_ context.Context, status model.TransformationStatus, olderThan time.Time, limit int) ([]*model.Transformation, error) {
	return r.filter(func(t *model.Transformation) bool {
		return t.Status == status && !t.UpdatedAt.After(olderThan)
	}, func(a, b *model.Transformation) bool { return a.UpdatedAt.Before(b.UpdatedAt) }, limit), nil
}

// types

type typeRepo struct{ s *Store }

func (r typeRepo) GetByID(_ context.Context, id string) (*model.TransformationType, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	t, ok := r.s.types[id]
	if !ok {
		return nil, nil
	}
	cp := *t
	return &cp, nil
}

func (r typeRepo) ListEnabled(_ context.Context) ([]*model.TransformationType, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*model.TransformationType
	for _, t := range r.s.types {
		if t.Enabled {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// billing

type billingRepo struct{ s *Store }

func (r billingRepo) activeFor(transformationID string) *model.BillingRecord {
	for _, b := range r.s.billing {
		if b.TransformationID != nil && *b.TransformationID == transformationID && b.Status != model.BillingFailed {
			return b
		}
	}
	return nil
}

func (r billingRepo) Open(_ context.Context, rec *model.BillingRecord) (*model.BillingRecord, bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if rec.TransformationID != nil {
		if existing := r.activeFor(*rec.TransformationID); existing != nil {
			return copyBilling(existing), true, nil
		}
	}
	now := r.s.now()
	b := copyBilling(rec)
	b.Status = model.BillingPending
	b.CreatedAt, b.UpdatedAt = now, now
	r.s.billing[b.ID] = b
	return copyBilling(b), false, nil
}

func (r billingRepo) GetByID(_ context.Context, id string) (*model.BillingRecord, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if b, ok := r.s.billing[id]; ok {
		return copyBilling(b), nil
	}
	return nil, nil
}

func (r billingRepo) GetByGatewayTransactionID(_ context.Context, txID string) (*model.BillingRecord, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, b := range r.s.billing {
		if b.GatewayTransactionID != nil && *b.GatewayTransactionID == txID {
			return copyBilling(b), nil
		}
	}
	return nil, nil
}

func (r billingRepo) GetActiveByTransformationID(_ context.Context, transformationID string) (*model.BillingRecord, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if b := r.activeFor(transformationID); b != nil {
		return copyBilling(b), nil
	}
	return nil, nil
}

func (r billingRepo) SetGatewayTransactionID(_ context.Context, id, txID string) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	b, ok := r.s.billing[id]
	if !ok || b.GatewayTransactionID != nil {
		return false, nil
	}
	b.GatewayTransactionID = &txID
	b.UpdatedAt = r.s.now()
	return true, nil
}

func (r billingRepo) TransitionFromPending(_ context.Context, id string, to model.BillingStatus, txID *string) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	b, ok := r.s.billing[id]
	if !ok || b.Status != model.BillingPending {
		return false, nil
	}
	b.Status = to
	if b.GatewayTransactionID == nil && txID != nil {
		v := *txID
		b.GatewayTransactionID = &v
	}
	b.UpdatedAt = r.s.now()
	return true, nil
}

func (r billingRepo) ListByUser(_ context.Context, userID string, limit, offset int) ([]*model.BillingRecord, int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var all []*model.BillingRecord
	for _, b := range r.s.billing {
		if b.UserID == userID {
			all = append(all, copyBilling(b))
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	total := len(all)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}

func (r billingRepo) SumCompletedByUser(_ context.Context, userID string) ([]repository.SpendTotal, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	byCurrency := map[string]*repository.SpendTotal{}
	for _, b := range r.s.billing {
		if b.UserID != userID || b.Status != model.BillingCompleted {
			continue
		}
		st, ok := byCurrency[b.Currency]
		if !ok {
			st = &repository.SpendTotal{Currency: b.Currency}
			byCurrency[b.Currency] = st
		}
		st.AmountMinor += b.AmountMinor
		st.Count++
	}
	out := make([]repository.SpendTotal, 0, len(byCurrency))
	for _, st := range byCurrency {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Currency < out[j].Currency })
	return out, nil
}

func (r billingRepo) HasWebhookEvent(_ context.Context, provider, eventID string) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	_, ok := r.s.webhookEvents[provider+"/"+eventID]
	return ok, nil
}

func (r billingRepo) RecordWebhookEvent(_ context.Context, ev *model.WebhookEvent) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	key := ev.Provider + "/" + ev.EventID
	if _, ok := r.s.webhookEvents[key]; ok {
		return false, nil
	}
	cp := *ev
	cp.ReceivedAt = r.s.now()
	r.s.webhookEvents[key] = &cp
	return true, nil
}

// verification tokens

type tokenRepo struct{ s *Store }

func (r tokenRepo) CreateIfIdle(_ context.Context, t *model.VerificationToken, now time.Time) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, existing := range r.s.tokens {
		if existing.Identifier == t.Identifier && existing.Expires.After(now) {
			return false, nil
		}
	}
	cp := *t
	r.s.tokens = append(r.s.tokens, &cp)
	return true, nil
}

func (r tokenRepo) HasUnexpired(_ context.Context, identifier string, now time.Time) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, t := range r.s.tokens {
		if t.Identifier == identifier && t.Expires.After(now) {
			return true, nil
		}
	}
	return false, nil
}

func (r tokenRepo) Consume(_ context.Context, identifier, token string, now time.Time) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	found := false
	kept := r.s.tokens[:0]
	for _, t := range r.s.tokens {
		if t.Identifier == identifier && t.Token == token && t.Expires.After(now) {
			found = true
			continue
		}
		kept = append(kept, t)
	}
	r.s.tokens = kept
	return found, nil
}

func (r tokenRepo) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	kept := r.s.tokens[:0]
	for _, t := range r.s.tokens {
		if !t.Expires.After(now) {
			n++
			continue
		}
		kept = append(kept, t)
	}
	r.s.tokens = kept
	return n, nil
}

// dead letters

type dlqRepo struct{ s *Store }

func (r dlqRepo) Create(_ context.Context, m *model.DeadLetterMessage) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	m.CreatedAt = r.s.now()
	cp := *m
	r.s.deadLetters = append(r.s.deadLetters, &cp)
	return nil
}
