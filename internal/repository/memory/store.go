// Package memory is an in-process implementation of store.Store used for
// local development and tests. Writes made inside Atomic are staged and
// applied on commit; row locks are per-account mutex stripes.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"fintrack-auth/internal/apperr"
	"fintrack-auth/internal/models"
	"fintrack-auth/internal/store"

	"github.com/google/uuid"
)

// Striper maps a lock key onto one of a fixed number of stripes.
type Striper interface {
	Stripe(key string) int
	Stripes() int
}

type challengeRow struct {
	c   *models.Challenge
	seq uint64
}

type pairRow struct {
	p   *models.TokenPair
	seq uint64
}

type Store struct {
	mu         sync.RWMutex
	seq        uint64
	accounts   map[uuid.UUID]*models.Account
	challenges map[uuid.UUID]challengeRow
	pairs      map[uuid.UUID]pairRow
	blacklist  map[uuid.UUID]*models.BlacklistEntry // by token pair id
	digests    map[string]uuid.UUID                 // blacklisted digest -> pair id

	striper Striper
	stripes []sync.Mutex
}

var _ store.Store = (*Store)(nil)

func New(striper Striper) *Store {
	return &Store{
		accounts:   make(map[uuid.UUID]*models.Account),
		challenges: make(map[uuid.UUID]challengeRow),
		pairs:      make(map[uuid.UUID]pairRow),
		blacklist:  make(map[uuid.UUID]*models.BlacklistEntry),
		digests:    make(map[string]uuid.UUID),
		striper:    striper,
		stripes:    make([]sync.Mutex, striper.Stripes()),
	}
}

func (s *Store) Atomic(ctx context.Context, fn func(ctx context.Context, r store.Repository) error) error {
	t := s.begin()
	defer t.release()

	if err := fn(ctx, t); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return t.commit()
}

func (s *Store) HealthCheck(ctx context.Context) error { return ctx.Err() }

func (s *Store) Close() error { return nil }

func (s *Store) nextSeq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	return s.seq
}

// autocommit runs a single repository call in its own transaction.
func autocommit[T any](ctx context.Context, s *Store, fn func(t *tx) (T, error)) (T, error) {
	var out T
	err := s.Atomic(ctx, func(ctx context.Context, r store.Repository) error {
		v, err := fn(r.(*tx))
		out = v
		return err
	})
	return out, err
}

func (s *Store) FindAccount(ctx context.Context, id uuid.UUID) (*models.Account, error) {
	return autocommit(ctx, s, func(t *tx) (*models.Account, error) { return t.FindAccount(ctx, id) })
}

func (s *Store) FindAccountByPhone(ctx context.Context, phone string) (*models.Account, error) {
	return autocommit(ctx, s, func(t *tx) (*models.Account, error) { return t.FindAccountByPhone(ctx, phone) })
}

func (s *Store) FindAccountByEmail(ctx context.Context, email string) (*models.Account, error) {
	return autocommit(ctx, s, func(t *tx) (*models.Account, error) { return t.FindAccountByEmail(ctx, email) })
}

func (s *Store) CreateAccount(ctx context.Context, account *models.Account) error {
	_, err := autocommit(ctx, s, func(t *tx) (struct{}, error) { return struct{}{}, t.CreateAccount(ctx, account) })
	return err
}

func (s *Store) SaveAccount(ctx context.Context, account *models.Account) error {
	_, err := autocommit(ctx, s, func(t *tx) (struct{}, error) { return struct{}{}, t.SaveAccount(ctx, account) })
	return err
}

func (s *Store) LockAccount(ctx context.Context, id uuid.UUID) (*models.Account, error) {
	return autocommit(ctx, s, func(t *tx) (*models.Account, error) { return t.LockAccount(ctx, id) })
}

func (s *Store) LatestChallenge(ctx context.Context, accountID uuid.UUID, flow models.Flow) (*models.Challenge, error) {
	return autocommit(ctx, s, func(t *tx) (*models.Challenge, error) { return t.LatestChallenge(ctx, accountID, flow) })
}

func (s *Store) LockLatestChallenge(ctx context.Context, accountID uuid.UUID, flow models.Flow) (*models.Challenge, error) {
	return autocommit(ctx, s, func(t *tx) (*models.Challenge, error) { return t.LockLatestChallenge(ctx, accountID, flow) })
}

func (s *Store) SaveChallenge(ctx context.Context, challenge *models.Challenge) error {
	_, err := autocommit(ctx, s, func(t *tx) (struct{}, error) { return struct{}{}, t.SaveChallenge(ctx, challenge) })
	return err
}

func (s *Store) InsertTokenPair(ctx context.Context, pair *models.TokenPair) error {
	_, err := autocommit(ctx, s, func(t *tx) (struct{}, error) { return struct{}{}, t.InsertTokenPair(ctx, pair) })
	return err
}

func (s *Store) LatestTokenPair(ctx context.Context, accountID uuid.UUID) (*models.TokenPair, error) {
	return autocommit(ctx, s, func(t *tx) (*models.TokenPair, error) { return t.LatestTokenPair(ctx, accountID) })
}

func (s *Store) LockLatestTokenPair(ctx context.Context, accountID uuid.UUID) (*models.TokenPair, error) {
	return autocommit(ctx, s, func(t *tx) (*models.TokenPair, error) { return t.LockLatestTokenPair(ctx, accountID) })
}

func (s *Store) InsertBlacklistEntry(ctx context.Context, entry *models.BlacklistEntry) error {
	_, err := autocommit(ctx, s, func(t *tx) (struct{}, error) { return struct{}{}, t.InsertBlacklistEntry(ctx, entry) })
	return err
}

func (s *Store) IsPairBlacklisted(ctx context.Context, pairID uuid.UUID) (bool, error) {
	return autocommit(ctx, s, func(t *tx) (bool, error) { return t.IsPairBlacklisted(ctx, pairID) })
}

func (s *Store) IsTokenBlacklisted(ctx context.Context, digest string) (bool, error) {
	return autocommit(ctx, s, func(t *tx) (bool, error) { return t.IsTokenBlacklisted(ctx, digest) })
}

// tx is a unit of work over the store. Reads see staged writes first.
type tx struct {
	s          *Store
	held       map[int]bool
	accounts   map[uuid.UUID]*models.Account
	challenges map[uuid.UUID]challengeRow
	pairs      map[uuid.UUID]pairRow
	blacklist  map[uuid.UUID]*models.BlacklistEntry
}

func (s *Store) begin() *tx {
	return &tx{
		s:          s,
		held:       make(map[int]bool),
		accounts:   make(map[uuid.UUID]*models.Account),
		challenges: make(map[uuid.UUID]challengeRow),
		pairs:      make(map[uuid.UUID]pairRow),
		blacklist:  make(map[uuid.UUID]*models.BlacklistEntry),
	}
}

// lock takes the stripe guarding every row of one account.
func (t *tx) lock(accountID uuid.UUID) {
	stripe := t.s.striper.Stripe(accountID.String())
	if t.held[stripe] {
		return
	}
	t.s.stripes[stripe].Lock()
	t.held[stripe] = true
}

func (t *tx) release() {
	for stripe := range t.held {
		t.s.stripes[stripe].Unlock()
	}
	t.held = nil
}

func (t *tx) commit() error {
	s := t.s
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, a := range t.accounts {
		if err := s.checkUniqueLocked(a, t.accounts); err != nil {
			return err
		}
	}
	for pairID := range t.blacklist {
		if _, exists := s.blacklist[pairID]; exists {
			return apperr.Newf(apperr.KindAlreadyRevoked, "token pair %s", pairID)
		}
	}

	for id, a := range t.accounts {
		s.accounts[id] = a
	}
	for id, row := range t.challenges {
		s.challenges[id] = row
	}
	for id, row := range t.pairs {
		s.pairs[id] = row
	}
	for pairID, e := range t.blacklist {
		s.blacklist[pairID] = e
		s.digests[e.AccessDigest] = pairID
		s.digests[e.RefreshDigest] = pairID
	}
	return nil
}

// checkUniqueLocked verifies phone and email uniqueness of a against the
// committed rows and the other staged rows. Caller holds s.mu.
func (s *Store) checkUniqueLocked(a *models.Account, staged map[uuid.UUID]*models.Account) error {
	clash := func(other *models.Account) error {
		if other.ID == a.ID {
			return nil
		}
		if a.PhoneNumber != nil && other.PhoneNumber != nil && *a.PhoneNumber == *other.PhoneNumber {
			return apperr.New(apperr.KindDuplicateCredential, "phone number already registered")
		}
		if a.Email != nil && other.Email != nil && *a.Email == *other.Email {
			return apperr.New(apperr.KindDuplicateCredential, "email already registered")
		}
		return nil
	}
	for id, other := range s.accounts {
		if st, ok := staged[id]; ok {
			other = st
		}
		if err := clash(other); err != nil {
			return err
		}
	}
	for id, other := range staged {
		if _, committed := s.accounts[id]; committed {
			continue
		}
		if err := clash(other); err != nil {
			return err
		}
	}
	return nil
}

// accountView returns committed rows overlaid with staged ones.
func (t *tx) accountView() []*models.Account {
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()

	out := make([]*models.Account, 0, len(t.s.accounts)+len(t.accounts))
	for id, a := range t.s.accounts {
		if _, staged := t.accounts[id]; staged {
			continue
		}
		out = append(out, a)
	}
	for _, a := range t.accounts {
		out = append(out, a)
	}
	return out
}

func (t *tx) FindAccount(_ context.Context, id uuid.UUID) (*models.Account, error) {
	if a, ok := t.accounts[id]; ok {
		return a.Clone(), nil
	}
	t.s.mu.RLock()
	a, ok := t.s.accounts[id]
	t.s.mu.RUnlock()
	if !ok {
		return nil, apperr.Newf(apperr.KindNotFound, "account %s", id)
	}
	return a.Clone(), nil
}

func (t *tx) findAccountBy(match func(a *models.Account) bool, what string) (*models.Account, error) {
	for _, a := range t.accountView() {
		if match(a) {
			return a.Clone(), nil
		}
	}
	return nil, apperr.New(apperr.KindNotFound, "account by "+what)
}

func (t *tx) FindAccountByPhone(_ context.Context, phone string) (*models.Account, error) {
	return t.findAccountBy(func(a *models.Account) bool {
		return a.PhoneNumber != nil && *a.PhoneNumber == phone
	}, "phone")
}

func (t *tx) FindAccountByEmail(_ context.Context, email string) (*models.Account, error) {
	return t.findAccountBy(func(a *models.Account) bool {
		return a.Email != nil && *a.Email == email
	}, "email")
}

func (t *tx) stageAccount(a *models.Account) error {
	view := make(map[uuid.UUID]*models.Account, len(t.accounts)+1)
	for id, st := range t.accounts {
		view[id] = st
	}
	view[a.ID] = a
	t.s.mu.RLock()
	err := t.s.checkUniqueLocked(a, view)
	t.s.mu.RUnlock()
	if err != nil {
		return err
	}
	t.accounts[a.ID] = a.Clone()
	return nil
}

func (t *tx) CreateAccount(_ context.Context, account *models.Account) error {
	if account.ID == uuid.Nil {
		account.ID = uuid.New()
	}
	if account.CreatedAt.IsZero() {
		account.Stamp(time.Now())
	}
	if account.RegistrationState == "" {
		account.RegistrationState = models.RegistrationOnProcess
	}
	return t.stageAccount(account)
}

func (t *tx) SaveAccount(ctx context.Context, account *models.Account) error {
	if _, err := t.FindAccount(ctx, account.ID); err != nil {
		return err
	}
	if account.UpdatedAt.IsZero() {
		account.UpdatedAt = time.Now()
	}
	return t.stageAccount(account)
}

func (t *tx) LockAccount(ctx context.Context, id uuid.UUID) (*models.Account, error) {
	t.lock(id)
	return t.FindAccount(ctx, id)
}

func (t *tx) LatestChallenge(_ context.Context, accountID uuid.UUID, flow models.Flow) (*models.Challenge, error) {
	var rows []challengeRow

	t.s.mu.RLock()
	for id, row := range t.s.challenges {
		if _, staged := t.challenges[id]; staged {
			continue
		}
		if row.c.AccountID == accountID && row.c.Flow == flow {
			rows = append(rows, row)
		}
	}
	t.s.mu.RUnlock()

	for _, row := range t.challenges {
		if row.c.AccountID == accountID && row.c.Flow == flow {
			rows = append(rows, row)
		}
	}
	if len(rows) == 0 {
		return nil, apperr.Newf(apperr.KindNotFound, "challenge %s/%s", accountID, flow)
	}

	sort.Slice(rows, func(i, j int) bool {
		if !rows[i].c.CreatedAt.Equal(rows[j].c.CreatedAt) {
			return rows[i].c.CreatedAt.After(rows[j].c.CreatedAt)
		}
		return rows[i].seq > rows[j].seq
	})
	return rows[0].c.Clone(), nil
}

func (t *tx) LockLatestChallenge(ctx context.Context, accountID uuid.UUID, flow models.Flow) (*models.Challenge, error) {
	t.lock(accountID)
	return t.LatestChallenge(ctx, accountID, flow)
}

func (t *tx) SaveChallenge(_ context.Context, challenge *models.Challenge) error {
	if challenge.ID == uuid.Nil {
		challenge.ID = uuid.New()
	}
	if challenge.CreatedAt.IsZero() {
		challenge.Stamp(time.Now())
	}

	row, ok := t.challenges[challenge.ID]
	if !ok {
		t.s.mu.RLock()
		row, ok = t.s.challenges[challenge.ID]
		t.s.mu.RUnlock()
	}
	if !ok {
		row.seq = t.s.nextSeq()
	}
	row.c = challenge.Clone()
	t.challenges[challenge.ID] = row
	return nil
}

func (t *tx) InsertTokenPair(_ context.Context, pair *models.TokenPair) error {
	if pair.ID == uuid.Nil {
		pair.ID = uuid.New()
	}
	if pair.CreatedAt.IsZero() {
		pair.Stamp(time.Now())
	}
	cp := *pair
	t.pairs[pair.ID] = pairRow{p: &cp, seq: t.s.nextSeq()}
	return nil
}

func (t *tx) pairView(match func(p *models.TokenPair) bool) []pairRow {
	var rows []pairRow
	t.s.mu.RLock()
	for _, row := range t.s.pairs {
		if match(row.p) {
			rows = append(rows, row)
		}
	}
	t.s.mu.RUnlock()
	for _, row := range t.pairs {
		if match(row.p) {
			rows = append(rows, row)
		}
	}
	return rows
}

func (t *tx) LatestTokenPair(_ context.Context, accountID uuid.UUID) (*models.TokenPair, error) {
	rows := t.pairView(func(p *models.TokenPair) bool { return p.AccountID == accountID })
	if len(rows) == 0 {
		return nil, apperr.Newf(apperr.KindNotFound, "token pair for %s", accountID)
	}
	sort.Slice(rows, func(i, j int) bool {
		if !rows[i].p.CreatedAt.Equal(rows[j].p.CreatedAt) {
			return rows[i].p.CreatedAt.After(rows[j].p.CreatedAt)
		}
		return rows[i].seq > rows[j].seq
	})
	cp := *rows[0].p
	return &cp, nil
}

func (t *tx) LockLatestTokenPair(ctx context.Context, accountID uuid.UUID) (*models.TokenPair, error) {
	t.lock(accountID)
	return t.LatestTokenPair(ctx, accountID)
}

func (t *tx) InsertBlacklistEntry(ctx context.Context, entry *models.BlacklistEntry) error {
	revoked, err := t.IsPairBlacklisted(ctx, entry.TokenPairID)
	if err != nil {
		return err
	}
	if revoked {
		return apperr.Newf(apperr.KindAlreadyRevoked, "token pair %s", entry.TokenPairID)
	}
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.Stamp(time.Now())
	}
	cp := *entry
	t.blacklist[entry.TokenPairID] = &cp
	return nil
}

func (t *tx) IsPairBlacklisted(_ context.Context, pairID uuid.UUID) (bool, error) {
	if _, ok := t.blacklist[pairID]; ok {
		return true, nil
	}
	t.s.mu.RLock()
	_, ok := t.s.blacklist[pairID]
	t.s.mu.RUnlock()
	return ok, nil
}

func (t *tx) IsTokenBlacklisted(_ context.Context, digest string) (bool, error) {
	for _, e := range t.blacklist {
		if e.AccessDigest == digest || e.RefreshDigest == digest {
			return true, nil
		}
	}
	t.s.mu.RLock()
	_, ok := t.s.digests[digest]
	t.s.mu.RUnlock()
	return ok, nil
}
