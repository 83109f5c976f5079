package controlapi

import (
	"cmp"
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/rafaeljc/plangate/internal/catalog"
	"github.com/rafaeljc/plangate/internal/store"
	"github.com/rafaeljc/plangate/internal/visibility"
)

var errBoom = errors.New("boom")

// memStore implements the three repositories in memory.
type memStore struct {
	mu          sync.Mutex
	plans       map[string]*store.Plan
	rules       map[string]*store.ElementRule
	memberships map[string]map[string]*time.Time // viewer -> plan -> expiry
	failRules   bool
	nextPlanID  int64
	ruleSeq     int64
}

func newMemStore() *memStore {
	return &memStore{
		plans:       make(map[string]*store.Plan),
		rules:       make(map[string]*store.ElementRule),
		memberships: make(map[string]map[string]*time.Time),
	}
}

func (m *memStore) ListPlans(context.Context) ([]*store.Plan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*store.Plan, 0, len(m.plans))
	for _, p := range m.plans {
		out = append(out, p)
	}
	slices.SortFunc(out, func(a, b *store.Plan) int {
		if a.Name != b.Name {
			return cmp.Compare(a.Name, b.Name)
		}
		return cmp.Compare(a.Slug, b.Slug)
	})
	return out, nil
}

func (m *memStore) UpsertPlan(_ context.Context, p *store.Plan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	if existing, ok := m.plans[p.Slug]; ok {
		existing.Name = p.Name
		existing.UpdatedAt = now
		*p = *existing
		return nil
	}
	m.nextPlanID++
	p.ID, p.CreatedAt, p.UpdatedAt = m.nextPlanID, now, now
	cp := *p
	m.plans[p.Slug] = &cp
	return nil
}

func (m *memStore) ListActivePlanSlugs(_ context.Context, viewerID string, now time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for slug, exp := range m.memberships[viewerID] {
		if exp == nil || exp.After(now) {
			out = append(out, slug)
		}
	}
	slices.Sort(out)
	return out, nil
}

func (m *memStore) GrantMembership(_ context.Context, viewerID, planSlug string, expiresAt *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.plans[planSlug]; !ok {
		return store.ErrNotFound
	}
	if m.memberships[viewerID] == nil {
		m.memberships[viewerID] = make(map[string]*time.Time)
	}
	m.memberships[viewerID][planSlug] = expiresAt
	return nil
}

func (m *memStore) RevokeMembership(_ context.Context, viewerID, planSlug string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.memberships[viewerID][planSlug]; !ok {
		return store.ErrNotFound
	}
	delete(m.memberships[viewerID], planSlug)
	return nil
}

func (m *memStore) GetElementRule(_ context.Context, elementID string) (*store.ElementRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failRules {
		return nil, errBoom
	}
	r, ok := m.rules[elementID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *memStore) UpsertElementRule(_ context.Context, r *store.ElementRule, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failRules {
		return errBoom
	}
	r.Rule = r.Rule.Normalize()
	now := time.Now()
	existing, ok := m.rules[r.ElementID]
	if expectedVersion != 0 && (!ok || existing.Version != expectedVersion) {
		return store.ErrVersionConflict
	}
	m.ruleSeq++
	r.Version = m.ruleSeq
	r.Created = !ok
	if ok {
		r.CreatedAt = existing.CreatedAt
	} else {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	cp := *r
	m.rules[r.ElementID] = &cp
	return nil
}

func (m *memStore) DeleteElementRule(_ context.Context, elementID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rules[elementID]; !ok {
		return store.ErrNotFound
	}
	delete(m.rules, elementID)
	return nil
}

func (m *memStore) ListElementRules(_ context.Context, limit, offset int) ([]*store.ElementRule, int64, error) {
	all, _ := m.ListAllElementRules(context.Background())
	total := int64(len(all))
	if offset >= len(all) {
		return []*store.ElementRule{}, total, nil
	}
	end := min(offset+limit, len(all))
	return all[offset:end], total, nil
}

func (m *memStore) ListAllElementRules(context.Context) ([]*store.ElementRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*store.ElementRule, 0, len(m.rules))
	for _, r := range m.rules {
		cp := *r
		out = append(out, &cp)
	}
	slices.SortFunc(out, func(a, b *store.ElementRule) int { return cmp.Compare(a.ElementID, b.ElementID) })
	return out, nil
}

// fakePublisher records propagation calls.
type fakePublisher struct {
	mu          sync.Mutex
	pushes      []string
	invalidated []string
	pushErr     error
}

func (p *fakePublisher) PushUpdate(_ context.Context, elementID string, _ int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pushErr != nil {
		return p.pushErr
	}
	p.pushes = append(p.pushes, elementID)
	return nil
}

func (p *fakePublisher) DeleteMemberships(_ context.Context, viewerID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.invalidated = append(p.invalidated, viewerID)
	return nil
}

func (p *fakePublisher) Pushed() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.pushes)
}

func (p *fakePublisher) Invalidated() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.invalidated)
}

// testEnv wires the API over in-memory collaborators with a real catalog.
type testEnv struct {
	api       *API
	store     *memStore
	publisher *fakePublisher
	catalog   *catalog.Service
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()

	st := newMemStore()
	pub := &fakePublisher{}
	cat := catalog.NewService(st, time.Minute)

	if cfg.APIKeyHash == "" {
		cfg.SkipAuth = true
	}
	cfg.NotifyMaxRetries = 2

	api := NewAPI(Dependencies{
		Plans:       st,
		Memberships: st,
		Rules:       st,
		Catalog:     cat,
		Publisher:   pub,
	}, cfg)

	return &testEnv{api: api, store: st, publisher: pub, catalog: cat}
}

func (e *testEnv) seedPlan(slug, name string) {
	_ = e.store.UpsertPlan(context.Background(), &store.Plan{Slug: slug, Name: name})
	e.catalog.Invalidate()
}

func (e *testEnv) seedRule(elementID string, rule visibility.Rule) *store.ElementRule {
	r := &store.ElementRule{ElementID: elementID, Rule: rule}
	_ = e.store.UpsertElementRule(context.Background(), r, 0)
	return r
}

// nopCatalog is enough for constructor tests.
type nopCatalog struct{}

func (nopCatalog) List(context.Context) ([]catalog.Entry, error)       { return nil, nil }
func (nopCatalog) Unknown(context.Context, []string) ([]string, error) { return nil, nil }
func (nopCatalog) Invalidate()                                         {}
