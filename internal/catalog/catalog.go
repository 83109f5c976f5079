// Package catalog lists the membership identifiers an author can target in a
// visibility rule: the two reserved selectors followed by the known plans.
package catalog

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rafaeljc/plangate/internal/store"
	"github.com/rafaeljc/plangate/internal/visibility"
)

// DefaultTTL bounds how stale the cached plan list may get if Invalidate is missed.
const DefaultTTL = time.Minute

// Entry is one selectable membership identifier.
type Entry struct {
	ID       string `json:"id"`
	Label    string `json:"label"`
	Reserved bool   `json:"reserved"`
}

// reservedEntries are listed first, in this order.
var reservedEntries = []Entry{
	{ID: visibility.NonMember, Label: "Non Members", Reserved: true},
	{ID: visibility.AllMembers, Label: "All Members", Reserved: true},
}

// snapshot is one cached catalog build.
type snapshot struct {
	entries []Entry
	expires time.Time
}

// Service builds and caches the catalog. The catalog is a single small value,
// so it is held in one atomically swapped snapshot rather than a keyed cache.
type Service struct {
	plans   store.PlanRepository
	ttl     time.Duration
	current atomic.Pointer[snapshot]
}

// NewService creates a catalog backed by the plan repository.
func NewService(plans store.PlanRepository, ttl time.Duration) *Service {
	if plans == nil {
		panic("catalog: plan repository cannot be nil")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	return &Service{plans: plans, ttl: ttl}
}

// List returns the reserved entries followed by every plan.
// Callers must not modify the returned slice.
func (s *Service) List(ctx context.Context) ([]Entry, error) {
	if snap := s.current.Load(); snap != nil && time.Now().Before(snap.expires) {
		return snap.entries, nil
	}

	plans, err := s.plans.ListPlans(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load plans: %w", err)
	}

	entries := make([]Entry, 0, len(reservedEntries)+len(plans))
	entries = append(entries, reservedEntries...)
	for _, p := range plans {
		// The table forbids reserved slugs, but a plan must never shadow one.
		if visibility.IsReserved(p.Slug) {
			continue
		}
		entries = append(entries, Entry{ID: p.Slug, Label: p.Name})
	}

	s.current.Store(&snapshot{entries: entries, expires: time.Now().Add(s.ttl)})
	return entries, nil
}

// Unknown returns the ids that are neither reserved nor known plans,
// in input order and without duplicates.
func (s *Service) Unknown(ctx context.Context, ids []string) ([]string, error) {
	entries, err := s.List(ctx)
	if err != nil {
		return nil, err
	}

	known := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		known[e.ID] = struct{}{}
	}

	var unknown []string
	seen := make(map[string]struct{})
	for _, id := range ids {
		if _, ok := known[id]; ok {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		unknown = append(unknown, id)
	}
	return unknown, nil
}

// Invalidate drops the cached list. Call after plan writes.
func (s *Service) Invalidate() {
	s.current.Store(nil)
}
