// SPDX-License-Identifier: Apache-2.0

package strategy

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/mod/semver"

	"github.com/kusari-oss/remedy/internal/core/models"
	"github.com/kusari-oss/remedy/internal/logging"
)

type entry struct {
	strategy Strategy
	meta     Metadata
	seq      uint64
}

// Registry is the catalog of strategies keyed by (name, version). Reads
// may run concurrently; registration is exclusive.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]map[string]*entry
	seq     uint64
	logger  *logging.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *logging.Logger) *Registry {
	return &Registry{
		entries: make(map[string]map[string]*entry),
		logger:  logging.OrNop(logger).Named("strategy"),
	}
}

// CanonicalVersion returns v in the "vMAJOR.MINOR.PATCH" form used for
// comparisons, or an empty string when v is not a semantic version.
func CanonicalVersion(v string) string {
	if v == "" {
		return ""
	}
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	if !semver.IsValid(v) {
		return ""
	}
	return semver.Canonical(v)
}

// Register adds a strategy. Registering the same (name, version) twice is an error.
func (r *Registry) Register(s Strategy) error {
	if s == nil {
		return fmt.Errorf("%w: strategy", models.ErrNilArgument)
	}
	meta := s.Metadata()
	if meta.Name == "" {
		return fmt.Errorf("strategy name is required")
	}
	version := CanonicalVersion(meta.Version)
	if version == "" {
		return fmt.Errorf("strategy %s: invalid version %q", meta.Name, meta.Version)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	versions, ok := r.entries[meta.Name]
	if !ok {
		versions = make(map[string]*entry)
		r.entries[meta.Name] = versions
	}
	if _, exists := versions[version]; exists {
		return fmt.Errorf("strategy %s@%s is already registered", meta.Name, meta.Version)
	}
	r.seq++
	versions[version] = &entry{strategy: s, meta: meta, seq: r.seq}
	r.logger.Debug(context.Background(), "registered strategy",
		zap.String("strategy", meta.Name), zap.String("version", version))
	return nil
}

// Unregister removes one version of a strategy.
func (r *Registry) Unregister(name, version string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	versions, ok := r.entries[name]
	canonical := CanonicalVersion(version)
	if !ok || versions[canonical] == nil {
		return fmt.Errorf("%w: strategy %s@%s", models.ErrNotFound, name, version)
	}
	delete(versions, canonical)
	if len(versions) == 0 {
		delete(r.entries, name)
	}
	return nil
}

// Get returns the strategy registered under (name, version).
func (r *Registry) Get(name, version string) (Strategy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if e := r.entries[name][CanonicalVersion(version)]; e != nil {
		return e.strategy, nil
	}
	return nil, fmt.Errorf("%w: strategy %s@%s", models.ErrNotFound, name, version)
}

// GetMetadata returns the metadata registered under (name, version).
func (r *Registry) GetMetadata(name, version string) (Metadata, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if e := r.entries[name][CanonicalVersion(version)]; e != nil {
		return e.meta, nil
	}
	return Metadata{}, fmt.Errorf("%w: strategy %s@%s", models.ErrNotFound, name, version)
}

// GetLatestVersion returns the highest semantic version registered for name.
func (r *Registry) GetLatestVersion(name string) (Strategy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if e := latest(r.entries[name]); e != nil {
		return e.strategy, nil
	}
	return nil, fmt.Errorf("%w: strategy %s", models.ErrNotFound, name)
}

func latest(versions map[string]*entry) *entry {
	var best string
	for v := range versions {
		if best == "" || semver.Compare(v, best) > 0 {
			best = v
		}
	}
	if best == "" {
		return nil
	}
	return versions[best]
}

// List returns the metadata of every registered version, sorted by name
// then ascending version.
func (r *Registry) List() []Metadata {
	r.mu.RLock()
	type item struct {
		version string
		meta    Metadata
	}
	var items []item
	for _, versions := range r.entries {
		for v, e := range versions {
			items = append(items, item{version: v, meta: e.meta})
		}
	}
	r.mu.RUnlock()

	sort.Slice(items, func(i, j int) bool {
		if items[i].meta.Name != items[j].meta.Name {
			return items[i].meta.Name < items[j].meta.Name
		}
		return semver.Compare(items[i].version, items[j].version) < 0
	})
	out := make([]Metadata, 0, len(items))
	for _, it := range items {
		out = append(out, it.meta)
	}
	return out
}

// Filter returns the metadata of every version whose labels satisfy selectors.
func (r *Registry) Filter(selectors map[string][]string) []Metadata {
	var out []Metadata
	for _, meta := range r.List() {
		if MatchesLabels(meta.Labels, selectors) {
			out = append(out, meta)
		}
	}
	return out
}

// Len returns the number of registered (name, version) pairs.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, versions := range r.entries {
		n += len(versions)
	}
	return n
}

// Candidate is an applicable strategy with its priority for one error.
type Candidate struct {
	Strategy Strategy
	Priority models.Priority
}

// GetStrategiesForError returns the latest version of every strategy that
// can handle ec, ordered by priority (highest first) and then by
// registration order. Strategies whose checks fail are skipped.
func (r *Registry) GetStrategiesForError(ctx context.Context, ec *models.ErrorContext) ([]Candidate, error) {
	if ec == nil {
		return nil, fmt.Errorf("%w: error context", models.ErrNilArgument)
	}

	r.mu.RLock()
	snapshot := make([]*entry, 0, len(r.entries))
	for _, versions := range r.entries {
		if e := latest(versions); e != nil {
			snapshot = append(snapshot, e)
		}
	}
	r.mu.RUnlock()

	// Registration order is the base order so the stable sort below breaks
	// priority ties deterministically.
	sort.Slice(snapshot, func(i, j int) bool { return snapshot[i].seq < snapshot[j].seq })

	var candidates []Candidate
	for _, e := range snapshot {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		ok, err := e.strategy.CanHandle(ctx, ec)
		if err != nil {
			r.logger.Warn(ctx, "strategy applicability check failed",
				zap.String("strategy", e.meta.Name), zap.Error(err))
			continue
		}
		if !ok {
			continue
		}
		prio, err := e.strategy.Priority(ctx, ec)
		if err != nil {
			r.logger.Warn(ctx, "strategy priority failed, using declared priority",
				zap.String("strategy", e.meta.Name), zap.Error(err))
			prio = e.meta.Priority
		}
		candidates = append(candidates, Candidate{Strategy: e.strategy, Priority: prio})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Priority > candidates[j].Priority
	})
	return candidates, nil
}
