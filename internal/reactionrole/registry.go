package reactionrole

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/vivibot/vivibot/internal/storage"
)

// Registry indexes the live rules of the process for the dispatch layer.
type Registry struct {
	deps Deps
	// writeMu serialises Create, Delete and Load so a reload never drops a rule
	// created or resurrects a rule deleted while it was reading.
	writeMu sync.Mutex
	mu      sync.RWMutex
	rules   map[int64]*Rule
}

// NewRegistry constructs an empty registry whose rules use deps.
func NewRegistry(deps Deps) *Registry {
	return &Registry{deps: deps, rules: make(map[int64]*Rule)}
}

// Load brings the registry in line with every rule persisted in reader. Rules already
// registered keep their instance, and with it their locks; their fields and children are
// refreshed from storage. Registered rules missing from storage are retired. Every section of
// every registered rule is held across the read, so no local write lands between the read
// and the refresh.
func (g *Registry) Load(ctx context.Context, reader storage.Reader) error {
	g.writeMu.Lock()
	defer g.writeMu.Unlock()

	current := g.List()
	held := make([]*Rule, 0, len(current))
	defer func() {
		for _, rule := range held {
			rule.unlockAll()
		}
	}()
	for _, rule := range current {
		if err := rule.lockAll(ctx); err != nil {
			return fmt.Errorf("reactionrole: load: %w", err)
		}
		held = append(held, rule)
	}

	rules, err := Load(ctx, g.deps, reader)
	if err != nil {
		return err
	}

	byID := make(map[int64]*Rule, len(held))
	for _, rule := range held {
		byID[rule.id] = rule
	}
	index := make(map[int64]*Rule, len(rules))
	for _, loaded := range rules {
		if existing, ok := byID[loaded.id]; ok {
			existing.adopt(loaded)
			index[loaded.id] = existing
			delete(byID, loaded.id)
			continue
		}
		index[loaded.id] = loaded
	}
	for _, gone := range byID {
		gone.retire()
	}

	g.mu.Lock()
	g.rules = index
	g.mu.Unlock()
	return nil
}

// Create persists a new rule and registers it.
func (g *Registry) Create(ctx context.Context, in RuleInput) (*Rule, error) {
	g.writeMu.Lock()
	defer g.writeMu.Unlock()
	rule, err := Create(ctx, g.deps, in)
	if err != nil {
		return nil, err
	}
	g.mu.Lock()
	g.rules[rule.id] = rule
	g.mu.Unlock()
	return rule, nil
}

// Get returns the live rule with the given id.
func (g *Registry) Get(id int64) (*Rule, error) {
	g.mu.RLock()
	rule, ok := g.rules[id]
	g.mu.RUnlock()
	if !ok || rule.Deleted() {
		return nil, ErrRuleNotFound
	}
	return rule, nil
}

// List returns every live rule ordered by id.
func (g *Registry) List() []*Rule {
	g.mu.RLock()
	out := make([]*Rule, 0, len(g.rules))
	for _, rule := range g.rules {
		if !rule.Deleted() {
			out = append(out, rule)
		}
	}
	g.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// Lookup returns the active rules bound to messageID and reaction.
func (g *Registry) Lookup(messageID int64, reaction string) []*Rule {
	reaction = NormalizeReaction(reaction)
	var out []*Rule
	for _, rule := range g.List() {
		snap, err := rule.Snapshot()
		if err != nil {
			continue
		}
		if snap.Active && snap.MessageID == messageID && snap.Reaction == reaction {
			out = append(out, rule)
		}
	}
	return out
}

// Delete deletes the rule and drops it from the registry.
func (g *Registry) Delete(ctx context.Context, id int64) error {
	g.writeMu.Lock()
	defer g.writeMu.Unlock()
	rule, err := g.Get(id)
	if err != nil {
		return err
	}
	if err := rule.Delete(ctx); err != nil {
		return err
	}
	g.mu.Lock()
	delete(g.rules, id)
	g.mu.Unlock()
	return nil
}
