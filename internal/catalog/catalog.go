// Package catalog serves agent, playbook and domain definitions to the engine.
// Writers go through Store, which validates graphs before accepting a change;
// each job reads from an immutable Snapshot taken when it starts.
package catalog

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"

	"github.com/aristath/agentgraph/internal/config"
	"github.com/aristath/agentgraph/internal/graph"
)

// ErrNotFound is returned when a definition does not exist.
var ErrNotFound = errors.New("not found")

// Store holds the current definitions.
type Store struct {
	mu        sync.RWMutex
	domains   map[string]config.Domain
	agents    map[string]config.Agent
	playbooks map[string]config.Playbook
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		domains:   make(map[string]config.Domain),
		agents:    make(map[string]config.Agent),
		playbooks: make(map[string]config.Playbook),
	}
}

// FromConfig loads cfg, validating every agent's dependencies and every playbook
// graph against the full agent set.
func FromConfig(cfg *config.Config) (*Store, error) {
	s := NewStore()
	maps.Copy(s.domains, cfg.Domains)
	maps.Copy(s.agents, cfg.Agents)

	for _, id := range sortedKeys(s.agents) {
		a := s.agents[id]
		if err := graph.Validate(id, a.Dependencies, s.agents); err != nil {
			return nil, fmt.Errorf("agent %q: %w", id, err)
		}
	}
	for _, id := range sortedKeys(cfg.Playbooks) {
		if err := s.putPlaybookLocked(cfg.Playbooks[id]); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// PutDomain adds or replaces a domain.
func (s *Store) PutDomain(d config.Domain) error {
	if d.ID == "" {
		return fmt.Errorf("domain id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.domains[d.ID] = d
	return nil
}

// PutAgent adds or replaces an agent after checking its dependencies stay acyclic
// and reference known agents.
func (s *Store) PutAgent(a config.Agent) error {
	if a.ID == "" {
		return fmt.Errorf("agent id is required")
	}
	if !a.Class.Valid() {
		return fmt.Errorf("agent %q: invalid class %q", a.ID, a.Class)
	}
	if err := a.OutputSchema.Check(); err != nil {
		return fmt.Errorf("agent %q: %w", a.ID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := graph.Validate(a.ID, a.Dependencies, s.agents); err != nil {
		return fmt.Errorf("agent %q: %w", a.ID, err)
	}

	// Playbooks that use the agent must still plan with the new definition.
	next := maps.Clone(s.agents)
	next[a.ID] = a
	for _, id := range sortedKeys(s.playbooks) {
		pb := s.playbooks[id]
		if !slices.Contains(pb.Graph.Nodes, a.ID) {
			continue
		}
		if err := graph.ValidateGraph(graph.EffectiveGraph(pb, next), pb.Class, next); err != nil {
			return fmt.Errorf("agent %q breaks playbook %q: %w", a.ID, pb.ID, err)
		}
	}

	s.agents[a.ID] = a
	return nil
}

// PutPlaybook adds or replaces a playbook after validating its graph.
func (s *Store) PutPlaybook(pb config.Playbook) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.putPlaybookLocked(pb)
}

func (s *Store) putPlaybookLocked(pb config.Playbook) error {
	if pb.ID == "" {
		return fmt.Errorf("playbook id is required")
	}
	if len(s.domains) > 0 {
		if _, ok := s.domains[pb.DomainID]; !ok {
			return fmt.Errorf("playbook %q: unknown domain %q", pb.ID, pb.DomainID)
		}
	}
	if err := graph.ValidateGraph(graph.EffectiveGraph(pb, s.agents), pb.Class, s.agents); err != nil {
		return fmt.Errorf("playbook %q: %w", pb.ID, err)
	}
	s.playbooks[pb.ID] = pb
	return nil
}

// Snapshot returns an immutable copy of the current definitions.
func (s *Store) Snapshot() *Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := &Snapshot{
		domains:   maps.Clone(s.domains),
		agents:    make(map[string]config.Agent, len(s.agents)),
		playbooks: make(map[string]config.Playbook, len(s.playbooks)),
	}
	for id, a := range s.agents {
		snap.agents[id] = cloneAgent(a)
	}
	for id, pb := range s.playbooks {
		pb.Graph = config.DependencyGraph{
			Nodes: append([]string(nil), pb.Graph.Nodes...),
			Edges: append([]config.Edge(nil), pb.Graph.Edges...),
		}
		snap.playbooks[id] = pb
	}
	return snap
}

// Snapshot is a read-only view of the definitions at one point in time.
type Snapshot struct {
	domains   map[string]config.Domain
	agents    map[string]config.Agent
	playbooks map[string]config.Playbook
}

// GetAgent returns an agent definition.
func (s *Snapshot) GetAgent(id string) (config.Agent, error) {
	a, ok := s.agents[id]
	if !ok {
		return config.Agent{}, fmt.Errorf("agent %q: %w", id, ErrNotFound)
	}
	return cloneAgent(a), nil
}

// GetPlaybook returns a playbook definition.
func (s *Snapshot) GetPlaybook(id string) (config.Playbook, error) {
	pb, ok := s.playbooks[id]
	if !ok {
		return config.Playbook{}, fmt.Errorf("playbook %q: %w", id, ErrNotFound)
	}
	return pb, nil
}

// FindPlaybook returns the playbook for a domain and class. When several match,
// the one with the smallest id wins.
func (s *Snapshot) FindPlaybook(domainID string, class config.AgentClass) (config.Playbook, error) {
	for _, id := range sortedKeys(s.playbooks) {
		pb := s.playbooks[id]
		if pb.DomainID == domainID && pb.Class == class {
			return pb, nil
		}
	}
	return config.Playbook{}, fmt.Errorf("playbook for domain %q class %q: %w", domainID, class, ErrNotFound)
}

// Agents returns every agent definition. The map is a copy.
func (s *Snapshot) Agents() map[string]config.Agent {
	out := make(map[string]config.Agent, len(s.agents))
	for id, a := range s.agents {
		out[id] = cloneAgent(a)
	}
	return out
}

// Playbooks returns the playbook ids, sorted.
func (s *Snapshot) Playbooks() []string {
	return sortedKeys(s.playbooks)
}

// Domain returns a domain definition.
func (s *Snapshot) Domain(id string) (config.Domain, bool) {
	d, ok := s.domains[id]
	return d, ok
}

func cloneAgent(a config.Agent) config.Agent {
	a.Dependencies = append([]string(nil), a.Dependencies...)
	a.OutputSchema = maps.Clone(a.OutputSchema)
	a.Args = append([]string(nil), a.Args...)
	a.Env = append([]string(nil), a.Env...)
	a.Static = maps.Clone(a.Static)
	return a
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
