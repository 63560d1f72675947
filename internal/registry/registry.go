// Package registry implements the CapabilityRegistry of spec.md §4.6: a
// capability index with a dependency DAG, category lookup, composition
// execution (sequential/parallel/conditional/pipeline), and configurable
// error policies.
package registry

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// TrustLevel mirrors internal/agent.TrustLevel's ordering without importing
// it, so registry stays a leaf package callers can use standalone.
type TrustLevel int

const (
	TrustUntrusted TrustLevel = iota
	TrustBasic
	TrustVerified
	TrustTrusted
	TrustPrivileged
)

// Wrapper is the executable behind a capability: {transformIn, execute,
// transformOut}, re-architected per spec.md §10 from a class hierarchy into
// a capability set (one small interface, five concrete tool wrappers would
// each implement it).
type Wrapper interface {
	TransformIn(params map[string]any) (map[string]any, error)
	Execute(ctx context.Context, params map[string]any) (map[string]any, error)
	TransformOut(result map[string]any) (map[string]any, error)
}

// Metadata carries the performance/trust facets queried over.
type Metadata struct {
	Version       string
	Category      string
	MinTrustLevel TrustLevel
	SuccessRate   float64
	AvgLatencyMS  float64
	Tags          []string
}

// Capability is one registered unit of functionality.
type Capability struct {
	ID                   string
	Name                 string
	RequiredCapabilities []string
	Wrapper              Wrapper
	Metadata             Metadata
}

// Registry is the exclusive owner of capability records and their indices.
type Registry struct {
	mu           sync.RWMutex
	byID         map[string]*Capability
	categories   map[string]map[string]bool // category -> set of capability ids
	compositions map[string]*Composition
	logger       *zap.Logger
}

// New constructs an empty registry.
func New(logger *zap.Logger) *Registry {
	return &Registry{
		byID:         make(map[string]*Capability),
		categories:   make(map[string]map[string]bool),
		compositions: make(map[string]*Composition),
		logger:       logger,
	}
}

// Register validates field completeness, replaces any existing registration
// (logging both versions), and updates the category index.
func (r *Registry) Register(c *Capability) error {
	if c.ID == "" || c.Name == "" || c.Wrapper == nil {
		return fmt.Errorf("registry: capability missing required fields")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.byID[c.ID]; ok && r.logger != nil {
		r.logger.Warn("replacing existing capability registration",
			zap.String("id", c.ID),
			zap.String("old_version", existing.Metadata.Version),
			zap.String("new_version", c.Metadata.Version))
	}

	r.byID[c.ID] = c
	category := firstSegment(c.Name)
	if r.categories[category] == nil {
		r.categories[category] = make(map[string]bool)
	}
	r.categories[category][c.ID] = true
	return nil
}

func firstSegment(name string) string {
	if idx := strings.Index(name, "."); idx >= 0 {
		return name[:idx]
	}
	return name
}

// Get resolves a capability by id.
func (r *Registry) Get(id string) (*Capability, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byID[id]
	return c, ok
}

// Filter is a query predicate set, per spec.md §4.6 query().
type Filter struct {
	NameSubstring        string
	Version              string
	Category             string
	MinTrustLevel        TrustLevel
	RequiredCapabilities []string // results must be a superset of these
	MinSuccessRate       float64
	MaxAvgLatencyMS      float64
	Tags                 []string
}

// Query linear-scans capabilities matching filter, sorted by
// success-rate / max(avg-latency, 1) descending.
func (r *Registry) Query(filter Filter) []*Capability {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Capability
	for _, c := range r.byID {
		if filter.NameSubstring != "" && !strings.Contains(c.Name, filter.NameSubstring) {
			continue
		}
		if filter.Version != "" && c.Metadata.Version != filter.Version {
			continue
		}
		if filter.Category != "" && firstSegment(c.Name) != filter.Category {
			continue
		}
		if c.Metadata.MinTrustLevel < filter.MinTrustLevel {
			continue
		}
		if !isSuperset(c.RequiredCapabilities, filter.RequiredCapabilities) {
			continue
		}
		if filter.MinSuccessRate > 0 && c.Metadata.SuccessRate < filter.MinSuccessRate {
			continue
		}
		if filter.MaxAvgLatencyMS > 0 && c.Metadata.AvgLatencyMS > filter.MaxAvgLatencyMS {
			continue
		}
		if len(filter.Tags) > 0 && !hasAllTags(c.Metadata.Tags, filter.Tags) {
			continue
		}
		out = append(out, c)
	}

	sort.Slice(out, func(i, j int) bool {
		return score(out[i]) > score(out[j])
	})
	return out
}

func score(c *Capability) float64 {
	latency := c.Metadata.AvgLatencyMS
	if latency < 1 {
		latency = 1
	}
	return c.Metadata.SuccessRate / latency
}

func isSuperset(have, want []string) bool {
	set := make(map[string]bool, len(have))
	for _, h := range have {
		set[h] = true
	}
	for _, w := range want {
		if !set[w] {
			return false
		}
	}
	return true
}

func hasAllTags(have, want []string) bool {
	set := make(map[string]bool, len(have))
	for _, h := range have {
		set[h] = true
	}
	for _, w := range want {
		if !set[w] {
			return false
		}
	}
	return true
}

// color marks DFS visitation state for cycle detection.
type color int

const (
	white color = iota
	grey
	black
)

// validateDAG rejects a composition whose dependency edges reference
// outsiders or whose dependency graph is cyclic, via DFS white/grey/black
// coloring (spec.md §4.6).
func (r *Registry) validateDAG(memberIDs []string) error {
	members := make(map[string]bool, len(memberIDs))
	for _, id := range memberIDs {
		members[id] = true
	}

	colors := make(map[string]color, len(memberIDs))
	var visit func(id string) error
	visit = func(id string) error {
		colors[id] = grey
		member, ok := r.byID[id]
		if !ok {
			return fmt.Errorf("registry: composition references unknown capability %s", id)
		}
		for _, dep := range member.RequiredCapabilities {
			if !members[dep] {
				return fmt.Errorf("registry: composition dependency %s references a member outside the composition", dep)
			}
			switch colors[dep] {
			case white:
				if err := visit(dep); err != nil {
					return err
				}
			case grey:
				return fmt.Errorf("registry: cyclic dependency detected at %s", dep)
			}
		}
		colors[id] = black
		return nil
	}

	for _, id := range memberIDs {
		if colors[id] == white {
			if err := visit(id); err != nil {
				return err
			}
		}
	}
	return nil
}

// Strategy is how a composition's members are executed.
type Strategy int

const (
	StrategySequential Strategy = iota
	StrategyParallel
	StrategyConditional
	StrategyPipeline
)

// ErrorPolicy governs how a composition reacts to a member failure.
type ErrorPolicy int

const (
	ErrorFailFast ErrorPolicy = iota
	ErrorContinue
	ErrorRetry
)

// Composition is a validated, named group of capabilities executed under a
// single strategy and error policy.
type Composition struct {
	ID          string
	MemberIDs   []string
	Strategy    Strategy
	ErrorPolicy ErrorPolicy
	RetryCount  int
	// Predicates gates a member's execution in the conditional strategy: it
	// is keyed by member id, receives the accumulated prior results, and
	// returns whether that member should run. Absent predicates reduce to sequential
	// execution per spec.md §4.6.
	Predicates map[string]func(priorResults map[string]map[string]any) bool
}

// Compose validates and registers a composition: members must all be known
// and their combined dependency graph must be an acyclic DAG.
func (r *Registry) Compose(c *Composition) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, id := range c.MemberIDs {
		if _, ok := r.byID[id]; !ok {
			return fmt.Errorf("registry: composition member %s is unknown", id)
		}
	}
	if err := r.validateDAG(c.MemberIDs); err != nil {
		return err
	}

	r.compositions[c.ID] = c
	return nil
}
