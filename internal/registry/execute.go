package registry

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// ExecuteComposition dispatches a composition's members per its strategy,
// applying the error policy to member failures, per spec.md §4.6.
func (r *Registry) ExecuteComposition(ctx context.Context, compositionID string, params map[string]any, trust TrustLevel) (map[string]map[string]any, error) {
	r.mu.RLock()
	c, ok := r.compositions[compositionID]
	if !ok {
		r.mu.RUnlock()
		return nil, fmt.Errorf("registry: unknown composition %s", compositionID)
	}
	members := make([]*Capability, 0, len(c.MemberIDs))
	for _, id := range c.MemberIDs {
		member := r.byID[id]
		if trust < member.Metadata.MinTrustLevel {
			r.mu.RUnlock()
			return nil, fmt.Errorf("registry: trust level insufficient for member %s", id)
		}
		members = append(members, member)
	}
	r.mu.RUnlock()

	switch c.Strategy {
	case StrategyParallel:
		return r.executeParallel(ctx, c, members, params)
	case StrategyPipeline:
		return r.executePipeline(ctx, c, members, params)
	case StrategyConditional:
		return r.executeConditional(ctx, c, members, params)
	default:
		return r.executeSequential(ctx, c, members, params)
	}
}

func (r *Registry) runOne(ctx context.Context, c *Composition, m *Capability, params map[string]any) (map[string]any, error) {
	in, err := m.Wrapper.TransformIn(params)
	if err != nil {
		return nil, err
	}
	attempts := 1
	if c.ErrorPolicy == ErrorRetry && c.RetryCount > 0 {
		attempts = c.RetryCount + 1
	}
	var result map[string]any
	var lastErr error
	for i := 0; i < attempts; i++ {
		result, lastErr = m.Wrapper.Execute(ctx, in)
		if lastErr == nil {
			break
		}
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return m.Wrapper.TransformOut(result)
}

func (r *Registry) executeSequential(ctx context.Context, c *Composition, members []*Capability, params map[string]any) (map[string]map[string]any, error) {
	results := make(map[string]map[string]any, len(members))
	for _, m := range members {
		out, err := r.runOne(ctx, c, m, params)
		if err != nil {
			switch c.ErrorPolicy {
			case ErrorContinue:
				if r.logger != nil {
					r.logger.Warn("composition member failed, continuing", zap.String("member", m.ID), zap.Error(err))
				}
				continue
			default: // fail-fast, retry (retries are exhausted by runOne already)
				return results, fmt.Errorf("registry: member %s failed: %w", m.ID, err)
			}
		}
		results[m.ID] = out
	}
	return results, nil
}

// executeParallel runs every member concurrently and joins on all of them
// before applying the error policy, per spec.md §4.6.
func (r *Registry) executeParallel(ctx context.Context, c *Composition, members []*Capability, params map[string]any) (map[string]map[string]any, error) {
	type outcome struct {
		id  string
		out map[string]any
		err error
	}
	outcomes := make(chan outcome, len(members))
	var wg sync.WaitGroup
	for _, m := range members {
		wg.Add(1)
		go func(m *Capability) {
			defer wg.Done()
			out, err := r.runOne(ctx, c, m, params)
			outcomes <- outcome{id: m.ID, out: out, err: err}
		}(m)
	}
	wg.Wait()
	close(outcomes)

	results := make(map[string]map[string]any, len(members))
	var firstErr error
	for o := range outcomes {
		if o.err != nil {
			if firstErr == nil {
				firstErr = o.err
			}
			continue
		}
		results[o.id] = o.out
	}
	if firstErr != nil && c.ErrorPolicy == ErrorFailFast {
		return results, fmt.Errorf("registry: composition member failed: %w", firstErr)
	}
	return results, nil
}

// executeConditional evaluates each member's predicate against prior
// results; members with no predicate always run (reducing to sequential
// when predicates are absent entirely, per spec.md §4.6).
func (r *Registry) executeConditional(ctx context.Context, c *Composition, members []*Capability, params map[string]any) (map[string]map[string]any, error) {
	results := make(map[string]map[string]any, len(members))
	for _, m := range members {
		if pred, ok := c.Predicates[m.ID]; ok && !pred(results) {
			continue
		}
		out, err := r.runOne(ctx, c, m, params)
		if err != nil {
			if c.ErrorPolicy == ErrorContinue {
				continue
			}
			return results, fmt.Errorf("registry: member %s failed: %w", m.ID, err)
		}
		results[m.ID] = out
	}
	return results, nil
}

// executePipeline merges each member's result into the parameter set
// handed to the next member, per spec.md §4.6.
func (r *Registry) executePipeline(ctx context.Context, c *Composition, members []*Capability, params map[string]any) (map[string]map[string]any, error) {
	results := make(map[string]map[string]any, len(members))
	current := params
	for _, m := range members {
		out, err := r.runOne(ctx, c, m, current)
		if err != nil {
			if c.ErrorPolicy == ErrorContinue {
				continue
			}
			return results, fmt.Errorf("registry: member %s failed: %w", m.ID, err)
		}
		results[m.ID] = out
		merged := make(map[string]any, len(current)+len(out))
		for k, v := range current {
			merged[k] = v
		}
		for k, v := range out {
			merged[k] = v
		}
		current = merged
	}
	return results, nil
}
