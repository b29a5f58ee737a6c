package hierarchy

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/coopsys/warden/internal/shared"
)

// AggregateState is a rollup over one subtree.
type AggregateState struct {
	TotalTokens int64   `json:"total_tokens"`
	AvgQuality  float64 `json:"avg_quality"`
	ActiveCount int     `json:"active_count"`
	Count       int     `json:"count"`
}

// MetricsReader supplies per-agent token and quality figures for rollups.
// The hierarchy never owns those numbers; the state layer does.
type MetricsReader interface {
	// AgentMetrics returns (tokens, quality, ok). ok is false for agents the
	// reader has never seen; their tokens count as 0 and they are excluded
	// from the quality average.
	AgentMetrics(agentID string) (int64, float64, bool)
}

// SetMetricsReader installs the rollup source. Aggregates computed before a
// reader is installed fall back to node metadata keys "tokens" and "quality".
func (s *Store) SetMetricsReader(r MetricsReader) {
	s.mu.Lock()
	s.metrics = r
	s.cache.purge()
	s.mu.Unlock()
}

// aggregateCache is a bounded cache of full-subtree aggregates keyed by root
// agent ID. Structural mutations evict the touched node and its ancestors.
type aggregateCache struct {
	lru *lru.Cache[string, AggregateState]
}

func newAggregateCache(size int) *aggregateCache {
	c, err := lru.New[string, AggregateState](size)
	if err != nil {
		// Only possible with size <= 0, which New() guards against upstream.
		panic(fmt.Sprintf("aggregate cache: %v", err))
	}
	return &aggregateCache{lru: c}
}

func (c *aggregateCache) get(key string) (AggregateState, bool) { return c.lru.Get(key) }
func (c *aggregateCache) add(key string, v AggregateState)      { c.lru.Add(key, v) }
func (c *aggregateCache) remove(key string)                     { c.lru.Remove(key) }
func (c *aggregateCache) purge()                                { c.lru.Purge() }

// GetAggregateState rolls up rootAgentID's subtree, root included. Results
// are cached until the subtree or any node status within it changes.
func (s *Store) GetAggregateState(rootAgentID string) (AggregateState, error) {
	s.mu.RLock()
	agg, ok := s.cache.get(rootAgentID)
	s.mu.RUnlock()
	if ok {
		return agg, nil
	}

	// Misses compute and insert under the write lock. A mutation can then
	// never land between the computation and the insert, so the cache only
	// ever holds values the tree it describes actually produced.
	s.mu.Lock()
	defer s.mu.Unlock()
	if agg, ok := s.cache.get(rootAgentID); ok {
		return agg, nil
	}
	if _, ok := s.nodes[rootAgentID]; !ok {
		return AggregateState{}, fmt.Errorf("%w: %s", ErrAgentNotFound, rootAgentID)
	}
	ids := append([]string{rootAgentID}, s.descendantsLocked(rootAgentID)...)
	agg = s.aggregateLocked(ids, nil)
	s.cache.add(rootAgentID, agg)
	return agg, nil
}

// GetAggregateByLevel rolls up rootAgentID's subtree bucketed by depth
// relative to the root (the root itself is level 0). Level rollups are
// always computed fresh.
func (s *Store) GetAggregateByLevel(rootAgentID string) (map[int]AggregateState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	root, ok := s.nodes[rootAgentID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, rootAgentID)
	}

	byLevel := make(map[int][]string)
	byLevel[0] = []string{rootAgentID}
	for _, id := range s.descendantsLocked(rootAgentID) {
		level := s.nodes[id].Depth - root.Depth
		byLevel[level] = append(byLevel[level], id)
	}

	out := make(map[int]AggregateState, len(byLevel))
	for level, ids := range byLevel {
		out[level] = s.aggregateLocked(ids, nil)
	}
	return out, nil
}

// GetAggregateFiltered is GetAggregateState restricted to nodes in one of
// the given statuses. Filtered rollups bypass the cache.
func (s *Store) GetAggregateFiltered(rootAgentID string, statuses ...NodeStatus) (AggregateState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.nodes[rootAgentID]; !ok {
		return AggregateState{}, fmt.Errorf("%w: %s", ErrAgentNotFound, rootAgentID)
	}
	var filter map[NodeStatus]bool
	if len(statuses) > 0 {
		filter = make(map[NodeStatus]bool, len(statuses))
		for _, st := range statuses {
			filter[st] = true
		}
	}
	ids := append([]string{rootAgentID}, s.descendantsLocked(rootAgentID)...)
	return s.aggregateLocked(ids, filter), nil
}

func (s *Store) aggregateLocked(ids []string, statusFilter map[NodeStatus]bool) AggregateState {
	var agg AggregateState
	var qualitySum float64
	var qualityN int
	for _, id := range ids {
		node, ok := s.nodes[id]
		if !ok {
			continue
		}
		if statusFilter != nil && !statusFilter[node.Status] {
			continue
		}
		agg.Count++
		if node.Status == NodeActive {
			agg.ActiveCount++
		}
		tokens, quality, known := s.nodeMetricsLocked(node)
		agg.TotalTokens += tokens
		if known {
			qualitySum += quality
			qualityN++
		}
	}
	if qualityN > 0 {
		agg.AvgQuality = qualitySum / float64(qualityN)
	}
	return agg
}

func (s *Store) nodeMetricsLocked(node *Node) (int64, float64, bool) {
	if s.metrics != nil {
		return s.metrics.AgentMetrics(node.AgentID)
	}
	tokens, tokensOK := shared.NumberAsInt64(node.Metadata["tokens"])
	quality, qualityOK := shared.NumberAsFloat64(node.Metadata["quality"])
	if !tokensOK && !qualityOK {
		return 0, 0, false
	}
	return tokens, quality, qualityOK
}
