package repository

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore 内存实现，用于测试和本地开发
type MemoryStore struct {
	mu          sync.Mutex
	instances   map[string]*Instance
	transitions map[string][]*Transition
}

// NewMemoryStore 创建内存存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		instances:   make(map[string]*Instance),
		transitions: make(map[string][]*Transition),
	}
}

// Create 创建实例，correlation id 已存在时返回 ErrDuplicateKey
func (s *MemoryStore) Create(ctx context.Context, inst *Instance, tr *Transition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.instances[inst.CorrelationID]; ok {
		return ErrDuplicateKey
	}
	now := currentTimeMs()
	if inst.CreatedAtMs == 0 {
		inst.CreatedAtMs = now
	}
	inst.UpdatedAtMs = now
	s.instances[inst.CorrelationID] = inst.Clone()
	if tr != nil {
		s.appendTransition(tr)
	}
	return nil
}

// Load 返回实例的深拷贝，不存在时返回 ErrNotFound
func (s *MemoryStore) Load(ctx context.Context, correlationID string) (*Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.instances[correlationID]
	if !ok {
		return nil, ErrNotFound
	}
	return inst.Clone(), nil
}

// CompareAndSwap 版本匹配时整体替换，否则返回 ErrVersionConflict
func (s *MemoryStore) CompareAndSwap(ctx context.Context, inst *Instance, expectedVersion int64, trs []*Transition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.instances[inst.CorrelationID]
	if !ok {
		return ErrNotFound
	}
	if current.Version != expectedVersion {
		return ErrVersionConflict
	}
	inst.UpdatedAtMs = currentTimeMs()
	inst.Version = expectedVersion + 1
	s.instances[inst.CorrelationID] = inst.Clone()
	for _, tr := range trs {
		s.appendTransition(tr)
	}
	return nil
}

// ListStuck 列出需要人工介入的实例
func (s *MemoryStore) ListStuck(ctx context.Context, limit int) ([]*Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Instance
	for _, inst := range s.sortedInstances() {
		if !inst.Stuck {
			continue
		}
		out = append(out, inst.Clone())
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// ListStalled 列出更新时间早于 cutoff 的非终态实例
func (s *MemoryStore) ListStalled(ctx context.Context, cutoffMs int64, limit int) ([]*Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Instance
	for _, inst := range s.sortedInstances() {
		if inst.State != StateRunning && inst.State != StateCompensating {
			continue
		}
		if inst.UpdatedAtMs >= cutoffMs {
			continue
		}
		out = append(out, inst.Clone())
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// CountByState 按状态统计实例数
func (s *MemoryStore) CountByState(ctx context.Context) (map[string]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make(map[string]int64)
	for _, inst := range s.instances {
		counts[inst.State]++
	}
	return counts, nil
}

// ListTransitions 查询实例的变迁历史
func (s *MemoryStore) ListTransitions(ctx context.Context, correlationID string, limit int) ([]*Transition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	trs := s.transitions[correlationID]
	if limit > 0 && len(trs) > limit {
		trs = trs[:limit]
	}
	out := make([]*Transition, len(trs))
	for i, tr := range trs {
		cp := *tr
		out[i] = &cp
	}
	return out, nil
}

func (s *MemoryStore) appendTransition(tr *Transition) {
	if tr.CreatedAtMs == 0 {
		tr.CreatedAtMs = currentTimeMs()
	}
	cp := *tr
	s.transitions[tr.CorrelationID] = append(s.transitions[tr.CorrelationID], &cp)
}

func (s *MemoryStore) sortedInstances() []*Instance {
	out := make([]*Instance, 0, len(s.instances))
	for _, inst := range s.instances {
		out = append(out, inst)
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].UpdatedAtMs != out[b].UpdatedAtMs {
			return out[a].UpdatedAtMs < out[b].UpdatedAtMs
		}
		return out[a].CorrelationID < out[b].CorrelationID
	})
	return out
}
