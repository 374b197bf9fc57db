// Copyright 2026 fanjia1024
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package event

import (
	"context"
	"maps"
	"reflect"
	"sort"
	"sync"

	"flow-platform/pkg/metrics"
)

type eventKey struct {
	executionID int64
	eventID     int64
}

// MemoryStore 内存事件日志，开发与测试用；语义与 PostgresStore 对齐
type MemoryStore struct {
	mu        sync.RWMutex
	gen       *IDGen
	byExec    map[int64][]*Event
	byKey     map[eventKey]*Event
	byEventID map[int64]*Event
	workloads map[int64]map[string]any
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		gen:       NewIDGen(0),
		byExec:    make(map[int64][]*Event),
		byKey:     make(map[eventKey]*Event),
		byEventID: make(map[int64]*Event),
		workloads: make(map[int64]map[string]any),
	}
}

// Append 追加事件；(execution_id, event_id) 重复时幂等返回已存事件。
// PostgresStore 会把失败事件镜像进 error_log 表供离线排查，
// 内存实现不维护该镜像（Store 接口没有读它的路径，事件日志本身已含失败记录）。
func (s *MemoryStore) Append(_ context.Context, e *Event) (*Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var latest *Event
	if list := s.byExec[e.ExecutionID]; len(list) > 0 {
		latest = list[len(list)-1]
	}
	prepare(e, s.gen, latest)

	key := eventKey{e.ExecutionID, e.EventID}
	if stored, ok := s.byKey[key]; ok {
		metrics.EventAppendDuplicates.Inc()
		return cloneEvent(stored), nil
	}

	stored := cloneEvent(e)
	s.byExec[e.ExecutionID] = append(s.byExec[e.ExecutionID], stored)
	s.byKey[key] = stored
	s.byEventID[e.EventID] = stored
	metrics.EventAppendTotal.WithLabelValues(string(stored.Type)).Inc()

	if e.Type == ExecutionStart && len(e.Context) > 0 {
		if _, ok := s.workloads[e.ExecutionID]; !ok {
			s.workloads[e.ExecutionID] = maps.Clone(e.Context)
		}
	}
	return cloneEvent(stored), nil
}

func (s *MemoryStore) ListByExecution(_ context.Context, executionID int64) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.byExec[executionID]
	out := make([]Event, 0, len(list))
	for _, e := range list {
		out = append(out, *cloneEvent(e))
	}
	return out, nil
}

func (s *MemoryStore) GetByEventID(_ context.Context, eventID int64) (*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.byEventID[eventID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneEvent(e), nil
}

func (s *MemoryStore) CountWhere(_ context.Context, executionID int64, f Filter) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, e := range s.byExec[executionID] {
		if matchFilter(e, f) {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) ListStatuses(_ context.Context, executionID int64) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for _, e := range s.byExec[executionID] {
		if e.Status != "" {
			out = append(out, e.Status)
		}
	}
	return out, nil
}

func (s *MemoryStore) LatestNonEmptyResult(_ context.Context, executionID int64) (any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.byExec[executionID]
	for i := len(list) - 1; i >= 0; i-- {
		// 失败事件也带 result（重试条件判断用），不算有效产出
		if list[i].IsFailure() {
			continue
		}
		if MeaningfulResult(list[i].Result) {
			return list[i].Result, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) IterationEvents(_ context.Context, executionID int64, loopName string) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Event
	for _, e := range s.byExec[executionID] {
		if e.Type == LoopIteration && e.LoopName == loopName {
			out = append(out, *cloneEvent(e))
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return indexOrZero(out[i].CurrentIndex) < indexOrZero(out[j].CurrentIndex)
	})
	return out, nil
}

func (s *MemoryStore) ChildCompletions(_ context.Context, parentExecutionID int64) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Event
	for _, list := range s.byExec {
		for _, e := range list {
			if e.ParentExecutionID == parentExecutionID && e.Type == ExecutionComplete {
				out = append(out, *cloneEvent(e))
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].EventID < out[j].EventID
	})
	return out, nil
}

func (s *MemoryStore) Workload(_ context.Context, executionID int64) (map[string]any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.workloads[executionID]
	if !ok {
		return nil, ErrNotFound
	}
	return maps.Clone(data), nil
}

// matchFilter 与 PostgresStore 的 CountWhere 谓词保持一致；
// ContextContains 仅比较顶层键值
func matchFilter(e *Event, f Filter) bool {
	if f.Type != "" && e.Type != f.Type {
		return false
	}
	if f.NodeID != "" && e.NodeID != f.NodeID {
		return false
	}
	if f.NodeName != "" && e.NodeName != f.NodeName {
		return false
	}
	if f.LoopName != "" && e.LoopName != f.LoopName {
		return false
	}
	if f.Status != "" && e.Status != f.Status {
		return false
	}
	if f.CurrentIndex != nil && (e.CurrentIndex == nil || *e.CurrentIndex != *f.CurrentIndex) {
		return false
	}
	for k, want := range f.ContextContains {
		got, ok := e.Context[k]
		if !ok || !looseEqual(got, want) {
			return false
		}
	}
	return true
}

// looseEqual 数值跨类型比较（JSON 解码产生 float64，内存路径可能是 int/bool 原值）
func looseEqual(a, b any) bool {
	if na, ok := asFloat(a); ok {
		if nb, ok := asFloat(b); ok {
			return na == nb
		}
		return false
	}
	return reflect.DeepEqual(a, b)
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

func indexOrZero(p *int) int {
	if p == nil {
		return 0
	}
	return *p
}

func cloneEvent(e *Event) *Event {
	c := *e
	c.Context = maps.Clone(e.Context)
	c.Metadata = maps.Clone(e.Metadata)
	if e.CurrentIndex != nil {
		idx := *e.CurrentIndex
		c.CurrentIndex = &idx
	}
	return &c
}
