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

package worker

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flow-platform/internal/event"
	"flow-platform/internal/executor"
)

type fakeEventSource struct {
	byID   map[int64]*event.Event
	byExec map[int64][]event.Event
}

func (f *fakeEventSource) GetEvent(_ context.Context, id int64) (*event.Event, error) {
	e, ok := f.byID[id]
	if !ok {
		return nil, fmt.Errorf("事件 %d 不存在", id)
	}
	return e, nil
}

func (f *fakeEventSource) ExecutionEvents(_ context.Context, id int64) ([]event.Event, error) {
	return f.byExec[id], nil
}

func iterEvent(id int64, idx int) *event.Event {
	return &event.Event{EventID: id, Type: event.LoopIteration, CurrentIndex: &idx}
}

func completedEvent(nodeID string, result any) event.Event {
	return event.Event{Type: event.ActionCompleted, NodeID: nodeID, Result: result}
}

// 迭代事件乱序给入，聚合结果仍按下标升序
func TestAggregation_OrdersByIndex(t *testing.T) {
	src := &fakeEventSource{
		byID: map[int64]*event.Event{
			101: iterEvent(101, 2),
			102: iterEvent(102, 0),
			103: iterEvent(103, 1),
		},
		byExec: map[int64][]event.Event{
			7: {
				{Type: event.StepStarted, NodeID: "7:c"},
				completedEvent("7:c:0", map[string]any{"temp": 1}),
				completedEvent("7:c:1", map[string]any{"temp": 2}),
				completedEvent("7:c:2", map[string]any{"temp": 3}),
				{Type: event.ActionCompleted, NodeID: "7:c:2"}, // 空结果不覆盖
			},
		},
	}
	registry := executor.NewRegistry()
	registry.Register(NewAggregationExecutor(src))

	res := registry.Execute(context.Background(), &executor.Task{
		Type:        "result_aggregation",
		Name:        "c:aggregate",
		ExecutionID: 7,
		NodeID:      "7:c:aggregate",
		Context: map[string]any{
			"loop_step":           "c",
			"iteration_event_ids": []any{"101", "102", "103"},
		},
	})
	require.Equal(t, executor.StatusSuccess, res.Status, res.Error)

	data, _ := res.Data.(map[string]any)
	assert.Equal(t, "c", data["loop_step"])
	assert.Equal(t, 3, data["count"])
	results, _ := data["results"].([]any)
	require.Len(t, results, 3)
	assert.Equal(t, map[string]any{"temp": 1}, results[0])
	assert.Equal(t, map[string]any{"temp": 2}, results[1])
	assert.Equal(t, map[string]any{"temp": 3}, results[2])
}

// 子执行迭代的启动回执被追到子流的最终结果
func TestAggregation_FollowsChildExecution(t *testing.T) {
	src := &fakeEventSource{
		byID: map[int64]*event.Event{
			101: iterEvent(101, 0),
		},
		byExec: map[int64][]event.Event{
			7: {
				completedEvent("7:p:0", map[string]any{
					"execution_id": "88",
					"path":         "flows/child.yml",
				}),
			},
			88: {
				{Type: event.ExecutionStart},
				{Type: event.ExecutionComplete, Result: map[string]any{"total": 5}},
			},
		},
	}
	exec := NewAggregationExecutor(src)

	res := exec.Execute(context.Background(), &executor.Task{
		ExecutionID: 7,
		Context: map[string]any{
			"loop_step":           "p",
			"iteration_event_ids": []any{"101"},
		},
	})
	require.Equal(t, executor.StatusSuccess, res.Status, res.Error)
	data, _ := res.Data.(map[string]any)
	results, _ := data["results"].([]any)
	require.Len(t, results, 1)
	assert.Equal(t, map[string]any{"total": 5}, results[0])
}

func TestAggregation_MissingLoopStep(t *testing.T) {
	exec := NewAggregationExecutor(&fakeEventSource{})
	res := exec.Execute(context.Background(), &executor.Task{ExecutionID: 7, Context: map[string]any{}})
	assert.Equal(t, executor.StatusError, res.Status)
	assert.Contains(t, res.Error, "loop_step")
}

func TestAggregation_BadIterationID(t *testing.T) {
	exec := NewAggregationExecutor(&fakeEventSource{})
	res := exec.Execute(context.Background(), &executor.Task{
		ExecutionID: 7,
		Context: map[string]any{
			"loop_step":           "c",
			"iteration_event_ids": []any{"not-a-number"},
		},
	})
	assert.Equal(t, executor.StatusError, res.Status)
	assert.Contains(t, res.Error, "迭代事件")
}
