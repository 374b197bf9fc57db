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
	"encoding/json"
	"strconv"

	apperrors "flow-platform/pkg/errors"
)

// FromWire 把上报的 JSON 载荷转换为 Event。
// 数值 ID 兼容字符串与数字两种形式，context/result 兼容历史字段名
// input_context / output_result。execution_id 与 event_type 必填。
func FromWire(raw map[string]any) (*Event, error) {
	e := &Event{}

	var err error
	if e.ExecutionID, err = wireID(raw, "execution_id"); err != nil {
		return nil, err
	}
	if e.ExecutionID == 0 {
		return nil, apperrors.Wrap(apperrors.ErrInvalidArg, "execution_id is required")
	}
	if e.EventID, err = wireID(raw, "event_id"); err != nil {
		return nil, err
	}
	if e.ParentEventID, err = wireID(raw, "parent_event_id"); err != nil {
		return nil, err
	}
	if e.ParentExecutionID, err = wireID(raw, "parent_execution_id"); err != nil {
		return nil, err
	}

	e.Type = NormalizeType(Type(wireString(raw, "event_type")))
	if e.Type == "" {
		return nil, apperrors.Wrap(apperrors.ErrInvalidArg, "event_type is required")
	}

	e.NodeID = wireString(raw, "node_id")
	e.NodeName = wireString(raw, "node_name")
	e.NodeType = wireString(raw, "node_type")
	e.Status = wireString(raw, "status")
	e.Error = wireString(raw, "error")
	e.LoopID = wireString(raw, "loop_id")
	e.LoopName = wireString(raw, "loop_name")
	e.Iterator = wireString(raw, "iterator")

	if v, ok := raw["duration"]; ok {
		if f, ok := asFloat(v); ok {
			e.Duration = f
		}
	}
	if v, ok := raw["current_index"]; ok {
		if n, ok := asInt(v); ok {
			e.CurrentIndex = &n
		}
	}
	e.CurrentItem = raw["current_item"]

	e.Context = wireMap(raw, "context", "input_context")
	e.Metadata = wireMap(raw, "metadata")
	if v, ok := raw["result"]; ok {
		e.Result = v
	} else if v, ok := raw["output_result"]; ok {
		e.Result = v
	}
	return e, nil
}

func wireID(raw map[string]any, key string) (int64, error) {
	v, ok := raw[key]
	if !ok || v == nil {
		return 0, nil
	}
	switch n := v.(type) {
	case string:
		if n == "" {
			return 0, nil
		}
		id, err := strconv.ParseInt(n, 10, 64)
		if err != nil {
			return 0, apperrors.Wrapf(apperrors.ErrInvalidArg, "%s: bad id %q", key, n)
		}
		return id, nil
	case float64:
		return int64(n), nil
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	case json.Number:
		id, err := n.Int64()
		if err != nil {
			return 0, apperrors.Wrapf(apperrors.ErrInvalidArg, "%s: bad id %q", key, n.String())
		}
		return id, nil
	}
	return 0, apperrors.Wrapf(apperrors.ErrInvalidArg, "%s: unsupported id type %T", key, v)
}

func wireString(raw map[string]any, key string) string {
	if v, ok := raw[key].(string); ok {
		return v
	}
	return ""
}

// wireMap 按给定键顺序取第一个 map 值，后面的键是历史别名
func wireMap(raw map[string]any, keys ...string) map[string]any {
	for _, k := range keys {
		if m, ok := raw[k].(map[string]any); ok {
			return m
		}
	}
	return nil
}
