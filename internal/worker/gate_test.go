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
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGate_OverloadHalves(t *testing.T) {
	g := NewGate("w1", 8)
	require.Equal(t, 8, g.Limit())

	g.OnOverload()
	assert.Equal(t, 4, g.Limit())
	g.OnOverload()
	assert.Equal(t, 2, g.Limit())
	g.OnOverload()
	assert.Equal(t, 1, g.Limit())
	g.OnOverload()
	assert.Equal(t, 1, g.Limit(), "上限不低于 1")
}

// 加性增长：每次成功 +0.1，取整生效，不超过配置上限
func TestGate_SuccessGrowsAdditively(t *testing.T) {
	g := NewGate("w1", 4)
	g.OnOverload()
	g.OnOverload()
	require.Equal(t, 1, g.Limit())

	for i := 0; i < 9; i++ {
		g.OnSuccess()
	}
	assert.Equal(t, 1, g.Limit())
	g.OnSuccess()
	assert.Equal(t, 2, g.Limit())

	for i := 0; i < 100; i++ {
		g.OnSuccess()
	}
	assert.Equal(t, 4, g.Limit())
}

func TestGate_BackoffWindowClearsOnSuccess(t *testing.T) {
	g := NewGate("w1", 4)
	g.OnOverload()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := g.Wait(ctx)
	require.True(t, errors.Is(err, context.DeadlineExceeded), "退避窗口内 Wait 应阻塞到 ctx 超时")

	g.OnSuccess()
	start := time.Now()
	require.NoError(t, g.Wait(context.Background()))
	assert.Less(t, time.Since(start), 100*time.Millisecond, "成功后退避窗口清零")
}

func TestGate_ProbeAdjusts(t *testing.T) {
	g := NewGate("w1", 8)

	g.OnProbe(&PoolStatus{PoolMax: 10, Utilization: 0.95})
	assert.Equal(t, 7, g.Limit())

	g.OnProbe(&PoolStatus{PoolMax: 10, Utilization: 0.5, RequestsWaiting: 3})
	assert.Equal(t, 6, g.Limit(), "有请求被拒时收缩")

	g.OnProbe(&PoolStatus{PoolMax: 10, Utilization: 0.1})
	assert.Equal(t, 7, g.Limit())

	g.OnProbe(&PoolStatus{PoolMax: 0, Utilization: 0.99})
	assert.Equal(t, 7, g.Limit(), "服务端未启用闸门时忽略探针")

	g.OnProbe(nil)
	assert.Equal(t, 7, g.Limit())
}

func TestGate_DefaultMax(t *testing.T) {
	g := NewGate("w1", 0)
	assert.Equal(t, 16, g.Limit())
}
