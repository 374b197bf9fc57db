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
	"math"
	"sync"
	"time"

	"flow-platform/pkg/metrics"
)

const (
	gateDefaultMax     = 16
	gateGrowStep       = 0.1
	gateBackoffInitial = 500 * time.Millisecond
	gateBackoffMax     = 30 * time.Second

	// 池压力探针的调节水位
	probeShrinkUtil = 0.8
	probeGrowUtil   = 0.4
)

// Gate 自适应并发闸门（AIMD）：
//   - 服务端 503 → 上限减半，进入指数退避窗口
//   - 成功租约 → 上限 +0.1，直至配置上限，退避清零
//   - 池压力探针 → 利用率过高或有请求被拒时 -1，低于水位时 +1
//
// 上限以小数累积，生效值向下取整且不低于 1。初始即满额，
// 由过载信号向下收敛，避免冷启动时人为压低吞吐。
type Gate struct {
	workerID string
	max      float64

	mu           sync.Mutex
	limit        float64
	backoff      time.Duration
	backoffUntil time.Time
}

// NewGate 创建闸门；max<=0 使用默认上限 16
func NewGate(workerID string, max float64) *Gate {
	if max <= 0 {
		max = gateDefaultMax
	}
	g := &Gate{workerID: workerID, max: max, limit: max}
	metrics.GateLimit.WithLabelValues(workerID).Set(float64(g.effective()))
	return g
}

// Limit 当前生效的并发上限
func (g *Gate) Limit() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.effective()
}

func (g *Gate) effective() int {
	n := int(g.limit)
	if n < 1 {
		n = 1
	}
	return n
}

func (g *Gate) publish() {
	metrics.GateLimit.WithLabelValues(g.workerID).Set(float64(g.effective()))
}

// OnSuccess 成功租约后的加性增长，同时清掉退避窗口
func (g *Gate) OnSuccess() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.limit = math.Min(g.limit+gateGrowStep, g.max)
	g.backoff = 0
	g.backoffUntil = time.Time{}
	g.publish()
}

// OnOverload 过载收缩：上限减半，退避窗口翻倍（上限 30s）
func (g *Gate) OnOverload() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.limit = math.Max(g.limit/2, 1)
	if g.backoff == 0 {
		g.backoff = gateBackoffInitial
	} else if g.backoff < gateBackoffMax {
		g.backoff *= 2
		if g.backoff > gateBackoffMax {
			g.backoff = gateBackoffMax
		}
	}
	g.backoffUntil = time.Now().Add(g.backoff)
	metrics.GateRejectTotal.Inc()
	g.publish()
}

// OnProbe 按服务端池压力微调。PoolMax<=0 表示服务端未启用闸门，忽略。
func (g *Gate) OnProbe(st *PoolStatus) {
	if st == nil || st.PoolMax <= 0 {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	switch {
	case st.RequestsWaiting > 0 || st.Utilization > probeShrinkUtil:
		g.limit = math.Max(g.limit-1, 1)
	case st.Utilization < probeGrowUtil:
		g.limit = math.Min(g.limit+1, g.max)
	}
	g.publish()
}

// Wait 若处于退避窗口则阻塞到窗口结束
func (g *Gate) Wait(ctx context.Context) error {
	g.mu.Lock()
	d := time.Until(g.backoffUntil)
	g.mu.Unlock()
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
