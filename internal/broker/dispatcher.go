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

package broker

import (
	"context"
	"runtime/debug"
	"strconv"
	"sync"
	"time"

	"flow-platform/internal/event"
	"flow-platform/pkg/log"
	"flow-platform/pkg/metrics"
	"flow-platform/pkg/tracing"
)

// evaluationTriggers 触发评估的事件类型。step_started / action_started
// 不触发：它们不改变执行的可推进性。
var evaluationTriggers = map[event.Type]bool{
	event.ExecutionStart:    true,
	event.ExecutionComplete: true,
	event.ActionCompleted:   true,
	event.Result:            true,
	event.StepResult:        true,
	event.LoopIteration:     true,
	event.EndLoop:           true,
	event.LoopCompleted:     true,
}

// Dispatcher 事件派发器：事件落库后按类型异步触发 broker 评估。
// 每次评估跑在独立 goroutine 里，panic 不会带崩接收端；
// Wait 等在途评估排空（停机用）。
type Dispatcher struct {
	broker *Broker
	logger *log.Logger
	// EvalTimeout 单次评估的超时上限
	EvalTimeout time.Duration
	// EvalDelay 评估前的吸收窗口：窗口内同一执行的再次触发合并为一次评估，
	// 循环扇出的事件风暴不会放大成等量的全量扫描。<=0 时立即评估。
	EvalDelay time.Duration

	mu      sync.Mutex
	pending map[int64]bool
	wg      sync.WaitGroup
}

// NewDispatcher 创建派发器，并把子执行封完时回唤父执行的钩子挂到 broker 上
func NewDispatcher(b *Broker, logger *log.Logger) *Dispatcher {
	d := &Dispatcher{
		broker:      b,
		logger:      logger,
		EvalTimeout: 30 * time.Second,
		EvalDelay:   200 * time.Millisecond,
		pending:     map[int64]bool{},
	}
	b.onChildComplete = func(parentID int64) {
		d.Poke(parentID, "child_execution_complete")
	}
	return d
}

// Dispatch 根据事件类型决定是否触发评估；子执行的 execution_complete
// 额外回唤父执行（父步骤等在子执行结果上）
func (d *Dispatcher) Dispatch(e *event.Event) {
	if e == nil {
		return
	}
	t := event.NormalizeType(e.Type)
	if !evaluationTriggers[t] {
		return
	}
	d.Poke(e.ExecutionID, string(t))
	if t == event.ExecutionComplete && e.ParentExecutionID != 0 {
		d.Poke(e.ParentExecutionID, "child_execution_complete")
	}
}

// Poke 异步评估一个执行；trigger 仅用于日志与耗时指标的归因。
// 吸收窗口已有同一执行的待评估时直接合并返回。
func (d *Dispatcher) Poke(execID int64, trigger string) {
	if d.EvalDelay > 0 {
		d.mu.Lock()
		if d.pending[execID] {
			d.mu.Unlock()
			return
		}
		d.pending[execID] = true
		d.mu.Unlock()
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				d.logger.Error("评估 panic", "execution_id", execID, "trigger", trigger,
					"panic", r, "stack", string(debug.Stack()))
			}
		}()
		if d.EvalDelay > 0 {
			time.Sleep(d.EvalDelay)
			d.mu.Lock()
			delete(d.pending, execID)
			d.mu.Unlock()
		}
		start := time.Now()
		ctx, cancel := context.WithTimeout(context.Background(), d.EvalTimeout)
		defer cancel()
		ctx, span := tracing.StartEvaluateSpan(ctx, strconv.FormatInt(execID, 10), trigger)
		defer span.End()
		if err := d.broker.EvaluateExecution(ctx, execID); err != nil {
			span.RecordError(err)
			d.logger.Warn("评估失败", "execution_id", execID, "trigger", trigger, "error", err)
		}
		metrics.BrokerEvalDuration.WithLabelValues(trigger).Observe(time.Since(start).Seconds())
	}()
}

// Wait 等全部在途评估结束
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
