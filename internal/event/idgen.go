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
	"sync"
	"time"
)

// snowflake 布局：41 位毫秒时间戳 | 10 位节点号 | 12 位序列。
// 同一执行内 event_id 单调递增；多实例部署时各实例配置不同节点号。
const (
	idEpochMs    = int64(1704067200000) // 2024-01-01T00:00:00Z
	idNodeBits   = 10
	idSeqBits    = 12
	idMaxNode    = (1 << idNodeBits) - 1
	idMaxSeq     = (1 << idSeqBits) - 1
	idNodeShift  = idSeqBits
	idStampShift = idSeqBits + idNodeBits
)

// IDGen 分片式 64 位单调 ID 分配器（事件 ID 与执行 ID 共用）
type IDGen struct {
	mu     sync.Mutex
	node   int64
	lastMs int64
	seq    int64
}

// NewIDGen 创建分配器；node 超界时按位截断
func NewIDGen(node int) *IDGen {
	return &IDGen{node: int64(node) & idMaxNode}
}

// Next 返回下一个 ID；同毫秒内序列耗尽时自旋到下一毫秒
func (g *IDGen) Next() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := time.Now().UnixMilli()
	if now < g.lastMs {
		// 时钟回拨：继续用上次毫秒，靠序列推进
		now = g.lastMs
	}
	if now == g.lastMs {
		g.seq = (g.seq + 1) & idMaxSeq
		if g.seq == 0 {
			for now <= g.lastMs {
				now = time.Now().UnixMilli()
			}
		}
	} else {
		g.seq = 0
	}
	g.lastMs = now
	return (now-idEpochMs)<<idStampShift | g.node<<idNodeShift | g.seq
}
