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

package server

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/protocol/consts"
	"github.com/hertz-contrib/jwt"
)

// PoolStatus 过载闸门快照，worker 自适应并发的探针数据
type PoolStatus struct {
	// Utilization 在途请求 / 上限，0~1
	Utilization float64 `json:"utilization"`
	// SlotsAvailable 还能接多少并发请求
	SlotsAvailable int64 `json:"slots_available"`
	// RequestsWaiting 自上次探针以来被 503 拒掉的请求数，读后清零
	RequestsWaiting int64 `json:"requests_waiting"`
	// PoolMax 并发上限；0 表示未启用闸门
	PoolMax int64 `json:"pool_max"`
}

// OverloadGate 服务端过载闸门：在途请求超过上限直接 503，
// worker 收到 503 会收缩自己的并发。max <= 0 时不设限。
type OverloadGate struct {
	max      int64
	inflight atomic.Int64
	rejects  atomic.Int64
}

func NewOverloadGate(max int) *OverloadGate {
	return &OverloadGate{max: int64(max)}
}

// Middleware 返回闸门中间件，挂在 worker 协议路由上
func (g *OverloadGate) Middleware() app.HandlerFunc {
	return func(c context.Context, ctx *app.RequestContext) {
		if g == nil || g.max <= 0 {
			ctx.Next(c)
			return
		}
		cur := g.inflight.Add(1)
		defer g.inflight.Add(-1)
		if cur > g.max {
			g.rejects.Add(1)
			ctx.JSON(consts.StatusServiceUnavailable, map[string]string{
				"error": "server overloaded",
			})
			ctx.Abort()
			return
		}
		ctx.Next(c)
	}
}

// Status 当前利用率快照。RequestsWaiting 读取即清零，
// 两次探针之间有拒绝就视为仍有压力。
func (g *OverloadGate) Status() PoolStatus {
	if g == nil || g.max <= 0 {
		return PoolStatus{}
	}
	cur := g.inflight.Load()
	if cur > g.max {
		cur = g.max
	}
	if cur < 0 {
		cur = 0
	}
	return PoolStatus{
		Utilization:     float64(cur) / float64(g.max),
		SlotsAvailable:  g.max - cur,
		RequestsWaiting: g.rejects.Swap(0),
		PoolMax:         g.max,
	}
}

// CORS CORS 中间件
func CORS() app.HandlerFunc {
	return func(c context.Context, ctx *app.RequestContext) {
		ctx.Header("Access-Control-Allow-Origin", "*")
		ctx.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		ctx.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization")
		ctx.Header("Access-Control-Expose-Headers", "Content-Length")
		ctx.Header("Access-Control-Allow-Credentials", "true")
		ctx.Header("Access-Control-Max-Age", "86400")

		if string(ctx.Method()) == consts.MethodOptions {
			ctx.AbortWithStatus(consts.StatusNoContent)
			return
		}

		ctx.Next(c)
	}
}

// NewJWTAuth 创建 JWT 认证中间件，管理类路由（playbook 登记）用；
// worker 协议路由不走认证
func NewJWTAuth(key []byte, timeout, maxRefresh time.Duration) (*jwt.HertzJWTMiddleware, error) {
	return jwt.New(&jwt.HertzJWTMiddleware{
		Realm:      "coflow",
		Key:        key,
		Timeout:    timeout,
		MaxRefresh: maxRefresh,
	})
}
