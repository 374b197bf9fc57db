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
	hertzserver "github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/config"
	"github.com/hertz-contrib/jwt"
)

// Router 编排器 API 的路由器。JWT 只挂在管理类路由（playbook 登记），
// 过载闸门只挂在 worker 协议路由；探针路由两者都不挂，
// 过载时 worker 仍要能读到 /api/pool/status。
type Router struct {
	handler *Handler
	jwt     *jwt.HertzJWTMiddleware
	gate    *OverloadGate
}

// NewRouter 创建路由器
func NewRouter(handler *Handler) *Router {
	return &Router{handler: handler}
}

// SetJWT 启用管理类路由的 JWT 认证
func (r *Router) SetJWT(m *jwt.HertzJWTMiddleware) { r.jwt = m }

// SetOverloadGate 启用 worker 协议路由的过载闸门
func (r *Router) SetOverloadGate(g *OverloadGate) {
	r.gate = g
	if r.handler != nil {
		r.handler.SetOverloadGate(g)
	}
}

// Build 创建 Hertz 服务并挂好全部路由
func (r *Router) Build(addr string, opts ...config.Option) *hertzserver.Hertz {
	opts = append(opts, hertzserver.WithHostPorts(addr))
	h := hertzserver.Default(opts...)
	h.Use(CORS())
	r.setupRoutes(h)
	return h
}

func (r *Router) setupRoutes(h *hertzserver.Hertz) {
	gate := r.gate.Middleware()

	api := h.Group("/api")

	// 健康检查
	api.GET("/health", r.handler.HealthCheck)

	// 事件日志
	api.POST("/events", gate, r.handler.AppendEvent)
	api.GET("/events/:event_id", r.handler.GetEvent)

	// 执行
	api.POST("/executions", r.handler.StartExecution)
	api.GET("/executions/:id/events", r.handler.ExecutionEvents)

	// 工作队列（worker 协议）
	q := api.Group("/queue", gate)
	{
		q.POST("/lease", r.handler.LeaseJob)
		q.POST("/:id/complete", r.handler.CompleteJob)
		q.POST("/:id/fail", r.handler.FailJob)
		q.POST("/:id/heartbeat", r.handler.HeartbeatJob)
		q.POST("/reap-expired", r.handler.ReapExpired)
		q.GET("/size", r.handler.QueueSize)
	}

	// playbook 目录
	api.POST("/catalog/resource", gate, r.handler.FetchResource)
	if r.jwt != nil {
		api.POST("/catalog/register", r.jwt.MiddlewareFunc(), r.handler.RegisterPlaybook)
	} else {
		api.POST("/catalog/register", r.handler.RegisterPlaybook)
	}

	// 探针：过载时也必须可达
	api.GET("/pool/status", r.handler.PoolStatus)
	h.GET("/metrics", r.handler.Metrics)
}
