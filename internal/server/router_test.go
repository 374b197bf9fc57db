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
	"bytes"
	"fmt"
	"strconv"
	"testing"
	"time"

	"flow-platform/internal/queue"
)

func TestRouter_EndToEndFlow(t *testing.T) {
	env := newHandlerEnv(t)
	d := env.withBroker(t)
	router := NewRouter(env.handler)
	hz := router.Build(":0")

	resp := performJSON(t, hz, "GET", "/api/health", nil)
	if resp.StatusCode() != 200 {
		t.Fatalf("health status: got %d", resp.StatusCode())
	}

	resp = performJSON(t, hz, "POST", "/api/catalog/register", map[string]any{
		"path": "flows/deploy.yml", "content": deployDoc,
	})
	if resp.StatusCode() != 200 {
		t.Fatalf("register status: got %d, body %s", resp.StatusCode(), resp.Body())
	}

	resp = performJSON(t, hz, "POST", "/api/executions", map[string]any{
		"path":     "flows/deploy.yml",
		"workload": map[string]any{"base": "https://api.internal"},
	})
	if resp.StatusCode() != 200 {
		t.Fatalf("start status: got %d, body %s", resp.StatusCode(), resp.Body())
	}
	var started struct {
		ExecutionID string `json:"execution_id"`
	}
	decodeJSON(t, resp.Body(), &started)
	execID, err := strconv.ParseInt(started.ExecutionID, 10, 64)
	if err != nil {
		t.Fatalf("execution_id: %q", started.ExecutionID)
	}

	d.Wait()

	resp = performJSON(t, hz, "POST", "/api/queue/lease", map[string]any{
		"worker_id": "w9", "lease_seconds": 30,
	})
	if resp.StatusCode() != 200 {
		t.Fatalf("lease status: got %d, body %s", resp.StatusCode(), resp.Body())
	}
	var leased queue.Item
	decodeJSON(t, resp.Body(), &leased)
	if want := fmt.Sprintf("%d:fetch", execID); leased.NodeID != want {
		t.Errorf("leased node: got %s, want %s", leased.NodeID, want)
	}

	// 静态路由 /queue/lease 与参数路由 /queue/:id/complete 并存
	resp = performJSON(t, hz, "POST", fmt.Sprintf("/api/queue/%d/complete", leased.ID),
		map[string]any{"worker_id": "w9"})
	if resp.StatusCode() != 200 {
		t.Fatalf("complete status: got %d, body %s", resp.StatusCode(), resp.Body())
	}

	resp = performJSON(t, hz, "GET", "/metrics", nil)
	if resp.StatusCode() != 200 || !bytes.Contains(resp.Body(), []byte("coflow_lease_total")) {
		t.Errorf("metrics: status %d", resp.StatusCode())
	}
}

func TestRouter_OverloadGateRejects(t *testing.T) {
	env := newHandlerEnv(t)
	gate := NewOverloadGate(1)
	router := NewRouter(env.handler)
	router.SetOverloadGate(gate)
	hz := router.Build(":0")

	// 占住唯一槽位，模拟在途请求
	gate.inflight.Add(1)

	resp := performJSON(t, hz, "POST", "/api/queue/lease", map[string]any{"worker_id": "w1"})
	if resp.StatusCode() != 503 {
		t.Fatalf("gated lease status: got %d, body %s", resp.StatusCode(), resp.Body())
	}
	if !bytes.Contains(resp.Body(), []byte("overloaded")) {
		t.Errorf("gated lease body: %s", resp.Body())
	}

	// 探针不走闸门，过载中也要可达
	resp = performJSON(t, hz, "GET", "/api/pool/status", nil)
	if resp.StatusCode() != 200 {
		t.Fatalf("pool status under load: got %d", resp.StatusCode())
	}
	var st PoolStatus
	decodeJSON(t, resp.Body(), &st)
	if st.PoolMax != 1 || st.Utilization != 1 || st.SlotsAvailable != 0 {
		t.Errorf("pool status: %+v", st)
	}
	if st.RequestsWaiting != 1 {
		t.Errorf("requests_waiting: got %d, want 1", st.RequestsWaiting)
	}

	// 读取即清零
	resp = performJSON(t, hz, "GET", "/api/pool/status", nil)
	decodeJSON(t, resp.Body(), &st)
	if st.RequestsWaiting != 0 {
		t.Errorf("requests_waiting after drain: got %d", st.RequestsWaiting)
	}

	resp = performJSON(t, hz, "GET", "/api/health", nil)
	if resp.StatusCode() != 200 {
		t.Errorf("health under load: got %d", resp.StatusCode())
	}

	gate.inflight.Add(-1)
	resp = performJSON(t, hz, "POST", "/api/queue/lease", map[string]any{"worker_id": "w1"})
	if resp.StatusCode() != 204 {
		t.Errorf("lease after drain: got %d, body %s", resp.StatusCode(), resp.Body())
	}
}

func TestRouter_JWTGuardsRegisterOnly(t *testing.T) {
	env := newHandlerEnv(t)
	router := NewRouter(env.handler)
	m, err := NewJWTAuth([]byte("sealed"), time.Hour, time.Hour)
	if err != nil {
		t.Fatalf("NewJWTAuth: %v", err)
	}
	router.SetJWT(m)
	hz := router.Build(":0")

	resp := performJSON(t, hz, "POST", "/api/catalog/register", map[string]any{
		"path": "flows/deploy.yml", "content": deployDoc,
	})
	if resp.StatusCode() != 401 {
		t.Errorf("register without token status: got %d", resp.StatusCode())
	}

	// worker 协议路由不认证：未知资源是 404 而不是 401
	resp = performJSON(t, hz, "POST", "/api/catalog/resource", map[string]any{"path": "flows/x.yml"})
	if resp.StatusCode() != 404 {
		t.Errorf("resource without token status: got %d", resp.StatusCode())
	}

	resp = performJSON(t, hz, "GET", "/api/health", nil)
	if resp.StatusCode() != 200 {
		t.Errorf("health without token status: got %d", resp.StatusCode())
	}
}

func TestRouter_CORSHeaders(t *testing.T) {
	env := newHandlerEnv(t)
	router := NewRouter(env.handler)
	hz := router.Build(":0")

	resp := performJSON(t, hz, "GET", "/api/health", nil)
	if resp.StatusCode() != 200 {
		t.Fatalf("health status: got %d", resp.StatusCode())
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Access-Control-Allow-Origin: got %q", got)
	}
}
