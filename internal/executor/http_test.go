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

package executor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPExecutor_MissingURL(t *testing.T) {
	res := NewHTTPExecutor().Execute(context.Background(), &Task{Type: "http"})
	assert.Equal(t, StatusError, res.Status)
	assert.Contains(t, res.Error, "url")
}

func TestHTTPExecutor_GetJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "GET", r.Method)
		assert.Equal(t, "LDN", r.URL.Query().Get("q"))
		assert.Equal(t, "token-1", r.Header.Get("X-Api-Key"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"city":"LDN","temp":18}`))
	}))
	defer srv.Close()

	res := NewHTTPExecutor().Execute(context.Background(), &Task{
		Type: "http",
		Args: map[string]any{
			"url":     srv.URL,
			"params":  map[string]any{"q": "LDN"},
			"headers": map[string]any{"X-Api-Key": "token-1"},
		},
	})
	require.Equal(t, StatusSuccess, res.Status, "error: %s", res.Error)
	data := res.Data.(map[string]any)
	assert.Equal(t, 200, data["status_code"])
	body := data["data"].(map[string]any)
	assert.Equal(t, "LDN", body["city"])
	assert.Equal(t, float64(18), body["temp"])
}

func TestHTTPExecutor_PostBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "alpha", body["name"])
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":1}`))
	}))
	defer srv.Close()

	res := NewHTTPExecutor().Execute(context.Background(), &Task{
		Type: "http",
		Args: map[string]any{
			"url":    srv.URL,
			"method": "post",
			"data":   map[string]any{"name": "alpha"},
		},
	})
	require.Equal(t, StatusSuccess, res.Status)
	data := res.Data.(map[string]any)
	assert.Equal(t, 201, data["status_code"])
}

// 4xx/5xx 返回失败信封，同时保留响应数据供 retry_when 条件使用
func TestHTTPExecutor_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"reason":"overloaded"}`))
	}))
	defer srv.Close()

	res := NewHTTPExecutor().Execute(context.Background(), &Task{
		Type: "http",
		Args: map[string]any{"url": srv.URL},
	})
	assert.Equal(t, StatusError, res.Status)
	assert.Contains(t, res.Error, "503")
	data := res.Data.(map[string]any)
	assert.Equal(t, 503, data["status_code"])
}

func TestHTTPExecutor_NonJSONBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("plain text"))
	}))
	defer srv.Close()

	res := NewHTTPExecutor().Execute(context.Background(), &Task{
		Type: "http",
		Args: map[string]any{"url": srv.URL},
	})
	require.Equal(t, StatusSuccess, res.Status)
	data := res.Data.(map[string]any)
	assert.Equal(t, "plain text", data["data"])
}
