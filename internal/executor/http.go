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
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"flow-platform/internal/playbook"
)

// HTTPExecutor http 任务执行器。url/method/headers/params 取渲染后的参数，
// 响应体尽量按 JSON 解析，4xx/5xx 返回失败信封并附带响应数据。
type HTTPExecutor struct {
	client *resty.Client
}

// NewHTTPExecutor 创建 http 执行器
func NewHTTPExecutor() *HTTPExecutor {
	client := resty.New()
	client.SetTimeout(60 * time.Second)
	return &HTTPExecutor{client: client}
}

// Kind 实现 Executor
func (e *HTTPExecutor) Kind() string { return playbook.TypeHTTP }

// Execute 实现 Executor
func (e *HTTPExecutor) Execute(ctx context.Context, t *Task) Result {
	url := t.StringArg("url")
	if url == "" {
		url = t.StringArg("endpoint")
	}
	if url == "" {
		return Errorf("http: url 不能为空")
	}
	method := strings.ToUpper(t.StringArg("method"))
	if method == "" {
		method = http.MethodGet
	}

	req := e.client.R().SetContext(ctx)
	for k, v := range t.MapArg("headers") {
		req.SetHeader(k, fmt.Sprint(v))
	}
	for k, v := range t.MapArg("params") {
		req.SetQueryParam(k, fmt.Sprint(v))
	}
	if body := t.AnyArg("payload"); body != nil {
		req.SetBody(body)
	} else if data := t.MapArg("data"); data != nil {
		req.SetBody(data)
	}

	start := time.Now()
	resp, err := req.Execute(method, url)
	if err != nil {
		return Errorf("http: %s %s: %v", method, url, err)
	}

	out := map[string]any{
		"status_code": resp.StatusCode(),
		"data":        decodeBody(resp.Body()),
		"elapsed":     time.Since(start).Seconds(),
	}
	if resp.StatusCode() >= 400 {
		return Result{
			Status: StatusError,
			Error:  fmt.Sprintf("http: %s %s 返回状态码 %d", method, url, resp.StatusCode()),
			Data:   out,
		}
	}
	return Success(out)
}

// decodeBody 响应体按 JSON 解析，失败保留原始字符串
func decodeBody(body []byte) any {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return nil
	}
	var v any
	if err := json.Unmarshal([]byte(trimmed), &v); err == nil {
		return v
	}
	return trimmed
}
