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

// devops 启动一体化演示环境：内存存储的 API 服务与同进程 worker，并注册一个
// 示例 playbook 跑通「注册 → 启动 → 派发 → 执行 → 完成」的完整链路。
// 使用：go run ./cmd/devops；随后可用 coflow events <id> 观察事件流。
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-resty/resty/v2"

	"flow-platform/internal/app"
	apiapp "flow-platform/internal/app/api"
	workerapp "flow-platform/internal/app/worker"
	"flow-platform/pkg/config"
)

const devAddr = "127.0.0.1:8080"

// demoPlaybook 两步 save 流程：第二步引用第一步的结果，演示跨步骤上下文
const demoPlaybook = `
path: demo/hello
version: 1.0.0
workload:
  name: coflow
workflow:
  - step: greet
    type: save
    save:
      message: "你好, {{ workload.name }}"
    next:
      - step: wrap
  - step: wrap
    type: save
    save:
      echo: "{{ greet.data.message }}"
      via: devops
`

// devConfig 演示环境配置：全内存存储，短轮询与短吸收窗口让链路秒级走完
func devConfig() *config.Config {
	cfg := &config.Config{}
	cfg.API.Port = 8080
	cfg.EventStore.Type = "memory"
	cfg.Queue.Type = "memory"
	cfg.Queue.LeaseSeconds = 30
	cfg.Queue.ReapInterval = "5s"
	cfg.Catalog.Type = "memory"
	cfg.Broker.EvalDelay = "50ms"
	cfg.Worker.ServerURL = "http://" + devAddr
	cfg.Worker.PoolName = "dev"
	cfg.Worker.Runtime = "go"
	cfg.Worker.Concurrency = 2
	cfg.Worker.PollInterval = "300ms"
	cfg.Worker.HeartbeatInterval = "5s"
	cfg.Log.Level = "info"
	return cfg
}

// waitReady 等 API 健康检查通过再做注册，避免和服务启动竞态
func waitReady(c *resty.Client, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		resp, err := c.R().Get("/api/health")
		if err == nil && resp.StatusCode() == http.StatusOK {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("API %s 在 %s 内未就绪", devAddr, timeout)
}

// seedDemo 注册示例 playbook 并启动一次执行，返回 execution id
func seedDemo(c *resty.Client) (string, error) {
	resp, err := c.R().
		SetBody(map[string]any{"path": "demo/hello", "version": "1.0.0", "content": demoPlaybook}).
		Post("/api/catalog/register")
	if err != nil {
		return "", fmt.Errorf("注册示例 playbook: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return "", fmt.Errorf("注册示例 playbook: %s", resp.String())
	}

	var out struct {
		ExecutionID string `json:"execution_id"`
	}
	resp, err = c.R().
		SetBody(map[string]any{"path": "demo/hello", "version": "1.0.0"}).
		SetResult(&out).
		Post("/api/executions")
	if err != nil {
		return "", fmt.Errorf("启动示例执行: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return "", fmt.Errorf("启动示例执行: %s", resp.String())
	}
	return out.ExecutionID, nil
}

func main() {
	cfg := devConfig()

	boot, err := app.NewBootstrap(cfg)
	if err != nil {
		log.Fatalf("[dev] bootstrap: %v", err)
	}
	defer boot.Close()

	api, err := apiapp.NewApp(boot)
	if err != nil {
		log.Fatalf("[dev] 初始化 API 服务: %v", err)
	}
	go func() {
		if err := api.Run(devAddr); err != nil && err != http.ErrServerClosed {
			log.Fatalf("[dev] API 服务退出: %v", err)
		}
	}()

	wrk, err := workerapp.NewApp(cfg)
	if err != nil {
		log.Fatalf("[dev] 初始化 worker: %v", err)
	}
	if err := wrk.Start(); err != nil {
		log.Fatalf("[dev] 启动 worker: %v", err)
	}

	client := resty.New().SetBaseURL("http://" + devAddr).SetTimeout(10 * time.Second)
	if err := waitReady(client, 5*time.Second); err != nil {
		log.Fatalf("[dev] %v", err)
	}
	execID, err := seedDemo(client)
	if err != nil {
		log.Fatalf("[dev] %v", err)
	}

	log.Printf("[dev] listening on %s; demo execution id: %s", devAddr, execID)
	log.Printf("[dev] 查看事件流：coflow events %s（或 GET /api/executions/%s/events）", execID, execID)
	log.Println("[dev] press Ctrl+C to exit")

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs

	log.Println("[dev] shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := wrk.Shutdown(ctx); err != nil {
		log.Printf("[dev] worker 关闭: %v", err)
	}
	if err := api.Shutdown(ctx); err != nil {
		log.Printf("[dev] API 关闭: %v", err)
	}
}
