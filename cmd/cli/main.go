package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"flow-platform/pkg/config"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(0)
	}
	cmd := os.Args[1]
	args := os.Args[2:]
	switch cmd {
	case "version":
		fmt.Println("flow-platform cli 0.1.0")
	case "health":
		runHealth()
	case "config":
		runConfig()
	case "server":
		if len(args) > 0 && args[0] == "start" {
			runServerStart()
		} else {
			fmt.Fprintf(os.Stderr, "Usage: coflow server start\n")
			os.Exit(1)
		}
	case "worker":
		if len(args) > 0 && args[0] == "start" {
			runWorkerStart()
		} else {
			fmt.Fprintf(os.Stderr, "Usage: coflow worker start\n")
			os.Exit(1)
		}
	case "register":
		runRegister(args)
	case "playbook":
		runPlaybook(args)
	case "run":
		runStart(args)
	case "events":
		if len(args) < 1 {
			fmt.Fprintf(os.Stderr, "Usage: coflow events <execution_id>\n")
			os.Exit(1)
		}
		runEvents(args[0])
	case "queue":
		runQueue()
	case "reap":
		runReap()
	case "pool":
		runPool()
	default:
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: coflow <command> [args]")
	fmt.Println("  version                      - 显示版本")
	fmt.Println("  health                       - 服务端健康检查")
	fmt.Println("  config                       - 显示配置概要")
	fmt.Println("  server start                 - 启动 API 服务（go run ./cmd/api）")
	fmt.Println("  worker start                 - 启动 Worker 服务（go run ./cmd/worker）")
	fmt.Println("  register <path> <file> [ver] - 登记 playbook 版本")
	fmt.Println("  playbook <path> [ver]        - 查看目录里的 playbook 原文")
	fmt.Println("  run <path> [workload|@file]  - 启动执行并轮询至终态")
	fmt.Println("  events <execution_id>        - 输出执行事件日志（重放用）")
	fmt.Println("  queue                        - 按状态统计队列深度")
	fmt.Println("  reap                         - 回收过期租约")
	fmt.Println("  pool                         - 查看服务端池压力")
}

func runHealth() {
	out, err := checkHealth()
	if err != nil {
		fmt.Fprintf(os.Stderr, "健康检查失败: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(prettyJSON(out))
}

func runConfig() {
	cfg, err := config.LoadAPIConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}
	if cfg != nil {
		fmt.Printf("api.port=%d\n", cfg.API.Port)
		fmt.Printf("api.host=%s\n", cfg.API.Host)
		fmt.Printf("eventstore.type=%s\n", cfg.EventStore.Type)
		fmt.Printf("queue.type=%s\n", cfg.Queue.Type)
		fmt.Printf("catalog.type=%s\n", cfg.Catalog.Type)
	}
}

func runServerStart() {
	c := exec.Command("go", "run", "./cmd/api")
	c.Stdout = os.Stdout
	c.Stderr = os.Stderr
	c.Dir = "."
	if err := c.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "server start: %v\n", err)
		os.Exit(1)
	}
}

func runWorkerStart() {
	c := exec.Command("go", "run", "./cmd/worker")
	c.Stdout = os.Stdout
	c.Stderr = os.Stderr
	c.Dir = "."
	if err := c.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "worker start: %v\n", err)
		os.Exit(1)
	}
}

func runRegister(args []string) {
	if len(args) < 2 {
		fmt.Fprintf(os.Stderr, "Usage: coflow register <path> <file.yml> [version]\n")
		os.Exit(1)
	}
	content, err := os.ReadFile(args[1])
	if err != nil {
		fmt.Fprintf(os.Stderr, "读取 playbook 文件失败: %v\n", err)
		os.Exit(1)
	}
	version := ""
	if len(args) > 2 {
		version = args[2]
	}
	out, err := registerPlaybook(args[0], version, string(content))
	if err != nil {
		fmt.Fprintf(os.Stderr, "登记失败: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(prettyJSON(out))
}

func runPlaybook(args []string) {
	if len(args) < 1 {
		fmt.Fprintf(os.Stderr, "Usage: coflow playbook <path> [version]\n")
		os.Exit(1)
	}
	version := ""
	if len(args) > 1 {
		version = args[1]
	}
	out, err := fetchResource(args[0], version)
	if err != nil {
		fmt.Fprintf(os.Stderr, "获取 playbook 失败: %v\n", err)
		os.Exit(1)
	}
	if content, ok := out["content"].(string); ok {
		fmt.Print(content)
		return
	}
	fmt.Println(prettyJSON(out))
}

func runStart(args []string) {
	if len(args) < 1 {
		fmt.Fprintf(os.Stderr, "Usage: coflow run <path> [workload-json|@file]\n")
		os.Exit(1)
	}
	workload, err := parseWorkload(args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "解析 workload 失败: %v\n", err)
		os.Exit(1)
	}
	execID, err := startExecution(args[0], "", workload)
	if err != nil {
		fmt.Fprintf(os.Stderr, "启动执行失败: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Execution: %s (轮询事件中...)\n", execID)
	for i := 0; i < 60; i++ {
		time.Sleep(1 * time.Second)
		out, err := listExecutionEvents(execID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "查询失败: %v\n", err)
			break
		}
		n, last := summarizeEvents(out)
		fmt.Printf("  events: %d, last: %s\n", n, last)
		if term := terminalEvent(out); term != "" {
			fmt.Printf("  done: %s\n", term)
			break
		}
	}
}

func runEvents(execID string) {
	out, err := listExecutionEvents(execID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "获取事件流失败: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(prettyJSON(out))
}

func runQueue() {
	out, err := queueSize()
	if err != nil {
		fmt.Fprintf(os.Stderr, "统计队列失败: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(prettyJSON(out))
}

func runReap() {
	out, err := reapExpired()
	if err != nil {
		fmt.Fprintf(os.Stderr, "回收失败: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(prettyJSON(out))
}

func runPool() {
	out, err := poolStatus()
	if err != nil {
		fmt.Fprintf(os.Stderr, "查询池压力失败: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(prettyJSON(out))
}

// parseWorkload 解析执行入参：内联 JSON 或 @file
func parseWorkload(args []string) (map[string]interface{}, error) {
	if len(args) == 0 {
		return nil, nil
	}
	raw := []byte(args[0])
	if strings.HasPrefix(args[0], "@") {
		b, err := os.ReadFile(strings.TrimPrefix(args[0], "@"))
		if err != nil {
			return nil, err
		}
		raw = b
	}
	var workload map[string]interface{}
	if err := json.Unmarshal(raw, &workload); err != nil {
		return nil, err
	}
	return workload, nil
}

// summarizeEvents 返回事件数与最近一条的事件类型
func summarizeEvents(out map[string]interface{}) (int, string) {
	events, _ := out["events"].([]interface{})
	last := ""
	if len(events) > 0 {
		if m, ok := events[len(events)-1].(map[string]interface{}); ok {
			last, _ = m["event_type"].(string)
		}
	}
	return len(events), last
}

// terminalEvent 从事件日志里找终态事件类型，没有则返回空串
func terminalEvent(out map[string]interface{}) string {
	events, _ := out["events"].([]interface{})
	for i := len(events) - 1; i >= 0; i-- {
		m, ok := events[i].(map[string]interface{})
		if !ok {
			continue
		}
		t, _ := m["event_type"].(string)
		switch t {
		case "execution_complete", "step_failed_terminal", "step_retry_exhausted":
			return t
		}
	}
	return ""
}
