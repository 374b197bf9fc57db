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

package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Config 应用配置结构体
type Config struct {
	API        APIConfig        `mapstructure:"api"`
	EventStore EventStoreConfig `mapstructure:"eventstore"`
	Queue      QueueConfig      `mapstructure:"queue"`
	Catalog    CatalogConfig    `mapstructure:"catalog"`
	Broker     BrokerConfig     `mapstructure:"broker"`
	Worker     WorkerConfig     `mapstructure:"worker"`
	Secrets    SecretsConfig    `mapstructure:"secrets"`
	Log        LogConfig        `mapstructure:"log"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
}

// APIConfig API 服务配置
type APIConfig struct {
	Port        int              `mapstructure:"port"`
	Host        string           `mapstructure:"host"`
	Timeout     string           `mapstructure:"timeout"`
	MaxInflight int              `mapstructure:"max_inflight"` // 超过后 worker 路由返回 503（触发 worker 自适应降并发）；<=0 不限
	CORS        CORSConfig       `mapstructure:"cors"`
	Middleware  MiddlewareConfig `mapstructure:"middleware"`
}

// CORSConfig CORS 配置
type CORSConfig struct {
	Enable       bool     `mapstructure:"enable"`
	AllowOrigins []string `mapstructure:"allow_origins"`
}

// MiddlewareConfig 中间件配置（仅管理类路由启用 JWT；worker 协议路由保持开放）
type MiddlewareConfig struct {
	Auth          bool   `mapstructure:"auth"`
	JWTKey        string `mapstructure:"jwt_key"`
	JWTTimeout    string `mapstructure:"jwt_timeout"`     // 如 "1h"
	JWTMaxRefresh string `mapstructure:"jwt_max_refresh"` // 如 "1h"
}

// EventStoreConfig 事件日志存储配置（append-only 事件 + workload + error_log）
type EventStoreConfig struct {
	Type string `mapstructure:"type"` // memory | postgres
	DSN  string `mapstructure:"dsn"`  // Postgres 连接串，type=postgres 时必填
	Node int    `mapstructure:"node"` // 事件 ID 分配器节点号（多实例时各自唯一），0-1023
}

// QueueConfig 工作队列配置
type QueueConfig struct {
	Type         string `mapstructure:"type"`          // memory | postgres（通常与 eventstore 同库）
	DSN          string `mapstructure:"dsn"`           // 空则复用 eventstore.dsn
	LeaseSeconds int    `mapstructure:"lease_seconds"` // 默认租约时长，<=0 默认 60
	ReapInterval string `mapstructure:"reap_interval"` // 服务端回收过期租约的周期，如 "15s"
	MaxAttempts  int    `mapstructure:"max_attempts"`  // 步骤未配置 retry 时的默认上限，<=0 默认 3
}

// CatalogConfig Playbook 目录配置
type CatalogConfig struct {
	Type  string      `mapstructure:"type"` // memory | postgres
	DSN   string      `mapstructure:"dsn"`  // 空则复用 eventstore.dsn
	Cache CacheConfig `mapstructure:"cache"`
}

// CacheConfig 目录条目缓存配置
type CacheConfig struct {
	Type     string `mapstructure:"type"` // memory | redis
	Addr     string `mapstructure:"addr"`
	DB       int    `mapstructure:"db"`
	Password string `mapstructure:"password"`
	TTL      string `mapstructure:"ttl"` // 如 "5m"，空则默认 5m
}

// BrokerConfig Broker 评估配置
type BrokerConfig struct {
	EvalDelay string `mapstructure:"eval_delay"` // 评估前的吸收延迟，如 "200ms"；循环扇出时合并事件风暴
}

// WorkerConfig Worker 进程配置
type WorkerConfig struct {
	ServerURL         string  `mapstructure:"server_url"`         // 服务端地址，如 http://localhost:8080
	PoolName          string  `mapstructure:"pool_name"`          // 事件富化所用池名
	Runtime           string  `mapstructure:"runtime"`            // 事件富化所用运行时标识
	Concurrency       int     `mapstructure:"concurrency"`        // 任务执行并发，<=0 默认 4
	LeaseSeconds      int     `mapstructure:"lease_seconds"`      // lease 请求的租约时长，<=0 默认 60
	PollInterval      string  `mapstructure:"poll_interval"`      // 队列为空时的轮询间隔，如 "2s"
	PollQPS           float64 `mapstructure:"poll_qps"`           // lease 轮询限速（对服务端的 QPS 上限），<=0 不限
	HeartbeatInterval string  `mapstructure:"heartbeat_interval"` // 执行期间的心跳间隔，如 "10s"
	GateMax           float64 `mapstructure:"gate_max"`           // 自适应并发闸门上限，<=0 默认 16
	PythonBin         string  `mapstructure:"python_bin"`         // python 执行器解释器路径，空则 "python3"
}

// SecretsConfig Secret 解析配置（keychain 渲染上下文与 secrets 执行器共用）
type SecretsConfig struct {
	Provider string            `mapstructure:"provider"` // vault | k8s | env | memory
	Config   map[string]string `mapstructure:"config"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// MonitoringConfig 监控配置
type MonitoringConfig struct {
	Prometheus PrometheusConfig `mapstructure:"prometheus"`
	Tracing    TracingConfig    `mapstructure:"tracing"`
}

// PrometheusConfig Prometheus 配置
type PrometheusConfig struct {
	Enable bool `mapstructure:"enable"`
	Port   int  `mapstructure:"port"`
}

// TracingConfig 链路追踪配置（OpenTelemetry）
type TracingConfig struct {
	Enable         bool   `mapstructure:"enable"`
	ServiceName    string `mapstructure:"service_name"`
	ExportEndpoint string `mapstructure:"export_endpoint"`
	Insecure       bool   `mapstructure:"insecure"`
}

// LoadConfig 加载配置文件
func LoadConfig(configPath string) (*Config, error) {
	viper.SetConfigFile(configPath)
	viper.SetEnvPrefix("COFLOW")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("无法读取配置文件: %w", err)
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("无法解析配置文件: %w", err)
	}

	// 替换环境变量
	if err := replaceEnvVars(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

// replaceEnvVars 替换配置中的 ${VAR} 形式环境变量（DSN、密码、JWT 密钥等敏感字段）
func replaceEnvVars(config *Config) error {
	config.EventStore.DSN = expandEnv(config.EventStore.DSN)
	config.Queue.DSN = expandEnv(config.Queue.DSN)
	config.Catalog.DSN = expandEnv(config.Catalog.DSN)
	config.Catalog.Cache.Password = expandEnv(config.Catalog.Cache.Password)
	config.API.Middleware.JWTKey = expandEnv(config.API.Middleware.JWTKey)
	for k, v := range config.Secrets.Config {
		config.Secrets.Config[k] = expandEnv(v)
	}
	return nil
}

// expandEnv 将 "${VAR}" 替换为环境变量值；非该形式或变量为空时原样返回
func expandEnv(s string) string {
	if !strings.HasPrefix(s, "${") || !strings.HasSuffix(s, "}") {
		return s
	}
	envVar := strings.TrimSuffix(strings.TrimPrefix(s, "${"), "}")
	if val := os.Getenv(envVar); val != "" {
		return val
	}
	return s
}

// LoadAPIConfig 加载 API 配置（configs/api.yaml）
func LoadAPIConfig() (*Config, error) {
	return LoadConfig("configs/api.yaml")
}

// LoadWorkerConfig 加载 Worker 配置（configs/worker.yaml）
func LoadWorkerConfig() (*Config, error) {
	return LoadConfig("configs/worker.yaml")
}
