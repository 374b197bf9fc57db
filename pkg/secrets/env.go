// Copyright 2026 fanjia1024
// Environment variable based secret store

package secrets

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// envStore 进程环境变量做 secret 后端；Set/Delete 只影响当前进程
type envStore struct{}

// NewEnvStore 创建环境变量 secret store
func NewEnvStore() Store {
	return &envStore{}
}

func (e *envStore) Get(_ context.Context, key string) (string, error) {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return "", fmt.Errorf("环境变量 %s 未设置", key)
	}
	return value, nil
}

func (e *envStore) Set(_ context.Context, key, value string) error {
	return os.Setenv(key, value)
}

func (e *envStore) Delete(_ context.Context, key string) error {
	return os.Unsetenv(key)
}

func (e *envStore) List(_ context.Context, prefix string) ([]string, error) {
	var keys []string
	for _, kv := range os.Environ() {
		name, _, _ := strings.Cut(kv, "=")
		if strings.HasPrefix(name, prefix) {
			keys = append(keys, name)
		}
	}
	return keys, nil
}
