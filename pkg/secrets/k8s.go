// Copyright 2026 fanjia1024
// Kubernetes secret store

package secrets

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// K8sConfig Kubernetes 后端配置
type K8sConfig struct {
	// ServiceAccountPath service account 挂载目录，
	// 默认 /var/run/secrets/kubernetes.io/serviceaccount
	ServiceAccountPath string `yaml:"service_account_path"`

	// Namespace pod 所在 namespace
	Namespace string `yaml:"namespace"`

	// SecretsPath 额外 secret 挂载目录，默认 /etc/secrets
	SecretsPath string `yaml:"secrets_path"`
}

// k8sStore 从 pod 内挂载的 secret 文件取值。挂载对 pod 只读，
// Set/Delete 只改本进程的覆盖层，不回写集群。
type k8sStore struct {
	serviceAccountPath string
	secretsPath        string
	namespace          string
	overlay            Store
}

// NewK8sStore 创建 Kubernetes secret store；不在 pod 里跑时建店即报错
func NewK8sStore(config K8sConfig) (Store, error) {
	saPath := config.ServiceAccountPath
	if saPath == "" {
		saPath = "/var/run/secrets/kubernetes.io/serviceaccount"
	}
	if _, err := os.Stat(saPath); err != nil {
		return nil, fmt.Errorf("service account 目录不可用: %s（不在 Kubernetes 里运行？）", saPath)
	}

	secretsPath := config.SecretsPath
	if secretsPath == "" {
		secretsPath = "/etc/secrets"
	}
	namespace := config.Namespace
	if namespace == "" {
		namespace = "default"
	}
	return &k8sStore{
		serviceAccountPath: saPath,
		secretsPath:        secretsPath,
		namespace:          namespace,
		overlay:            NewMemoryStore(),
	}, nil
}

func (k *k8sStore) Get(ctx context.Context, key string) (string, error) {
	if value, err := k.overlay.Get(ctx, key); err == nil {
		return value, nil
	}
	// 依次查 service account 目录（token/ca.crt/namespace）、
	// 额外挂载目录、标准 secret 挂载点
	for _, path := range []string{
		filepath.Join(k.serviceAccountPath, key),
		filepath.Join(k.secretsPath, key),
		filepath.Join("/run/secrets/kubernetes.io", k.namespace, key),
	} {
		if data, err := os.ReadFile(path); err == nil {
			return string(data), nil
		}
	}
	return "", fmt.Errorf("secret %s 不存在", key)
}

func (k *k8sStore) Set(ctx context.Context, key, value string) error {
	return k.overlay.Set(ctx, key, value)
}

func (k *k8sStore) Delete(ctx context.Context, key string) error {
	return k.overlay.Delete(ctx, key)
}

func (k *k8sStore) List(ctx context.Context, prefix string) ([]string, error) {
	keys, _ := k.overlay.List(ctx, prefix)
	for _, dir := range []string{k.serviceAccountPath, k.secretsPath} {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			name := e.Name()
			if strings.HasPrefix(name, prefix) && !slices.Contains(keys, name) {
				keys = append(keys, name)
			}
		}
	}
	return keys, nil
}
