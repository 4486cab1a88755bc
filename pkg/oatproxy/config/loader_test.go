// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "oatproxy.yaml")
	contents := `
public_url: https://proxy.example.com
default_pds_host: https://default-pds.example.com
storage_backend: redis
redis_addr: localhost:6379
access_token_lifespan: 30m
`
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config file: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.PublicURL != "https://proxy.example.com" {
		t.Errorf("PublicURL = %q", cfg.PublicURL)
	}
	if cfg.StorageBackend != "redis" {
		t.Errorf("StorageBackend = %q, want redis", cfg.StorageBackend)
	}
	if cfg.RedisAddr != "localhost:6379" {
		t.Errorf("RedisAddr = %q", cfg.RedisAddr)
	}
	if cfg.AccessTokenLifespan != 30*time.Minute {
		t.Errorf("AccessTokenLifespan = %v, want 30m", cfg.AccessTokenLifespan)
	}
	if cfg.Scope != "atproto transition:generic" {
		t.Errorf("Scope = %q, want default scope", cfg.Scope)
	}
}

func TestLoadAppliesDefaultsWithNoFile(t *testing.T) {
	t.Setenv("OATPROXY_PUBLIC_URL", "https://proxy.example.com")
	t.Setenv("OATPROXY_DEFAULT_PDS_HOST", "https://default-pds.example.com")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.StorageBackend != "memory" {
		t.Errorf("StorageBackend = %q, want memory", cfg.StorageBackend)
	}
	if cfg.AccessTokenLifespan != DefaultAccessTokenLifespan {
		t.Errorf("AccessTokenLifespan = %v, want %v", cfg.AccessTokenLifespan, DefaultAccessTokenLifespan)
	}
	if cfg.RedisKeyPrefix != "oatproxy" {
		t.Errorf("RedisKeyPrefix = %q, want oatproxy", cfg.RedisKeyPrefix)
	}
}

func TestLoadMissingRequiredFieldsFails(t *testing.T) {
	_, err := Load("")
	if err == nil {
		t.Fatal("expected Load to fail validation with no public_url/default_pds_host set")
	}
}

func TestLoadFileNotFound(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatal("expected Load to fail when the config file does not exist")
	}
}
