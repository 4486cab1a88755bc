// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"

	"dario.cat/mergo"
	"github.com/spf13/viper"
)

// Load reads a layered configuration (file + environment, env taking
// precedence) into a Config, resolving viper values before handing a
// plain struct to the engine. path may be empty, in which case only
// environment variables and defaults apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("OATPROXY")
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	defaults := Config{
		StorageBackend: "memory",
		RedisKeyPrefix: "oatproxy",
	}
	defaults.ApplyDefaults()

	loaded := Config{
		PublicURL:                 v.GetString("public_url"),
		DefaultPDSHost:            v.GetString("default_pds_host"),
		Scope:                     v.GetString("scope"),
		StorageBackend:            v.GetString("storage_backend"),
		RedisAddr:                 v.GetString("redis_addr"),
		RedisKeyPrefix:            v.GetString("redis_key_prefix"),
		ClientIDAllowlist:         v.GetStringSlice("client_id_allowlist"),
		AccessTokenLifespan:       v.GetDuration("access_token_lifespan"),
		RequestTimeout:            v.GetDuration("request_timeout"),
		AllowPrivateUpstreamHosts: v.GetBool("allow_private_upstream_hosts"),
	}

	// mergo fills zero-valued fields in loaded from defaults without
	// overwriting anything the operator actually set.
	if err := mergo.Merge(&loaded, defaults); err != nil {
		return nil, fmt.Errorf("merge config defaults: %w", err)
	}

	if loaded.Scope == "" {
		loaded.Scope = "atproto transition:generic"
	}

	if err := loaded.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &loaded, nil
}
