// Copyright 2024-2025 ApeCloud, Ltd.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
// Package configuration loads the settings of a replay run from a YAML file
// and the environment.
package configuration

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EncryptionConfig locates the keys of encrypted logs.
type EncryptionConfig struct {
	KeyFile           string `yaml:"key_file"`
	KeyFilePassphrase string `yaml:"key_file_passphrase"`
	// Cipher is "cbc" or "ctr".
	Cipher string `yaml:"cipher"`
}

// ObjectStorageConfig holds the credentials for logs named by s3:// or
// s3c:// URIs.
type ObjectStorageConfig struct {
	// Endpoint is the S3 endpoint, such as s3.us-east-1.amazonaws.com, or
	// the address of an S3-compatible store.
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

// ReplayConfig holds every setting of a replay run.
type ReplayConfig struct {
	// ExecMode is "strict" or "idempotent".
	ExecMode      string   `yaml:"exec_mode"`
	IgnoredErrors []uint16 `yaml:"ignored_errors"`
	SkipCounter   uint64   `yaml:"skip_counter"`
	// ReplicateSkipped applies events marked for skip instead of dropping them.
	ReplicateSkipped bool `yaml:"replicate_events_marked_for_skip"`
	// IgnoreTables are "db.table" patterns; * matches any name.
	IgnoreTables []string `yaml:"ignore_tables"`

	// ParallelMode is "none", "conservative" or "optimistic".
	ParallelMode string `yaml:"parallel_mode"`
	Workers      int    `yaml:"workers"`

	RetryLimit        int           `yaml:"retry_limit"`
	RetryBackoff      time.Duration `yaml:"retry_backoff"`
	LockWaitTimeout   time.Duration `yaml:"lock_wait_timeout"`
	SlowScanThreshold time.Duration `yaml:"slow_scan_threshold"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	PositionDir string `yaml:"position_dir"`
	// StateTable is the "db.table" the position is committed to together
	// with each group. Empty keeps the position in position_dir only.
	StateTable  string           `yaml:"state_table"`
	Encryption  EncryptionConfig `yaml:"encryption"`
	ReplicaDSN  string           `yaml:"replica_dsn"`
	MetricsAddr string           `yaml:"metrics_addr"`

	ObjectStorage ObjectStorageConfig `yaml:"object_storage"`
}

// Default returns the configuration used when nothing is set.
func Default() ReplayConfig {
	return ReplayConfig{
		ExecMode:          "strict",
		ParallelMode:      "none",
		Workers:           1,
		RetryLimit:        10,
		LockWaitTimeout:   50 * time.Second,
		SlowScanThreshold: time.Second,
		LogLevel:          "info",
		LogFormat:         "text",
		StateTable:        "binlogreplay.replay_position",
		Encryption:        EncryptionConfig{Cipher: "cbc"},
	}
}

// Load reads the YAML file at path over the defaults, then applies the
// environment overrides. An empty path reads no file.
func Load(path string) (ReplayConfig, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("reading configuration: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parsing configuration %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// Validate rejects unknown enum values and impossible counts.
func (c *ReplayConfig) Validate() error {
	var errs []error
	switch strings.ToLower(c.ExecMode) {
	case "", "strict", "idempotent":
	default:
		errs = append(errs, fmt.Errorf("exec_mode must be strict or idempotent, got %q", c.ExecMode))
	}
	switch strings.ToLower(c.ParallelMode) {
	case "", "none", "conservative", "optimistic":
	default:
		errs = append(errs, fmt.Errorf("parallel_mode must be none, conservative or optimistic, got %q", c.ParallelMode))
	}
	if c.Workers < 1 {
		errs = append(errs, fmt.Errorf("workers must be positive, got %d", c.Workers))
	}
	if c.RetryLimit < 0 {
		errs = append(errs, fmt.Errorf("retry_limit must not be negative, got %d", c.RetryLimit))
	}
	switch c.Encryption.Cipher {
	case "", "cbc", "ctr":
	default:
		errs = append(errs, fmt.Errorf("encryption.cipher must be cbc or ctr, got %q", c.Encryption.Cipher))
	}
	switch strings.ToLower(c.LogFormat) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format must be text or json, got %q", c.LogFormat))
	}
	if c.StateTable != "" {
		if db, table, ok := strings.Cut(c.StateTable, "."); !ok || db == "" || table == "" {
			errs = append(errs, fmt.Errorf("state_table %q is not db.table", c.StateTable))
		}
	}
	for _, p := range c.IgnoreTables {
		if db, table, ok := strings.Cut(p, "."); !ok || db == "" || table == "" {
			errs = append(errs, fmt.Errorf("ignore_tables entry %q is not db.table", p))
		}
	}
	return errors.Join(errs...)
}
