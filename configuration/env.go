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
package configuration

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

const (
	envExecMode      = "REPLAY_EXEC_MODE"
	envParallelMode  = "REPLAY_PARALLEL_MODE"
	envWorkers       = "REPLAY_WORKERS"
	envIgnoredErrors = "REPLAY_IGNORED_ERRORS"
	envSkipCounter   = "REPLAY_SKIP_COUNTER"
	envLogLevel      = "REPLAY_LOG_LEVEL"
	envReplicaDSN    = "REPLAY_REPLICA_DSN"
	envReplicateSkip = "REPLAY_REPLICATE_EVENTS_MARKED_FOR_SKIP"

	envStorageAccessKeyID     = "REPLAY_OBJECT_STORAGE_ACCESS_KEY_ID"
	envStorageSecretAccessKey = "REPLAY_OBJECT_STORAGE_SECRET_ACCESS_KEY"
)

// ApplyEnv overrides c with the REPLAY_* environment variables that are set.
func (c *ReplayConfig) ApplyEnv() error {
	if v := os.Getenv(envExecMode); v != "" {
		c.ExecMode = v
	}
	if v := os.Getenv(envParallelMode); v != "" {
		c.ParallelMode = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv(envReplicaDSN); v != "" {
		c.ReplicaDSN = v
	}
	if v := os.Getenv(envStorageAccessKeyID); v != "" {
		c.ObjectStorage.AccessKeyID = v
	}
	if v := os.Getenv(envStorageSecretAccessKey); v != "" {
		c.ObjectStorage.SecretAccessKey = v
	}
	if v := os.Getenv(envWorkers); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", envWorkers, err)
		}
		c.Workers = n
	}
	if v := os.Getenv(envSkipCounter); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return fmt.Errorf("%s: %w", envSkipCounter, err)
		}
		c.SkipCounter = n
	}
	if v := os.Getenv(envIgnoredErrors); v != "" {
		codes, err := parseCodes(v)
		if err != nil {
			return fmt.Errorf("%s: %w", envIgnoredErrors, err)
		}
		c.IgnoredErrors = codes
	}
	if _, ok := os.LookupEnv(envReplicateSkip); ok {
		c.ReplicateSkipped = envBool(envReplicateSkip)
	}
	return nil
}

// envBool reads a boolean variable; unset counts as false.
func envBool(name string) bool {
	switch strings.ToLower(os.Getenv(name)) {
	case "y", "t", "1", "on", "yes", "true":
		return true
	}
	return false
}

// parseCodes parses a comma-separated list of error numbers, such as the
// value of slave_skip_errors.
func parseCodes(s string) ([]uint16, error) {
	var codes []uint16
	for _, f := range strings.Split(s, ",") {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		n, err := strconv.ParseUint(f, 10, 16)
		if err != nil {
			return nil, fmt.Errorf("invalid error code %q", f)
		}
		codes = append(codes, uint16(n))
	}
	return codes, nil
}
