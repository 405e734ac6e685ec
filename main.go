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
package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/apecloud/binlogreplay/binlog"
	"github.com/apecloud/binlogreplay/configuration"
	"github.com/apecloud/binlogreplay/encryption"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// Command binlogreplay decodes MariaDB binary logs and replays them into a
// replica.
//
//	binlogreplay dump mysql-bin.000001
//	binlogreplay apply --config replay.yaml mysql-bin.000001 mysql-bin.000002
//	binlogreplay archive mysql-bin.000001 s3://logs/prod/
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		logrus.Fatalln(err)
	}
}

type options struct {
	configFile string
	logLevel   string
	logFormat  string
	cfg        configuration.ReplayConfig
}

func newRootCommand() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "binlogreplay",
		Short:         "Decode and replay MariaDB binary logs",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := configuration.Load(opts.configFile)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("log-level") {
				cfg.LogLevel = opts.logLevel
			}
			if cmd.Flags().Changed("log-format") {
				cfg.LogFormat = opts.logFormat
			}
			opts.cfg = cfg
			return setupLogging(cfg)
		},
	}
	root.PersistentFlags().StringVar(&opts.configFile, "config", "", "YAML configuration file")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "info", "log level (trace, debug, info, warn, error)")
	root.PersistentFlags().StringVar(&opts.logFormat, "log-format", "text", "log format (text or json)")
	root.AddCommand(newDumpCommand(opts), newApplyCommand(opts), newArchiveCommand(opts))
	return root
}

func setupLogging(cfg configuration.ReplayConfig) error {
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logrus.SetLevel(level)
	if strings.EqualFold(cfg.LogFormat, "json") {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return nil
}

// keyProvider returns the keys for encrypted logs, or nil when none are
// configured.
func keyProvider(cfg configuration.EncryptionConfig) (binlog.KeyProvider, binlog.Cipher, error) {
	c, err := binlog.ParseCipher(cfg.Cipher)
	if err != nil {
		return nil, 0, err
	}
	if cfg.KeyFile == "" {
		return nil, c, nil
	}
	keys, err := encryption.LoadFileKeyProvider(cfg.KeyFile, cfg.KeyFilePassphrase)
	if err != nil {
		return nil, 0, err
	}
	return keys, c, nil
}

// openLog opens a log file for reading.
func openLog(path string, keys binlog.KeyProvider, c binlog.Cipher) (*binlog.Reader, *os.File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	r, err := binlog.NewReader(f, binlog.NewDecoder(nil, keys, c))
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	return r, f, nil
}
