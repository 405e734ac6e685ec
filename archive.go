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
	"fmt"
	"io"
	"os"

	"github.com/apecloud/binlogreplay/configuration"
	"github.com/apecloud/binlogreplay/storage"
	"github.com/spf13/cobra"
)

func newArchiveCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "archive FILE... s3://BUCKET/PREFIX/",
		Short: "Verify binary log files and upload them to object storage",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			files, dest := args[:len(args)-1], args[len(args)-1]
			a, prefix, err := openArchive(opts.cfg.ObjectStorage, dest)
			if err != nil {
				return err
			}
			keys, c, err := keyProvider(opts.cfg.Encryption)
			if err != nil {
				return err
			}
			for _, path := range files {
				// Only logs that decode completely are archived.
				if err := dumpLog(io.Discard, path, keys, c); err != nil {
					return fmt.Errorf("%s: %w", path, err)
				}
				loc, err := a.Upload(cmd.Context(), path, prefix)
				if err != nil {
					return fmt.Errorf("%s: %w", path, err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), loc)
			}
			return nil
		},
	}
}

func openArchive(cfg configuration.ObjectStorageConfig, uri string) (*storage.Archive, storage.Location, error) {
	loc, err := storage.ParseLocation(uri)
	if err != nil {
		return nil, storage.Location{}, err
	}
	a, err := storage.NewArchive(loc, cfg.Endpoint, cfg.AccessKeyID, cfg.SecretAccessKey)
	if err != nil {
		return nil, storage.Location{}, err
	}
	return a, loc, nil
}

// fetchLogs returns local paths for files, downloading those that name
// objects into a temporary directory the returned cleanup removes.
func fetchLogs(ctx context.Context, cfg configuration.ObjectStorageConfig, files []string) ([]string, func(), error) {
	var (
		dir   string
		local = make([]string, len(files))
	)
	cleanup := func() {
		if dir != "" {
			os.RemoveAll(dir)
		}
	}
	for i, f := range files {
		if !storage.IsRemote(f) {
			local[i] = f
			continue
		}
		a, loc, err := openArchive(cfg, f)
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		if dir == "" {
			if dir, err = os.MkdirTemp("", "binlogreplay-"); err != nil {
				return nil, nil, err
			}
		}
		if local[i], err = a.Download(ctx, loc, dir); err != nil {
			cleanup()
			return nil, nil, err
		}
	}
	return local, cleanup, nil
}
