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
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/apecloud/binlogreplay/binlog"
	"github.com/spf13/cobra"
)

func newDumpCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "dump FILE...",
		Short: "Print the events of binary log files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			keys, c, err := keyProvider(opts.cfg.Encryption)
			if err != nil {
				return err
			}
			files, cleanup, err := fetchLogs(cmd.Context(), opts.cfg.ObjectStorage, args)
			if err != nil {
				return err
			}
			defer cleanup()
			for _, path := range files {
				if err := dumpLog(cmd.OutOrStdout(), path, keys, c); err != nil {
					return fmt.Errorf("%s: %w", path, err)
				}
			}
			return nil
		},
	}
}

func dumpLog(w io.Writer, path string, keys binlog.KeyProvider, c binlog.Cipher) error {
	r, f, err := openLog(path, keys, c)
	if err != nil {
		return err
	}
	defer f.Close()
	for {
		pos, h, ev, err := r.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("at %d: %w", pos, err)
		}
		fmt.Fprintf(w, "# at %d\n#%d server id %d end_log_pos %d %s", pos, h.Timestamp, h.ServerID, h.NextPosition, h.Type)
		if h.SkipReplication() {
			fmt.Fprint(w, " skip_replication")
		}
		fmt.Fprintf(w, "\n%s\n", describe(h, ev))
	}
}

// describe renders the interesting fields of ev on one or more lines.
func describe(h binlog.Header, ev binlog.Event) string {
	switch e := ev.(type) {
	case *binlog.FormatDescription:
		return fmt.Sprintf("server version %s, binlog version %d, checksum %v", e.ServerVersion, e.BinlogVersion, e.ChecksumAlg)
	case *binlog.GTID:
		s := fmt.Sprintf("GTID %d-%d-%d flags 0x%02x", e.Domain, h.ServerID, e.Sequence, e.Flags)
		if e.Flags&binlog.GTIDGroupCommitID != 0 {
			s += fmt.Sprintf(" cid=%d", e.CommitID)
		}
		return s
	case *binlog.Statement:
		var b strings.Builder
		if e.Database != "" {
			fmt.Fprintf(&b, "use `%s`; ", e.Database)
		}
		b.WriteString(e.Text)
		if e.ErrorCode != 0 {
			fmt.Fprintf(&b, " /* error_code=%d */", e.ErrorCode)
		}
		return b.String()
	case *binlog.TableMap:
		return fmt.Sprintf("Table_map: `%s`.`%s` mapped to number %d", e.Database, e.Name, e.TableID)
	case *binlog.RowChange:
		return fmt.Sprintf("%s: table id %d, %d columns, %d bytes of rows", e.Type(), e.TableID, e.ColumnCount, len(e.Data))
	case *binlog.TransactionEnd:
		switch {
		case e.Rollback:
			return "ROLLBACK"
		case e.XID != nil:
			return fmt.Sprintf("COMMIT /* xid=%d */", *e.XID)
		}
		return "COMMIT"
	case *binlog.Rotate:
		return fmt.Sprintf("Rotate to %s pos: %d", e.NextLog, e.Position)
	case *binlog.Incident:
		return fmt.Sprintf("Incident %d: %s", e.Code, e.Message)
	case *binlog.AnnotateRows:
		return "Annotate_rows: " + e.Text
	case *binlog.GTIDList:
		parts := make([]string, len(e.Entries))
		for i, g := range e.Entries {
			parts[i] = fmt.Sprintf("%d-%d-%d", g.Domain, g.ServerID, g.Sequence)
		}
		return "Gtid list [" + strings.Join(parts, ",") + "]"
	case *binlog.BinlogCheckpoint:
		return "Binlog checkpoint " + e.LogName
	}
	return fmt.Sprintf("%+v", ev)
}
