// Copyright 2023 Dolthub, Inc.
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

package binlogreplication

import (
	"cmp"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/apecloud/binlogreplay/gtid"
)

const binlogPositionDirectory = ".replica"
const binlogPositionFilename = "binlog-position"
const mariadbFlavor = "MariaDB"

// LogPosition is a durable replay position: the log file and offset the next
// group starts at, and the GTIDs of the groups applied so far.
type LogPosition struct {
	File   string
	Offset uint64
	GTID   gtid.Position
}

func (p LogPosition) String() string {
	return fmt.Sprintf("%s:%d", p.File, p.Offset)
}

// encode formats p as "MariaDB/<file>:<offset>/<gtid position>".
func (p LogPosition) encode() string {
	return fmt.Sprintf("%s/%s:%d/%s", mariadbFlavor, p.File, p.Offset, p.GTID)
}

func decodeLogPosition(s string) (LogPosition, error) {
	s = strings.TrimSpace(s)
	rest, ok := strings.CutPrefix(s, mariadbFlavor+"/")
	if !ok {
		return LogPosition{}, fmt.Errorf("unknown binlog position flavor: %q", s)
	}
	coords, gtids, _ := strings.Cut(rest, "/")
	i := strings.LastIndexByte(coords, ':')
	if i < 0 {
		return LogPosition{}, fmt.Errorf("malformed binlog position: %q", s)
	}
	offset, err := strconv.ParseUint(coords[i+1:], 10, 64)
	if err != nil {
		return LogPosition{}, fmt.Errorf("malformed binlog position %q: %w", s, err)
	}
	pos, err := gtid.ParsePosition(gtids)
	if err != nil {
		return LogPosition{}, err
	}
	return LogPosition{File: coords[:i], Offset: offset, GTID: pos}, nil
}

// compareLogNames orders two binary log names. Names sharing a base name are
// ordered by their numeric extension.
func compareLogNames(a, b string) int {
	abase, aseq, aok := splitLogName(a)
	bbase, bseq, bok := splitLogName(b)
	if aok && bok && abase == bbase {
		return cmp.Compare(aseq, bseq)
	}
	return strings.Compare(a, b)
}

func splitLogName(name string) (string, uint64, bool) {
	i := strings.LastIndexByte(name, '.')
	if i < 0 {
		return name, 0, false
	}
	seq, err := strconv.ParseUint(name[i+1:], 10, 64)
	return name[:i], seq, err == nil
}

// binlogPositionStore manages loading and saving data to the binlog position file stored on disk. This provides
// durable storage for the position of the last committed group and the GTIDs applied on the replica, so that
// replay can be restarted at the correct point and already applied groups are recognized as duplicates.
type binlogPositionStore struct {
	root string
	mu   sync.Mutex
}

func newBinlogPositionStore(root string) *binlogPositionStore {
	return &binlogPositionStore{root: root}
}

// Load loads the position from the .replica/binlog-position file under the store's root. If no file is stored,
// it returns false and a nil error.
func (store *binlogPositionStore) Load() (LogPosition, bool, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	bytes, err := os.ReadFile(filepath.Join(store.root, binlogPositionDirectory, binlogPositionFilename))
	if err != nil && errors.Is(err, fs.ErrNotExist) {
		return LogPosition{}, false, nil
	} else if err != nil {
		return LogPosition{}, false, err
	}

	pos, err := decodeLogPosition(string(bytes))
	if err != nil {
		return LogPosition{}, false, err
	}
	return pos, true, nil
}

// Save saves |position| to disk in the .replica/binlog-position file under the store's root. The file is
// replaced atomically so a crash never leaves a torn position behind.
func (store *binlogPositionStore) Save(position LogPosition) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	// The .replica dir may not exist yet, so create it if necessary.
	dir, err := createReplicaDir(store.root)
	if err != nil {
		return err
	}

	filePath := filepath.Join(dir, binlogPositionFilename)
	tmp := filePath + ".tmp"
	if err := writeSynced(tmp, []byte(position.encode())); err != nil {
		return err
	}
	if err := os.Rename(tmp, filePath); err != nil {
		return err
	}
	return syncDir(dir)
}

// writeSynced writes data to name and flushes it to stable storage.
func writeSynced(name string, data []byte) error {
	f, err := os.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0666)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// syncDir flushes a rename in dir to stable storage.
func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

// Delete deletes the stored position. This is useful when replay is reset, since it clears out the current
// replication state.
func (store *binlogPositionStore) Delete() error {
	store.mu.Lock()
	defer store.mu.Unlock()

	err := os.Remove(filepath.Join(store.root, binlogPositionDirectory, binlogPositionFilename))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// createReplicaDir creates the .replica directory if it doesn't already exist.
func createReplicaDir(root string) (string, error) {
	dir := filepath.Join(root, binlogPositionDirectory)
	stat, err := os.Stat(dir)
	if err != nil && errors.Is(err, fs.ErrNotExist) {
		err := os.MkdirAll(dir, os.ModePerm)
		if err != nil {
			return "", fmt.Errorf("unable to save binlog metadata: %s", err)
		}
	} else if err != nil {
		return "", err
	} else if !stat.IsDir() {
		return "", fmt.Errorf("unable to save binlog metadata: %s exists as a file, not a dir", binlogPositionDirectory)
	}

	return dir, nil
}
