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

// Package rowmatch locates the stored row a logged before-image refers to.
package rowmatch

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"time"

	"github.com/apecloud/binlogreplay/binlog"
	"github.com/apecloud/binlogreplay/handler"
	"github.com/apecloud/binlogreplay/replerror"
	"github.com/sirupsen/logrus"
)

// DefaultSlowScanThreshold is the scan duration after which a diagnostic is logged.
const DefaultSlowScanThreshold = 60 * time.Second

// Strategy is the access path chosen for a lookup.
type Strategy uint8

const (
	ByPosition Strategy = iota
	ByUniqueKey
	ByKey
	ByScan
)

func (s Strategy) String() string {
	switch s {
	case ByPosition:
		return "position"
	case ByUniqueKey:
		return "unique key"
	case ByKey:
		return "key"
	}
	return "table scan"
}

// Plan is the access path for a table and column-presence bitmap.
type Plan struct {
	Strategy Strategy
	// KeyNo is the key used by ByPosition, ByUniqueKey and ByKey.
	KeyNo int
}

// Matcher finds rows for one replay session. It is safe for concurrent use.
type Matcher struct {
	SlowScanThreshold time.Duration

	warned atomic.Bool
	log    *logrus.Entry
}

// NewMatcher returns a matcher logging slow scans after threshold. A zero
// threshold means DefaultSlowScanThreshold.
func NewMatcher(threshold time.Duration) *Matcher {
	if threshold <= 0 {
		threshold = DefaultSlowScanThreshold
	}
	return &Matcher{
		SlowScanThreshold: threshold,
		log:               logrus.WithField("component", "row-matcher"),
	}
}

func covered(k handler.Key, present binlog.Bitmap) bool {
	if len(k.Columns) == 0 {
		return false
	}
	for _, c := range k.Columns {
		if c >= present.Count() || !present.Bit(c) {
			return false
		}
	}
	return true
}

// Choose picks the access path. A position seek needs the primary key fully
// present. Otherwise a non-nullable unique key is preferred, then the ordered
// key with the fewest rows per value, then a scan.
func Choose(table handler.Table, schema *handler.Schema, present binlog.Bitmap) Plan {
	pk := schema.PrimaryKey()
	if pk >= 0 && table.HasPositionSeek() && covered(schema.Keys[pk], present) {
		return Plan{Strategy: ByPosition, KeyNo: pk}
	}
	for i, k := range schema.Keys {
		if (k.Unique || k.Primary) && !k.Nullable && covered(k, present) {
			return Plan{Strategy: ByUniqueKey, KeyNo: i}
		}
	}
	best := -1
	for i, k := range schema.Keys {
		if !k.Ordered || !covered(k, present) {
			continue
		}
		if best < 0 || k.RecPerKey < schema.Keys[best].RecPerKey {
			best = i
		}
	}
	if best >= 0 {
		return Plan{Strategy: ByKey, KeyNo: best}
	}
	return Plan{Strategy: ByScan, KeyNo: handler.NoKey}
}

// Matches reports whether stored agrees with before on every present,
// non-system column.
func Matches(schema *handler.Schema, before, stored handler.Row, present binlog.Bitmap) bool {
	for i := 0; i < present.Count() && i < len(schema.Columns); i++ {
		if !present.Bit(i) || schema.Columns[i].System {
			continue
		}
		var a, b any
		if i < len(before) {
			a = before[i]
		}
		if i < len(stored) {
			b = stored[i]
		}
		if !handler.Equal(a, b) {
			return false
		}
	}
	return true
}

// FindRow returns the stored row matching before, whose present columns are
// marked in present. It fails with replerror.ErrRowNotFound when no row
// matches; engine errors are returned as they are.
func (m *Matcher) FindRow(ctx context.Context, table handler.Table, before handler.Row, present binlog.Bitmap) (handler.Record, error) {
	schema := table.Schema()
	plan := Choose(table, schema, present)
	log := m.log.WithFields(logrus.Fields{
		"db":       table.Database(),
		"table":    table.Name(),
		"strategy": plan.Strategy,
	})
	log.Traceln("Looking up row")

	if plan.Strategy == ByPosition {
		rec, err := table.SeekByPosition(ctx, before)
		if handler.IsNotFound(err) {
			return handler.Record{}, replerror.ErrRowNotFound.New(table.Database(), table.Name())
		}
		return rec, err
	}

	var (
		cursor handler.Cursor
		err    error
	)
	if plan.Strategy == ByScan {
		cursor, err = table.Scan(ctx)
	} else {
		cursor, err = table.SeekByKey(ctx, plan.KeyNo, before)
	}
	if handler.IsNotFound(err) {
		return handler.Record{}, replerror.ErrRowNotFound.New(table.Database(), table.Name())
	} else if err != nil {
		return handler.Record{}, err
	}
	defer cursor.Close()

	// The timer reports a lookup that is still running; the deferred check
	// one that finished past the threshold before the timer ran.
	start := time.Now()
	slow := time.AfterFunc(m.SlowScanThreshold, func() { m.warnSlow(log, start) })
	defer func() {
		slow.Stop()
		if time.Since(start) > m.SlowScanThreshold {
			m.warnSlow(log, start)
		}
	}()

	for {
		rec, err := cursor.Next(ctx)
		if errors.Is(err, io.EOF) || handler.IsNotFound(err) {
			return handler.Record{}, replerror.ErrRowNotFound.New(table.Database(), table.Name())
		} else if err != nil {
			return handler.Record{}, err
		}
		// A non-nullable unique key identifies the row on its own.
		if plan.Strategy == ByUniqueKey || Matches(schema, before, rec.Row, present) {
			return rec, nil
		}
	}
}

// warnSlow logs the slow lookup diagnostic once per matcher.
func (m *Matcher) warnSlow(log *logrus.Entry, start time.Time) {
	if m.warned.CompareAndSwap(false, true) {
		log.WithField("elapsed", time.Since(start)).Warn("Row lookup is slow; consider adding a primary or unique key to the table")
	}
}
