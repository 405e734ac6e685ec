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
package binlogreplication

import "github.com/apecloud/binlogreplay/binlog"

// boundary describes where an event sits relative to transaction groups.
type boundary struct {
	// admin events are applied outside any group.
	admin bool
	// starts is set on the first event of a group, ends on its last. A lone
	// statement outside a group both starts and ends one.
	starts, ends bool
	// abandoned is set when a group starts before the previous one ended;
	// the primary lost the rest of that group.
	abandoned bool
	// stray is set on a COMMIT or ROLLBACK with no open group.
	stray bool
}

// groupTracker follows the group structure of an event stream.
type groupTracker struct {
	open bool
	// standalone groups end with their first statement; they run without
	// an explicit transaction.
	standalone bool
	// implicit groups were opened by a table map with no BEGIN and end with
	// the statement-end rows event.
	implicit bool
	// transactional groups run inside a session transaction.
	transactional bool
	// gtid is set when the group was opened by a GTID event.
	gtid *binlog.GTID
}

func (g *groupTracker) step(ev binlog.Event) (b boundary) {
	switch ev := ev.(type) {
	case *binlog.GTID:
		b.abandoned = g.open
		b.starts = true
		*g = groupTracker{open: true, standalone: ev.Standalone(), transactional: !ev.Standalone(), gtid: ev}
	case *binlog.Statement:
		switch {
		case ev.IsBegin():
			if !g.open {
				*g = groupTracker{open: true, transactional: true}
				b.starts = true
			}
		case !g.open:
			*g = groupTracker{}
			b.starts, b.ends = true, true
		case g.standalone:
			b.ends = true
			g.open = false
		}
	case *binlog.TableMap:
		if !g.open {
			*g = groupTracker{open: true, implicit: true, transactional: true}
			b.starts = true
		}
	case *binlog.RowChange:
		if !g.open {
			*g = groupTracker{open: true, implicit: true, transactional: true}
			b.starts = true
		}
		if (g.implicit || g.standalone) && ev.StmtEnd() {
			b.ends = true
			g.open = false
		}
	case *binlog.TransactionEnd:
		if g.open {
			b.ends = true
			g.open = false
		} else {
			b.stray = true
		}
	case *binlog.SessionVariable, *binlog.AnnotateRows:
		// Session variables precede the statement they apply to.
		if !g.open {
			*g = groupTracker{open: true, standalone: true}
			b.starts = true
		}
	default:
		b.admin = true
	}
	return b
}

// reset forgets any open group.
func (g *groupTracker) reset() {
	*g = groupTracker{}
}
