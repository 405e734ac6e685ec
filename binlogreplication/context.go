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

import (
	"context"
	"fmt"

	"github.com/apecloud/binlogreplay/binlog"
	"github.com/apecloud/binlogreplay/gtid"
	"github.com/apecloud/binlogreplay/handler"
	"github.com/apecloud/binlogreplay/replerror"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// State is the position of a replay context in the group state machine.
type State uint8

const (
	Idle State = iota
	GroupOpen
	Executing
	GroupClose
)

func (s State) String() string {
	switch s {
	case Idle:
		return "IDLE"
	case GroupOpen:
		return "GROUP_OPEN"
	case Executing:
		return "EXECUTING"
	case GroupClose:
		return "GROUP_CLOSE"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// tableBinding is a table map installed for the current group.
type tableBinding struct {
	tm       *binlog.TableMap
	table    handler.Table
	schema   *handler.Schema
	filtered bool
}

func (b *tableBinding) name() string {
	return b.tm.Database + "." + b.tm.Name
}

// event is one decoded event with its location in the log.
type event struct {
	h     binlog.Header
	ev    binlog.Event
	start uint64
	end   uint64
	file  string
}

// Counters are the per-context statistics reported in logs and status.
type Counters struct {
	Events   uint64
	Rows     uint64
	Groups   uint64
	Absorbed uint64
	Retries  uint64
}

func (c Counters) add(o Counters) Counters {
	return Counters{
		Events:   c.Events + o.Events,
		Rows:     c.Rows + o.Rows,
		Groups:   c.Groups + o.Groups,
		Absorbed: c.Absorbed + o.Absorbed,
		Retries:  c.Retries + o.Retries,
	}
}

func (c Counters) sub(o Counters) Counters {
	return Counters{
		Events:   c.Events - o.Events,
		Rows:     c.Rows - o.Rows,
		Groups:   c.Groups - o.Groups,
		Absorbed: c.Absorbed - o.Absorbed,
		Retries:  c.Retries - o.Retries,
	}
}

// ReplayContext is the state of one worker applying groups: its storage
// session, the table maps of the open group and the session variables
// waiting for the next statement. It is never shared between workers.
type ReplayContext struct {
	ID    string
	sess  handler.Session
	state State

	tracker groupTracker
	tables  map[uint64]*tableBinding
	vars    []*binlog.SessionVariable
	gtid    *gtid.GTID
	// table is the last table an event touched, for halt reports.
	table string
	// groupStart is the log offset of the first event of the open group.
	groupStart uint64

	Counters Counters

	// Parallel is set for workers of a parallel scheduler; Speculative while
	// the group runs ahead of groups it may depend on.
	Parallel    bool
	Speculative bool
	// beforeCommit blocks until the group may commit.
	beforeCommit func(ctx context.Context) error

	log *logrus.Entry
}

func newReplayContext(sess handler.Session, log *logrus.Entry) *ReplayContext {
	id := uuid.NewString()
	return &ReplayContext{
		ID:     id,
		sess:   sess,
		tables: make(map[uint64]*tableBinding),
		log:    log.WithField("context", id),
	}
}

// State returns the context's state machine state.
func (rc *ReplayContext) State() State { return rc.state }

func (rc *ReplayContext) situation() replerror.Situation {
	return replerror.Situation{Parallel: rc.Parallel, Speculative: rc.Speculative}
}

func (rc *ReplayContext) clearTables() {
	clear(rc.tables)
}

// reset returns the context to IDLE, dropping everything the open group
// installed.
func (rc *ReplayContext) reset() {
	rc.state = Idle
	rc.tracker.reset()
	rc.clearTables()
	rc.vars = nil
	rc.gtid = nil
	rc.table = ""
	rc.groupStart = 0
}

// takeVars returns the deferred session variables and forgets them.
func (rc *ReplayContext) takeVars() []*binlog.SessionVariable {
	vars := rc.vars
	rc.vars = nil
	return vars
}
