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

// Package binlogreplication applies decoded binlog events to a replica: it
// drives the group state machine, keeps the replay position, and runs groups
// serially or on a parallel scheduler.
package binlogreplication

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/apecloud/binlogreplay/binlog"
	"github.com/apecloud/binlogreplay/gtid"
	"github.com/apecloud/binlogreplay/handler"
	"github.com/apecloud/binlogreplay/replerror"
	"github.com/apecloud/binlogreplay/rowmatch"
	"github.com/sirupsen/logrus"
	goerrors "gopkg.in/src-d/go-errors.v1"
)

var (
	// ErrHalted is returned by every apply call once replay has halted.
	ErrHalted = goerrors.NewKind("replay: replica is halted at %s")
	// ErrStopped is the cause of a halt requested by the operator.
	ErrStopped = goerrors.NewKind("replay: stopped by operator")
	// ErrIncident is raised by an incident event: the primary lost events.
	ErrIncident = goerrors.NewKind("replay: incident %d logged on the primary: %s")
	// ErrNoTableMap is raised by a rows event whose table map was not seen.
	ErrNoTableMap = goerrors.NewKind("replay: no table map for table id %d")
	// ErrNoSource is returned by ApplyNextEvent before SetSource.
	ErrNoSource = goerrors.NewKind("replay: no event source")
)

// EventSource yields decoded events in log order. *binlog.Reader is an
// EventSource; it returns io.EOF at the end of the log.
type EventSource interface {
	Next() (pos uint32, h binlog.Header, ev binlog.Event, err error)
}

// Config configures an Applier.
type Config struct {
	Mode          replerror.Mode
	IgnoredErrors []uint16
	// SkipCounter is the number of groups to skip before applying any.
	SkipCounter uint64
	// ReplicateSkipped applies events carrying the skip-replication flag
	// instead of dropping them.
	ReplicateSkipped bool
	// IgnoreTables are "db.table" patterns whose row events are dropped.
	IgnoreTables []string
	// ParallelAlter lets start-alter statements wait for their verdict on
	// a separate session. It requires a worker able to deliver the verdict
	// while the start half waits, so it is only set with parallel replay.
	ParallelAlter     bool
	SlowScanThreshold time.Duration
	Retry             replerror.RetryPolicy
	// PositionDir is the root of the .replica position directory. Empty
	// disables the durable position.
	PositionDir string
	// StateTable is the "db.table" the durable position is written to
	// inside each group's transaction. It takes precedence over PositionDir
	// when both hold a position. Empty disables it.
	StateTable  string
	LogThrottle time.Duration
	Metrics     *Metrics
}

// ApplyResult describes the outcome of applying one event.
type ApplyResult struct {
	Type binlog.EventType
	// Position is the replay cursor after the event.
	Position uint64
	// Skipped is set when the event was dropped by the skip counter, the
	// skip-replication flag, a table filter or duplicate detection.
	Skipped bool
	// Committed is set when the event closed a group.
	Committed bool
	// Absorbed counts errors absorbed by the classifier while applying.
	Absorbed int
}

// HaltStatus is what a halted replica reports.
type HaltStatus struct {
	// Position is the last successfully applied position.
	Position  LogPosition
	EventType binlog.EventType
	// Table is "db.table" of the table the failing event touched, if any.
	Table string
	Class replerror.Class
	Err   error
	Time  time.Time
}

// Status is a snapshot of the applier.
type Status struct {
	Running     bool
	Position    LogPosition
	Cursor      uint64
	State       State
	SkipCounter uint64
	Pending     int
	Counters    Counters
	Halt        *HaltStatus
}

// applyError is an error already classified by the apply engine.
type applyError struct {
	class replerror.Class
	err   error
}

func (e *applyError) Error() string { return e.err.Error() }
func (e *applyError) Unwrap() error { return e.err }

// stream is the reader-side view of the event stream: which group is open
// and whether it is being skipped.
type stream struct {
	tracker  groupTracker
	skipping string
}

// admission is what happens to an event before it reaches a worker.
type admission uint8

const (
	admitApply admission = iota
	admitAdmin
	admitSkip
)

// Applier applies binlog events to a storage engine through a replay
// context. Serial replay goes through ApplyEvent and ApplyNextEvent, which
// must not be called concurrently; Halt and Status may be called from any
// goroutine.
type Applier struct {
	cfg        Config
	engine     handler.Engine
	exec       handler.Executor
	classifier *replerror.Classifier
	matcher    *rowmatch.Matcher
	coord      *gtid.Coordinator
	filters    *filterConfiguration
	store      *binlogPositionStore
	state      *replicaState
	metrics    *Metrics
	throttled  *throttledLogger
	log        *logrus.Entry

	source     EventSource
	sourceFile string
	stream     stream
	rc         *ReplayContext

	alters      sync.WaitGroup
	alterCtx    context.Context
	alterCancel context.CancelCauseFunc

	mu        sync.Mutex
	cursor    uint64
	position  LogPosition
	skip      uint64
	halted    *HaltStatus
	cancel    context.CancelCauseFunc
	alterErrs map[[2]uint64]error
	// workers sums the counters of scheduler workers.
	workers Counters
}

// NewApplier returns an applier writing through engine and exec. The durable
// position, if any, is loaded to seed duplicate detection.
func NewApplier(ctx context.Context, engine handler.Engine, exec handler.Executor, cfg Config) (*Applier, error) {
	filters, err := newFilterConfiguration(cfg.IgnoreTables)
	if err != nil {
		return nil, err
	}
	if cfg.Retry == (replerror.RetryPolicy{}) {
		cfg.Retry = replerror.DefaultRetryPolicy
	}
	log := logrus.WithFields(logrus.Fields{"component": "binlog-applier", "mode": cfg.Mode.String()})
	a := &Applier{
		cfg:        cfg,
		engine:     engine,
		exec:       exec,
		classifier: replerror.NewClassifier(cfg.Mode, cfg.IgnoredErrors...),
		matcher:    rowmatch.NewMatcher(cfg.SlowScanThreshold),
		filters:    filters,
		metrics:    cfg.Metrics,
		throttled:  newThrottledLogger(log, cfg.LogThrottle),
		log:        log,
		skip:       cfg.SkipCounter,
		alterErrs:  make(map[[2]uint64]error),
	}
	a.position.GTID = make(gtid.Position)

	sess, err := engine.NewSession(ctx)
	if err != nil {
		return nil, err
	}
	a.rc = newReplayContext(sess, log)
	if err := a.loadPosition(ctx); err != nil {
		sess.Close()
		return nil, err
	}
	a.coord = gtid.NewCoordinator(a.position.GTID)
	a.alterCtx, a.alterCancel = context.WithCancelCause(context.WithoutCancel(ctx))
	return a, nil
}

// loadPosition opens the configured position stores and restores the
// durable position from them. The state table wins over the file.
func (a *Applier) loadPosition(ctx context.Context) error {
	var (
		pos    LogPosition
		found  bool
		source string
	)
	if a.cfg.PositionDir != "" {
		a.store = newBinlogPositionStore(a.cfg.PositionDir)
		p, ok, err := a.store.Load()
		if err != nil {
			return fmt.Errorf("unable to load binlog position: %w", err)
		}
		if ok {
			pos, found, source = p, true, "file"
		}
	}
	if a.cfg.StateTable != "" {
		st, err := newReplicaState(a.cfg.StateTable)
		if err != nil {
			return err
		}
		if err := st.create(ctx, a.exec, a.rc.sess); err != nil {
			return err
		}
		p, ok, err := st.load(ctx, a.rc.sess)
		if err != nil {
			return fmt.Errorf("unable to load binlog position from %s: %w", st, err)
		}
		if ok {
			pos, found, source = p, true, st.String()
		}
		a.state = st
	}
	if !found {
		return nil
	}
	if pos.GTID == nil {
		pos.GTID = make(gtid.Position)
	}
	a.position = pos
	a.cursor = pos.Offset
	a.log.WithFields(logrus.Fields{
		"position": pos.String(),
		"gtid":     pos.GTID.String(),
		"source":   source,
	}).Info("Loaded binlog position")
	return nil
}

// Reset forgets the durable position: replay restarts from the beginning
// of whatever log it is given next, with no GTID applied.
func (a *Applier) Reset(ctx context.Context) error {
	a.rollbackGroup(ctx, a.rc)
	a.stream = stream{}
	a.coord.AbortAll()
	if a.store != nil {
		if err := a.store.Delete(); err != nil {
			return fmt.Errorf("unable to delete binlog position: %w", err)
		}
	}
	if a.state != nil {
		if err := a.state.clear(ctx, a.rc.sess); err != nil {
			return fmt.Errorf("unable to clear %s: %w", a.state, err)
		}
	}
	a.coord.Restore(make(gtid.Position))
	a.mu.Lock()
	a.position = LogPosition{GTID: make(gtid.Position)}
	a.cursor = 0
	a.workers = Counters{}
	a.mu.Unlock()
	a.rc.Counters = Counters{}
	a.log.Info("Binlog position reset")
	return nil
}

// Coordinator returns the GTID coordinator shared by all workers.
func (a *Applier) Coordinator() *gtid.Coordinator { return a.coord }

// SetSource sets the stream ApplyNextEvent reads from. file is the name of
// the log it reads.
func (a *Applier) SetSource(src EventSource, file string) {
	a.source = src
	a.sourceFile = file
	a.mu.Lock()
	defer a.mu.Unlock()
	// A log earlier than the durable one was applied already and is
	// skipped; only a later log starts a new durable position.
	if a.position.File == "" || compareLogNames(file, a.position.File) > 0 {
		a.position.File = file
		a.position.Offset = 0
		a.cursor = 0
	}
}

// ApplyNextEvent reads the next event from the source and applies it. It
// returns io.EOF at the end of the source.
func (a *Applier) ApplyNextEvent(ctx context.Context) (ApplyResult, error) {
	if a.source == nil {
		return ApplyResult{}, ErrNoSource.New()
	}
	if err := a.checkRunning(ctx); err != nil {
		return ApplyResult{}, err
	}
	pos, h, ev, err := a.source.Next()
	if errors.Is(err, io.EOF) {
		return ApplyResult{}, io.EOF
	}
	if err != nil {
		// Nothing past an unreadable frame can be trusted.
		rec := event{h: h, start: uint64(pos), end: uint64(pos), file: a.sourceFile}
		return ApplyResult{Type: h.Type}, a.fail(ctx, a.rc, rec, err)
	}
	rec := event{
		h:     h,
		ev:    ev,
		start: uint64(pos),
		end:   uint64(pos) + uint64(h.EventLength),
		file:  a.sourceFile,
	}
	if a.beforeDurablePosition(&a.stream, rec) {
		// Applied and committed before a restart.
		a.metrics.eventSkipped("applied")
		return ApplyResult{Type: ev.Type(), Position: rec.end, Skipped: true}, nil
	}
	return a.applyEvent(ctx, rec)
}

// beforeDurablePosition reports whether rec lies before the durable position,
// outside any group.
func (a *Applier) beforeDurablePosition(s *stream, rec event) bool {
	if s.tracker.open {
		return false
	}
	if _, ok := rec.ev.(*binlog.FormatDescription); ok {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.position.File == "" {
		return false
	}
	if c := compareLogNames(rec.file, a.position.File); c != 0 {
		return c < 0
	}
	return rec.start < a.position.Offset
}

// ApplyEvent applies one event. The event's log offset is taken from its
// header's next position, or follows the previous event if that is zero.
func (a *Applier) ApplyEvent(ctx context.Context, h binlog.Header, ev binlog.Event) (ApplyResult, error) {
	if err := a.checkRunning(ctx); err != nil {
		return ApplyResult{}, err
	}
	return a.applyEvent(ctx, a.locate(h, ev))
}

func (a *Applier) locate(h binlog.Header, ev binlog.Event) event {
	a.mu.Lock()
	defer a.mu.Unlock()
	rec := event{h: h, ev: ev, file: a.position.File}
	if h.NextPosition != 0 {
		rec.end = uint64(h.NextPosition)
		rec.start = rec.end - min(rec.end, uint64(h.EventLength))
	} else {
		rec.start = a.cursor
		rec.end = a.cursor + uint64(h.EventLength)
	}
	return rec
}

// checkRunning returns ErrHalted if replay is halted, after unwinding the
// group that was open when the halt was requested.
func (a *Applier) checkRunning(ctx context.Context) error {
	a.mu.Lock()
	halted := a.halted
	a.mu.Unlock()
	if halted == nil {
		return nil
	}
	if a.rc.state != Idle {
		a.rollbackGroup(ctx, a.rc)
		a.stream = stream{}
	}
	return ErrHalted.New(halted.Position.String())
}

func (a *Applier) applyEvent(ctx context.Context, rec event) (ApplyResult, error) {
	ctx, done := a.track(ctx)
	defer done()

	res := ApplyResult{Type: rec.h.Type, Position: rec.end}
	if rec.ev != nil {
		res.Type = rec.ev.Type()
	}
	absorbed := a.rc.Counters.Absorbed

	action, b := a.admit(&a.stream, rec)
	switch action {
	case admitAdmin:
		if err := a.applyAdmin(ctx, rec, a.rc.state == Idle); err != nil {
			return res, a.fail(ctx, a.rc, rec, err)
		}
	case admitSkip:
		res.Skipped = true
		if b.ends && a.rc.state == Idle {
			a.advance(rec.file, rec.end, true)
		}
	case admitApply:
		if err := a.apply(ctx, a.rc, rec); err != nil {
			return res, a.fail(ctx, a.rc, rec, err)
		}
		res.Committed = b.ends
		a.metrics.eventApplied(res.Type)
	}
	res.Absorbed = int(a.rc.Counters.Absorbed - absorbed)

	a.mu.Lock()
	if rot, ok := rec.ev.(*binlog.Rotate); ok {
		a.cursor = rot.Position
	} else if rec.end > a.cursor {
		a.cursor = rec.end
	}
	res.Position = a.cursor
	a.mu.Unlock()
	return res, nil
}

// track derives the context an event is applied under; Halt cancels it.
func (a *Applier) track(ctx context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancelCause(ctx)
	a.mu.Lock()
	a.cancel = cancel
	a.mu.Unlock()
	return ctx, func() {
		a.mu.Lock()
		a.cancel = nil
		a.mu.Unlock()
		cancel(nil)
	}
}

// admit decides how the reader treats ev: administrative events are applied
// outside groups, skipped groups and flagged events are dropped, everything
// else goes to a worker.
func (a *Applier) admit(s *stream, rec event) (admission, boundary) {
	b := s.tracker.step(rec.ev)
	if b.admin {
		return admitAdmin, b
	}
	flagged := rec.h.SkipReplication() && !a.cfg.ReplicateSkipped
	if b.starts {
		s.skipping = ""
		switch {
		case flagged:
			// A flagged first event marks the whole group; the skip
			// counter is left alone.
			s.skipping = "skip_replication"
		case s.tracker.gtid != nil && a.coord.IsDuplicate(gtidOf(rec.h, s.tracker.gtid)):
			s.skipping = "duplicate"
		case a.takeSkip():
			s.skipping = "skip_counter"
		}
	}
	reason := s.skipping
	if b.ends {
		s.skipping = ""
	}
	switch {
	case b.stray:
		reason = "stray"
	case reason == "" && flagged && !b.ends:
		// Group boundaries are kept so the group still closes.
		reason = "skip_replication"
	}
	if reason != "" {
		a.log.WithFields(logrus.Fields{
			"type":     rec.ev.Type().String(),
			"position": rec.start,
			"reason":   reason,
		}).Trace("Skipping binlog event")
		a.metrics.eventSkipped(reason)
		return admitSkip, b
	}
	return admitApply, b
}

func (a *Applier) takeSkip() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.skip == 0 {
		return false
	}
	a.skip--
	return true
}

func gtidOf(h binlog.Header, ev *binlog.GTID) gtid.GTID {
	return gtid.GTID{Domain: ev.Domain, Server: h.ServerID, Sequence: ev.Sequence}
}

// applyAdmin applies an event that lives outside transaction groups.
func (a *Applier) applyAdmin(ctx context.Context, rec event, idle bool) error {
	switch ev := rec.ev.(type) {
	case *binlog.FormatDescription:
		// This is a descriptor event that is written to the beginning of a binary log file, at position 4 (after
		// the 4 magic number bytes). For more details, see: https://mariadb.com/kb/en/format_description_event/
		a.log.WithFields(logrus.Fields{
			"formatVersion": ev.BinlogVersion,
			"serverVersion": ev.ServerVersion,
			"checksum":      ev.ChecksumAlg.String(),
		}).Trace("Received binlog event: FormatDescription")

	case *binlog.Rotate:
		// When a binary log file exceeds the configured size limit, a ROTATE_EVENT is written at the end of the file,
		// pointing to the next file in the sequence. For more details, see: https://mariadb.com/kb/en/rotate_event/
		a.log.WithFields(logrus.Fields{
			"nextLog":  ev.NextLog,
			"position": ev.Position,
		}).Trace("Received binlog event: Rotate")
		a.advance(ev.NextLog, ev.Position, true)
		return nil

	case *binlog.GTIDList:
		// Logged in every binlog to record the current replication state. Consists of the last GTID seen for each
		// replication domain. For more details, see: https://mariadb.com/kb/en/gtid_list_event/
		a.log.WithField("domains", len(ev.Entries)).Trace("Received binlog event: GTIDList")

	case *binlog.BinlogCheckpoint:
		a.log.WithField("log", ev.LogName).Trace("Received binlog event: BinlogCheckpoint")

	case *binlog.StartEncryption:
		a.log.WithField("keyVersion", ev.KeyVersion).Trace("Received binlog event: StartEncryption")

	case *binlog.Incident:
		return ErrIncident.New(ev.Code, ev.Message)

	case nil:
		// Unknown event types are skipped by the reader.

	default:
		a.log.Tracef("Received binlog event: %s", rec.ev.Type())
	}
	if rec.h.Type != binlog.HeartbeatEvent {
		a.advance(rec.file, rec.end, idle)
	}
	return nil
}

// advance moves the durable position forward to file:offset, outside any
// group. It never moves back.
func (a *Applier) advance(file string, offset uint64, idle bool) {
	if !idle {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	switch c := compareLogNames(file, a.position.File); {
	case a.position.File == "" || c > 0:
		a.position.File = file
		a.position.Offset = offset
	case c == 0 && offset > a.position.Offset:
		a.position.Offset = offset
	}
}

// apply runs one event of a group on rc.
func (a *Applier) apply(ctx context.Context, rc *ReplayContext, rec event) error {
	b := rc.tracker.step(rec.ev)
	if b.abandoned && rc.state != Idle {
		rc.log.WithField("position", rc.groupStart).Warn("Transaction group was not terminated on the primary; rolling it back")
		a.rollbackGroup(ctx, rc)
		rc.tracker.step(rec.ev)
	}
	if b.starts {
		rc.groupStart = rec.start
		if rc.tracker.transactional {
			if err := rc.sess.Begin(ctx); err != nil {
				return err
			}
		}
		rc.state = GroupOpen
	}
	rc.Counters.Events++

	var err error
	switch ev := rec.ev.(type) {
	case *binlog.GTID:
		// For global transaction ID, used to start a new transaction event group, instead of the old BEGIN query event,
		// and also to mark stand-alone (ddl). For more details, see: https://mariadb.com/kb/en/gtid_event/
		g := gtidOf(rec.h, ev)
		rc.gtid = &g
		rc.log.WithFields(logrus.Fields{
			"gtid":       g.String(),
			"standalone": ev.Standalone(),
			"commitId":   ev.CommitID,
		}).Trace("Received binlog event: GTID")

	case *binlog.Statement:
		if ev.IsBegin() {
			rc.log.Trace("Received binlog event: Query BEGIN")
			break
		}
		rc.state = Executing
		err = a.applyStatement(ctx, rc, rec.h, ev)

	case *binlog.TableMap:
		err = a.applyTableMap(ctx, rc, ev)

	case *binlog.RowChange:
		rc.state = Executing
		err = a.applyRows(ctx, rc, ev)

	case *binlog.SessionVariable:
		// Written only before a Query event; consumed by it.
		rc.log.Tracef("Received binlog event: %s", ev.Kind)
		rc.vars = append(rc.vars, ev)

	case *binlog.AnnotateRows:
		rc.log.WithField("query", ev.Text).Trace("Received binlog event: AnnotateRows")

	case *binlog.TransactionEnd:
		// An XID event is generated for a COMMIT of a transaction that modifies one or more tables of an
		// XA-capable storage engine. For more details, see: https://mariadb.com/kb/en/xid_event/
		rc.log.WithField("rollback", ev.Rollback).Trace("Received binlog event: XID")
	}
	if err != nil {
		return err
	}
	if b.ends {
		end, _ := rec.ev.(*binlog.TransactionEnd)
		return a.closeGroup(ctx, rc, rec, end != nil && end.Rollback)
	}
	return nil
}

// closeGroup commits or rolls back the open group, records its GTID and
// moves the durable position past it.
func (a *Applier) closeGroup(ctx context.Context, rc *ReplayContext, rec event, rollback bool) error {
	rc.state = GroupClose
	if rc.beforeCommit != nil {
		if err := rc.beforeCommit(ctx); err != nil {
			return err
		}
	}
	pos := LogPosition{File: rec.file, Offset: rec.end, GTID: a.coord.Position()}
	if rc.gtid != nil {
		pos.GTID[rc.gtid.Domain] = *rc.gtid
	}
	if rollback {
		if err := rc.sess.Rollback(ctx); err != nil {
			return err
		}
	}
	// The state row joins the group's transaction; after a rollback it is
	// written on its own.
	if a.state != nil {
		if err := a.state.save(ctx, rc.sess, pos); err != nil {
			return fmt.Errorf("unable to store binlog position in %s: %w", a.state, err)
		}
	}
	if !rollback {
		if err := rc.sess.Commit(ctx); err != nil {
			return err
		}
	}
	if rc.gtid != nil {
		if err := a.coord.Record(*rc.gtid); err != nil {
			return err
		}
	}
	rc.Counters.Groups++

	a.mu.Lock()
	if compareLogNames(pos.File, a.position.File) < 0 {
		pos.File, pos.Offset = a.position.File, a.position.Offset
	}
	pos.GTID = a.coord.Position()
	a.position = pos
	a.mu.Unlock()

	rc.log.WithFields(logrus.Fields{
		"position": pos.String(),
		"gtid":     pos.GTID.String(),
		"rollback": rollback,
	}).Debugln("Transaction group closed")
	a.metrics.groupCommitted(pos.Offset)
	rc.reset()

	if a.store != nil {
		if err := a.store.Save(pos); err != nil {
			return fmt.Errorf("unable to store binlog position to disk: %w", err)
		}
	}
	return nil
}

// rollbackGroup unwinds the open group of rc.
func (a *Applier) rollbackGroup(ctx context.Context, rc *ReplayContext) {
	if rc.state != Idle {
		if err := rc.sess.Rollback(context.WithoutCancel(ctx)); err != nil {
			rc.log.Warnf("unable to roll back transaction group: %v", err)
		}
	}
	rc.reset()
}

// classify returns the class of an error raised while applying a group.
// Only temporary errors survive as non-fatal here: anything else that
// reaches the group level has already broken the group.
func (a *Applier) classify(rc *ReplayContext, err error) *applyError {
	var ae *applyError
	if errors.As(err, &ae) {
		return ae
	}
	class := a.classifier.Classify(err, rc.situation())
	if class != replerror.Temporary {
		class = replerror.Fatal
	}
	return &applyError{class: class, err: err}
}

// fail unwinds the open group and halts replay on err.
func (a *Applier) fail(ctx context.Context, rc *ReplayContext, rec event, err error) error {
	ae := a.classify(rc, err)
	table := rc.table
	a.rollbackGroup(ctx, rc)
	if rc == a.rc {
		a.stream = stream{}
	}
	return a.halt(rec, table, ae)
}

// halt records the halt caused by ae on rec. table is the table the failing
// group touched last.
func (a *Applier) halt(rec event, table string, ae *applyError) error {
	a.mu.Lock()
	if a.halted == nil {
		a.halted = &HaltStatus{
			Position:  a.position,
			EventType: rec.h.Type,
			Table:     table,
			Class:     ae.class,
			Err:       ae.err,
			Time:      time.Now(),
		}
		if rec.ev != nil {
			a.halted.EventType = rec.ev.Type()
		}
	}
	pos := a.position
	a.mu.Unlock()

	a.metrics.errorClassified(ae.class)
	a.metrics.setHalted(true)
	a.log.WithFields(logrus.Fields{
		"position": pos.String(),
		"event":    rec.h.Type.String(),
		"table":    table,
		"class":    ae.class.String(),
	}).Errorf("Replay halted: %v", ae.err)
	return ae
}

// CurrentPosition returns the replay cursor: the log offset just past the
// last applied event.
func (a *Applier) CurrentPosition() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cursor
}

// LogPosition returns the durable position: the start of the first group
// not yet committed. A crash mid-group resumes here.
func (a *Applier) LogPosition() LogPosition {
	a.mu.Lock()
	defer a.mu.Unlock()
	pos := a.position
	pos.GTID = pos.GTID.Clone()
	return pos
}

// Skip skips the next n transaction groups.
func (a *Applier) Skip(n uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.skip += n
}

// Halt stops replay. An event being applied observes the stop at its next
// row or statement boundary and its group is rolled back.
func (a *Applier) Halt() {
	a.mu.Lock()
	defer a.mu.Unlock()
	err := ErrStopped.New()
	if a.halted == nil {
		a.halted = &HaltStatus{Position: a.position, Class: replerror.Fatal, Err: err, Time: time.Now()}
	}
	if a.cancel != nil {
		a.cancel(err)
	}
	a.metrics.setHalted(true)
}

// Resume clears a halt. Replay continues with the next event handed to the
// applier; the caller re-reads the log from LogPosition.
func (a *Applier) Resume() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.halted != nil {
		a.log.WithField("position", a.position.String()).Info("Resuming replay")
	}
	a.halted = nil
	a.cursor = a.position.Offset
	a.metrics.setHalted(false)
}

// Reconnect is called when the event stream broke and restarts from
// LogPosition: the open group is rolled back and every start-alter still
// waiting for a verdict is rolled back.
func (a *Applier) Reconnect(ctx context.Context) {
	a.rollbackGroup(ctx, a.rc)
	a.stream = stream{}
	a.coord.AbortAll()
	a.mu.Lock()
	a.cursor = a.position.Offset
	a.mu.Unlock()
}

// collect adds what rc counted since start to the worker totals.
func (a *Applier) collect(rc *ReplayContext, start Counters) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.workers = a.workers.add(rc.Counters.sub(start))
}

// Status returns a snapshot of the applier.
func (a *Applier) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	st := Status{
		Running:     a.halted == nil,
		Position:    a.position,
		Cursor:      a.cursor,
		State:       a.rc.state,
		SkipCounter: a.skip,
		Pending:     a.coord.Pending(),
		Counters:    a.rc.Counters.add(a.workers),
	}
	st.Position.GTID = st.Position.GTID.Clone()
	if a.halted != nil {
		h := *a.halted
		st.Halt = &h
	}
	return st
}

// Close rolls back anything still open, releases waiting start-alters and
// closes the applier's session.
func (a *Applier) Close() error {
	a.rollbackGroup(context.Background(), a.rc)
	a.coord.AbortAll()
	a.alterCancel(ErrStopped.New())
	a.alters.Wait()
	return a.rc.sess.Close()
}
