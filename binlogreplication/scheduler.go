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
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/apecloud/binlogreplay/binlog"
	"github.com/apecloud/binlogreplay/replerror"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// ParallelMode selects how groups may overlap on a parallel scheduler.
type ParallelMode uint8

const (
	// ParallelNone applies groups one at a time.
	ParallelNone ParallelMode = iota
	// Conservative runs groups in parallel only when they were group
	// committed together on the primary.
	Conservative
	// Optimistic runs every transactional group as soon as a worker is
	// free, speculating that it does not conflict with earlier groups.
	Optimistic
)

func (m ParallelMode) String() string {
	switch m {
	case ParallelNone:
		return "none"
	case Conservative:
		return "conservative"
	case Optimistic:
		return "optimistic"
	default:
		return fmt.Sprintf("ParallelMode(%d)", uint8(m))
	}
}

// ParseParallelMode parses "none", "conservative" or "optimistic".
func ParseParallelMode(s string) (ParallelMode, error) {
	switch strings.ToLower(s) {
	case "", "none":
		return ParallelNone, nil
	case "conservative":
		return Conservative, nil
	case "optimistic":
		return Optimistic, nil
	}
	return ParallelNone, fmt.Errorf("unknown parallel mode %q", s)
}

// group is one transaction group handed to a worker.
type group struct {
	seq    uint64
	events []event
	// after is the last group that must commit before this one may start.
	after uint64
}

// commitOrder tracks how many groups have committed. Groups commit in
// dispatch order, so one counter describes the whole prefix.
type commitOrder struct {
	mu        sync.Mutex
	committed uint64
	changed   chan struct{}
}

func newCommitOrder() *commitOrder {
	return &commitOrder{changed: make(chan struct{})}
}

// wait blocks until group n has committed.
func (o *commitOrder) wait(ctx context.Context, n uint64) error {
	for {
		o.mu.Lock()
		if o.committed >= n {
			o.mu.Unlock()
			return nil
		}
		changed := o.changed
		o.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return context.Cause(ctx)
		}
	}
}

func (o *commitOrder) done(seq uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if seq > o.committed {
		o.committed = seq
	}
	close(o.changed)
	o.changed = make(chan struct{})
}

func (o *commitOrder) last() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.committed
}

// Scheduler applies groups on several workers. Each worker owns a session
// and a replay context; workers only synchronize at commit, where a group
// waits for every earlier group to commit first.
type Scheduler struct {
	a       *Applier
	mode    ParallelMode
	workers int
	order   *commitOrder
	stream  stream
	log     *logrus.Entry

	mu      sync.Mutex
	running map[uint64]context.CancelCauseFunc
	// fence is a group being retried; later groups wait for it to commit
	// before starting.
	fence uint64
}

// NewScheduler returns a scheduler running workers workers for a.
func NewScheduler(a *Applier, mode ParallelMode, workers int) *Scheduler {
	if workers < 1 {
		workers = 1
	}
	if mode == ParallelNone {
		workers = 1
	}
	return &Scheduler{
		a:       a,
		mode:    mode,
		workers: workers,
		order:   newCommitOrder(),
		running: make(map[uint64]context.CancelCauseFunc),
		log:     a.log.WithFields(logrus.Fields{"parallelMode": mode.String(), "workers": workers}),
	}
}

// Run applies src until it ends, replay halts, or ctx is done. file is the
// name of the log src reads.
func (s *Scheduler) Run(ctx context.Context, src EventSource, file string) error {
	if err := s.a.checkRunning(ctx); err != nil {
		return err
	}
	ctx, done := s.a.track(ctx)
	defer done()

	eg, ctx := errgroup.WithContext(ctx)
	queue := make(chan *group)
	for i := 0; i < s.workers; i++ {
		sess, err := s.a.engine.NewSession(ctx)
		if err != nil {
			close(queue)
			_ = eg.Wait()
			return err
		}
		rc := newReplayContext(sess, s.log.WithField("worker", i))
		rc.Parallel = s.workers > 1
		eg.Go(func() error {
			defer sess.Close()
			for g := range queue {
				if err := s.runGroup(ctx, rc, g); err != nil {
					return err
				}
			}
			return nil
		})
	}
	eg.Go(func() error {
		defer close(queue)
		return s.read(ctx, src, file, queue)
	})
	s.log.Info("Parallel replay started")
	err := eg.Wait()
	if err != nil {
		return err
	}
	s.log.WithField("position", s.a.LogPosition().String()).Info("Parallel replay finished")
	return nil
}

// read splits src into groups and dispatches them in log order.
func (s *Scheduler) read(ctx context.Context, src EventSource, file string, queue chan<- *group) error {
	var (
		seq          uint64
		cur          *group
		batchStart   uint64
		prevCommitID uint64
		barrier      uint64
	)
	for {
		pos, h, ev, err := src.Next()
		if errors.Is(err, io.EOF) {
			if cur != nil {
				s.log.WithField("position", cur.events[0].start).Warn("Log ends inside a transaction group; it will be replayed from its start")
			}
			return s.order.wait(ctx, seq)
		}
		rec := event{h: h, ev: ev, start: uint64(pos), end: uint64(pos) + uint64(h.EventLength), file: file}
		if err != nil {
			if werr := s.order.wait(ctx, seq); werr != nil {
				return werr
			}
			return s.a.fail(ctx, s.a.rc, rec, err)
		}
		if cur == nil && s.a.beforeDurablePosition(&s.stream, rec) {
			s.a.metrics.eventSkipped("applied")
			continue
		}

		action, b := s.a.admit(&s.stream, rec)
		switch action {
		case admitAdmin:
			if err := s.order.wait(ctx, seq); err != nil {
				return err
			}
			if err := s.a.applyAdmin(ctx, rec, true); err != nil {
				return s.a.fail(ctx, s.a.rc, rec, err)
			}
			if rot, ok := ev.(*binlog.Rotate); ok {
				file = rot.NextLog
			}
		case admitSkip:
			if b.ends && cur == nil {
				if err := s.order.wait(ctx, seq); err != nil {
					return err
				}
				s.a.advance(rec.file, rec.end, true)
			}
		case admitApply:
			if b.starts || cur == nil {
				seq++
				cur = &group{seq: seq}
				g := s.stream.tracker.gtid
				switch s.mode {
				case Conservative:
					if g != nil && g.Flags&binlog.GTIDGroupCommitID != 0 && g.CommitID == prevCommitID && seq > 1 {
						cur.after = batchStart - 1
					} else {
						batchStart = seq
						cur.after = seq - 1
					}
					if g != nil {
						prevCommitID = g.CommitID
					} else {
						prevCommitID = 0
					}
				case Optimistic:
					cur.after = barrier
					if g == nil || g.Flags&binlog.GTIDTransactional == 0 || g.Flags&binlog.GTIDDDL != 0 {
						// DDL and non-transactional groups cannot be rolled back:
						// they run alone.
						cur.after = seq - 1
						barrier = seq
					}
				default:
					cur.after = seq - 1
				}
			}
			cur.events = append(cur.events, rec)
			if b.ends {
				select {
				case queue <- cur:
				case <-ctx.Done():
					return context.Cause(ctx)
				}
				cur = nil
			}
		}
	}
}

// runGroup applies g on rc, retrying it after temporary errors.
func (s *Scheduler) runGroup(ctx context.Context, rc *ReplayContext, g *group) error {
	defer s.a.collect(rc, rc.Counters)
	for attempt := 0; ; attempt++ {
		after := g.after
		if attempt > 0 {
			after = g.seq - 1
		}
		s.mu.Lock()
		if s.fence != 0 && s.fence < g.seq {
			after = max(after, s.fence)
		}
		s.mu.Unlock()
		if err := s.order.wait(ctx, after); err != nil {
			return err
		}

		gctx, cancel := context.WithCancelCause(ctx)
		s.mu.Lock()
		s.running[g.seq] = cancel
		s.mu.Unlock()

		rc.Speculative = s.order.last() < g.seq-1
		rc.beforeCommit = func(ctx context.Context) error {
			return s.order.wait(ctx, g.seq-1)
		}
		rec, err := s.applyGroup(gctx, rc, g)

		s.mu.Lock()
		delete(s.running, g.seq)
		s.mu.Unlock()
		cancel(nil)

		if err == nil {
			s.order.done(g.seq)
			s.mu.Lock()
			if s.fence == g.seq {
				s.fence = 0
			}
			s.mu.Unlock()
			return nil
		}

		ae := s.a.classify(rc, err)
		table := rc.table
		s.a.rollbackGroup(ctx, rc)
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}
		if ae.class != replerror.Temporary {
			// Earlier groups are independent of this failure.
			if werr := s.order.wait(ctx, g.seq-1); werr != nil {
				return werr
			}
			return s.a.halt(rec, table, ae)
		}
		delay, ok := s.a.cfg.Retry.Next(attempt + 1)
		if !ok {
			if werr := s.order.wait(ctx, g.seq-1); werr != nil {
				return werr
			}
			return s.a.halt(rec, table, &applyError{
				class: replerror.Fatal,
				err:   fmt.Errorf("transaction group failed after %d retries: %w", attempt, ae.err),
			})
		}

		// Later groups may hold locks this one needs: kill them and keep
		// new ones from starting until this group commits.
		s.killAfter(g.seq)
		rc.Counters.Retries++
		s.a.metrics.retried()
		rc.log.WithFields(logrus.Fields{
			"group":   g.seq,
			"attempt": attempt + 1,
			"delay":   delay,
		}).Debugf("Retrying transaction group after temporary error: %v", ae.err)
		if delay > 0 {
			t := time.NewTimer(delay)
			select {
			case <-t.C:
			case <-ctx.Done():
				t.Stop()
				return context.Cause(ctx)
			}
		}
	}
}

func (s *Scheduler) applyGroup(ctx context.Context, rc *ReplayContext, g *group) (event, error) {
	for _, rec := range g.events {
		if err := s.a.apply(ctx, rc, rec); err != nil {
			return rec, err
		}
		s.a.metrics.eventApplied(rec.ev.Type())
	}
	return g.events[len(g.events)-1], nil
}

// killAfter kills every running group later than seq.
func (s *Scheduler) killAfter(seq uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fence == 0 || seq < s.fence {
		s.fence = seq
	}
	for other, cancel := range s.running {
		if other > seq {
			cancel(replerror.ErrKilledForRetry.New())
		}
	}
}
