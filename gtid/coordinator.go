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
package gtid

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// Verdict is the primary's decision on a split ALTER.
type Verdict uint8

const (
	Commit Verdict = iota
	Rollback
)

func (v Verdict) String() string {
	if v == Rollback {
		return "ROLLBACK"
	}
	return "COMMIT"
}

// State is the state of a start-alter registration. States only move forward:
// Registered, then Committing or RollingBack, then Completed.
type State uint8

const (
	Registered State = iota
	Committing
	RollingBack
	Completed
)

func (s State) String() string {
	switch s {
	case Registered:
		return "REGISTERED"
	case Committing:
		return "COMMIT"
	case RollingBack:
		return "ROLLBACK"
	case Completed:
		return "COMPLETED"
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}

func (s State) rank() int {
	switch s {
	case Registered:
		return 0
	case Committing, RollingBack:
		return 1
	}
	return 2
}

// Resolution says how a commit-alter or rollback-alter was reconciled.
type Resolution uint8

const (
	// Resolved: the registered worker applied the verdict and completed.
	Resolved Resolution = iota
	// AlreadyApplied: the start half was executed without waiting.
	AlreadyApplied
	// NotRegistered: no worker holds the start half; the caller re-executes
	// the statement, treating failure as success.
	NotRegistered
)

type alterKey struct {
	domain uint32
	seq    uint64
}

// Coordinator is shared by every replay worker of a session. It orders
// recorded GTIDs per domain and holds the start-alter registrations.
type Coordinator struct {
	mu      sync.Mutex
	last    Position
	alters  map[alterKey]*Registration
	applied map[alterKey]struct{}
	log     *logrus.Entry
}

// NewCoordinator returns a coordinator starting from start.
func NewCoordinator(start Position) *Coordinator {
	if start == nil {
		start = make(Position)
	}
	return &Coordinator{
		last:    start.Clone(),
		alters:  make(map[alterKey]*Registration),
		applied: make(map[alterKey]struct{}),
		log:     logrus.WithField("component", "gtid-coordinator"),
	}
}

// IsDuplicate reports whether g was already recorded.
func (c *Coordinator) IsDuplicate(g GTID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last.Contains(g)
}

// Record marks g as committed. Sequence numbers must strictly increase
// within a domain.
func (c *Coordinator) Record(g GTID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if last, ok := c.last[g.Domain]; ok && g.Sequence <= last.Sequence {
		return ErrOutOfOrder.New(g, last, g.Domain)
	}
	c.last[g.Domain] = g
	return nil
}

// Position returns a snapshot of the last recorded GTID per domain.
func (c *Coordinator) Position() Position {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last.Clone()
}

// Restore replaces the recorded position, e.g. after loading it from disk.
func (c *Coordinator) Restore(p Position) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.last = p.Clone()
}

// Registration is the start half of a split ALTER waiting for its verdict.
type Registration struct {
	Domain   uint32
	Sequence uint64

	c       *Coordinator
	state   State
	verdict chan Verdict
	done    chan struct{}
}

// RegisterStartAlter registers the start half of the ALTER logged as
// domain-seq.
func (c *Coordinator) RegisterStartAlter(domain uint32, seq uint64) (*Registration, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := alterKey{domain, seq}
	if _, ok := c.alters[key]; ok {
		return nil, ErrAlreadyRegistered.New(domain, seq)
	}
	r := &Registration{
		Domain:   domain,
		Sequence: seq,
		c:        c,
		state:    Registered,
		verdict:  make(chan Verdict, 1),
		done:     make(chan struct{}),
	}
	c.alters[key] = r
	c.log.WithFields(logrus.Fields{"domain": domain, "sequence": seq}).Debug("Registered start alter")
	return r, nil
}

// MarkAlterApplied records that the start half of domain-seq was executed
// without waiting for its verdict.
func (c *Coordinator) MarkAlterApplied(domain uint32, seq uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.applied[alterKey{domain, seq}] = struct{}{}
}

// advance moves r to s if that is a forward move. Callers hold c.mu.
func (r *Registration) advance(s State) bool {
	if s.rank() <= r.state.rank() {
		return false
	}
	r.state = s
	return true
}

// State returns the registration's current state.
func (r *Registration) State() State {
	r.c.mu.Lock()
	defer r.c.mu.Unlock()
	return r.state
}

// Wait blocks until the verdict arrives. If ctx ends first the registration
// is forced to ROLLBACK and the context's cause is returned with it.
func (r *Registration) Wait(ctx context.Context) (Verdict, error) {
	select {
	case v := <-r.verdict:
		return v, nil
	case <-ctx.Done():
	}
	r.c.mu.Lock()
	defer r.c.mu.Unlock()
	if r.advance(RollingBack) {
		return Rollback, context.Cause(ctx)
	}
	// A verdict raced with the cancellation.
	select {
	case v := <-r.verdict:
		return v, nil
	default:
		return Rollback, context.Cause(ctx)
	}
}

// Complete marks the registration done and releases the worker waiting in
// ResolveAlter.
func (r *Registration) Complete() {
	c := r.c
	c.mu.Lock()
	defer c.mu.Unlock()
	if !r.advance(Completed) {
		return
	}
	delete(c.alters, alterKey{r.Domain, r.Sequence})
	close(r.done)
	c.log.WithFields(logrus.Fields{"domain": r.Domain, "sequence": r.Sequence}).Debug("Completed start alter")
}

// Done is closed once the registration is completed.
func (r *Registration) Done() <-chan struct{} { return r.done }

// ResolveAlter delivers the verdict of a commit-alter or rollback-alter for
// the start half logged as domain-seq and waits for that worker to finish.
func (c *Coordinator) ResolveAlter(ctx context.Context, domain uint32, seq uint64, v Verdict) (Resolution, error) {
	key := alterKey{domain, seq}
	c.mu.Lock()
	if _, ok := c.applied[key]; ok {
		delete(c.applied, key)
		c.mu.Unlock()
		return AlreadyApplied, nil
	}
	r, ok := c.alters[key]
	next := Committing
	if v == Rollback {
		next = RollingBack
	}
	if !ok || !r.advance(next) {
		c.mu.Unlock()
		return NotRegistered, nil
	}
	r.verdict <- v
	c.mu.Unlock()

	select {
	case <-r.done:
		return Resolved, nil
	case <-ctx.Done():
		return NotRegistered, context.Cause(ctx)
	}
}

// AbortAll forces every registration still waiting for its verdict to
// ROLLBACK. It is called when the stream from the primary breaks and the
// verdicts can no longer be observed. It returns the number of aborted
// registrations.
func (c *Coordinator) AbortAll() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, r := range c.alters {
		if r.advance(RollingBack) {
			r.verdict <- Rollback
			n++
		}
	}
	if n > 0 {
		c.log.WithField("count", n).Warn("Rolled back pending start alters after losing the primary")
	}
	return n
}

// Pending returns the number of registrations not yet completed.
func (c *Coordinator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.alters)
}
