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
	"github.com/apecloud/binlogreplay/charset"
	"github.com/apecloud/binlogreplay/gtid"
	"github.com/apecloud/binlogreplay/handler"
	"github.com/apecloud/binlogreplay/replerror"
	"github.com/sirupsen/logrus"
)

// applyStatement executes a Query event under the session state it was
// logged with and reconciles the outcome with the error the primary logged.
func (a *Applier) applyStatement(ctx context.Context, rc *ReplayContext, h binlog.Header, s *binlog.Statement) error {
	// A Query event represents a statement executed on the source server that should be executed on the
	// replica. Used for all statements with statement-based replication, DDL statements with row-based replication
	// as well as COMMITs for non-transactional engines such as MyISAM.
	// For more details, see: https://mariadb.com/kb/en/query_event/
	text := s.Text
	if s.Status.Charset != nil {
		text = charset.DecodeCollation(uint64(s.Status.Charset.Client), text)
	}
	stmt := handler.Statement{
		Database: s.Database,
		Text:     text,
		Vars:     sessionVars(h, s, rc.takeVars()),
	}

	fields := logrus.Fields{
		"database":  s.Database,
		"query":     text,
		"errorCode": s.ErrorCode,
	}
	if s.Status.Flags2 != nil {
		fields["flags"] = fmt.Sprintf("0x%x", *s.Status.Flags2)
	}
	if s.Status.SQLMode != nil {
		fields["sql_mode"] = fmt.Sprintf("0x%x", *s.Status.SQLMode)
	}
	rc.log.WithFields(fields).Trace("Received binlog event: Query")

	g := rc.tracker.gtid
	switch {
	case s.StartAlter() || (g != nil && g.StartAlter()):
		return a.startAlter(ctx, rc, s, stmt)
	case s.CommitAlter() || (g != nil && g.CommitAlter()):
		return a.resolveAlter(ctx, rc, s, stmt, gtid.Commit)
	case s.RollbackAlter() || (g != nil && g.RollbackAlter()):
		return a.resolveAlter(ctx, rc, s, stmt, gtid.Rollback)
	}

	err := a.exec.Execute(ctx, rc.sess, stmt)
	return a.checkStatement(rc, s, err)
}

// checkStatement reconciles err with the error code the primary logged for
// s. Absorbed outcomes are logged, throttled, and dropped.
func (a *Applier) checkStatement(rc *ReplayContext, s *binlog.Statement, actual error) error {
	class, err := a.classifier.CheckStatement(s.Text, s.ErrorCode, actual, rc.situation())
	if err != nil {
		return &applyError{class: class, err: err}
	}
	if class != replerror.None {
		code := replerror.Code(actual)
		if actual == nil {
			code = s.ErrorCode
		}
		a.absorbed(rc, class, code, s.Text)
	}
	return nil
}

// absorbed records an error the classifier let replay continue past.
func (a *Applier) absorbed(rc *ReplayContext, class replerror.Class, code uint16, what string) {
	rc.Counters.Absorbed++
	a.metrics.errorClassified(class)
	a.throttled.Warn(code, logrus.Fields{
		"class": class.String(),
		"table": rc.table,
	}, "Ignoring error applying %s", what)
}

// alterKey identifies the start half of a split ALTER.
func alterKey(domain uint32, seq uint64) [2]uint64 {
	return [2]uint64{uint64(domain), seq}
}

// startAlterSeq returns the sequence number of the start-alter a commit or
// rollback resolves.
func startAlterSeq(rc *ReplayContext, s *binlog.Statement) uint64 {
	if s.Status.StartAlterSeq != nil {
		return *s.Status.StartAlterSeq
	}
	if g := rc.tracker.gtid; g != nil {
		return g.StartAlterSeq
	}
	return 0
}

// startAlter applies the start half of a split ALTER. Without a worker able
// to deliver the verdict the statement runs immediately.
func (a *Applier) startAlter(ctx context.Context, rc *ReplayContext, s *binlog.Statement, stmt handler.Statement) error {
	if rc.gtid == nil {
		err := a.exec.Execute(ctx, rc.sess, stmt)
		return a.checkStatement(rc, s, err)
	}
	domain, seq := rc.gtid.Domain, rc.gtid.Sequence
	log := rc.log.WithFields(logrus.Fields{"domain": domain, "sequence": seq})

	if !a.cfg.ParallelAlter {
		log.Debug("Executing start alter without waiting for its verdict")
		err := a.exec.Execute(ctx, rc.sess, stmt)
		if err := a.checkStatement(rc, s, err); err != nil {
			return err
		}
		a.coord.MarkAlterApplied(domain, seq)
		return nil
	}

	reg, err := a.coord.RegisterStartAlter(domain, seq)
	if err != nil {
		return err
	}
	sess, err := a.engine.NewSession(ctx)
	if err != nil {
		reg.Complete()
		return err
	}
	a.alters.Add(1)
	go a.waitAlter(reg, sess, s, stmt, log)
	return nil
}

// waitAlter runs the start half of a split ALTER once its verdict arrives.
func (a *Applier) waitAlter(reg *gtid.Registration, sess handler.Session, s *binlog.Statement, stmt handler.Statement, log *logrus.Entry) {
	defer a.alters.Done()
	defer sess.Close()
	defer reg.Complete()

	v, err := reg.Wait(a.alterCtx)
	if err != nil {
		log.Warnf("start alter released without a verdict: %v", err)
	}
	if v == gtid.Rollback {
		log.Info("Rolled back start alter")
		return
	}
	err = a.exec.Execute(a.alterCtx, sess, stmt)
	if _, err := a.classifier.CheckStatement(s.Text, s.ErrorCode, err, replerror.Situation{}); err != nil {
		log.Errorf("start alter failed after its commit: %v", err)
		a.mu.Lock()
		a.alterErrs[alterKey(reg.Domain, reg.Sequence)] = err
		a.mu.Unlock()
		return
	}
	log.Info("Committed start alter")
}

// resolveAlter applies a commit-alter or rollback-alter.
func (a *Applier) resolveAlter(ctx context.Context, rc *ReplayContext, s *binlog.Statement, stmt handler.Statement, v gtid.Verdict) error {
	var domain uint32
	if rc.gtid != nil {
		domain = rc.gtid.Domain
	}
	seq := startAlterSeq(rc, s)
	log := rc.log.WithFields(logrus.Fields{"domain": domain, "sequence": seq, "verdict": v.String()})

	res, err := a.coord.ResolveAlter(ctx, domain, seq, v)
	if err != nil {
		return replerror.ErrKilledForRetry.Wrap(err)
	}
	switch res {
	case gtid.Resolved:
		key := alterKey(domain, seq)
		a.mu.Lock()
		err := a.alterErrs[key]
		delete(a.alterErrs, key)
		a.mu.Unlock()
		if err != nil {
			return &applyError{class: replerror.Fatal, err: err}
		}
		log.Debug("Resolved start alter")
	case gtid.AlreadyApplied:
		if v == gtid.Rollback {
			log.Warn("Start alter was applied before its rollback arrived")
		}
	case gtid.NotRegistered:
		if v == gtid.Rollback {
			log.Debug("No start alter to roll back")
			return nil
		}
		// The start half is gone: run the statement, whatever it reports.
		if err := a.exec.Execute(ctx, rc.sess, stmt); err != nil {
			a.absorbed(rc, replerror.Ignorable, replerror.Code(err), s.Text)
		}
		log.Info("Executed commit alter without a registered start alter")
	}
	return nil
}
