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
package replerror

import "time"

// Situation describes the worker an error was raised in.
type Situation struct {
	// Parallel is set when other workers may hold locks this group needs.
	Parallel bool
	// Speculative is set while the group runs before the groups it may
	// depend on have committed.
	Speculative bool
}

// Classifier maps errors to classes under the configured execution mode.
type Classifier struct {
	Mode    Mode
	Ignored map[uint16]struct{}
}

// NewClassifier returns a classifier ignoring the given error numbers.
func NewClassifier(mode Mode, ignored ...uint16) *Classifier {
	return &Classifier{Mode: mode, Ignored: codeSet(ignored...)}
}

func (c *Classifier) classifyCode(code uint16, sit Situation) Class {
	if _, ok := c.Ignored[code]; ok {
		return Ignorable
	}
	if _, ok := temporaryCodes[code]; ok && (sit.Parallel || sit.Speculative) {
		return Temporary
	}
	if _, ok := idempotentCodes[code]; ok && c.Mode == ModeIdempotent {
		return Idempotent
	}
	if sit.Speculative {
		// Under speculation a failure may be caused by a group that has
		// not committed yet; the group is retried non-speculatively.
		return Temporary
	}
	return Fatal
}

// Classify returns the class of err raised in sit. Decoding errors are always
// fatal.
func (c *Classifier) Classify(err error, sit Situation) Class {
	if err == nil {
		return None
	}
	if IsCodecError(err) {
		return Fatal
	}
	if Is(ErrSchemaMismatch, err) && !sit.Speculative {
		return Fatal
	}
	if Is(ErrKilledForRetry, err) {
		return c.classifyCode(CodeQueryKilled, sit)
	}
	code := Code(err)
	if code == 0 {
		if sit.Speculative {
			return Temporary
		}
		return Fatal
	}
	return c.classifyCode(code, sit)
}

// CheckStatement reconciles the error a statement produced on the replica
// with the error code the primary logged for it. It returns the class of the
// outcome and, unless the outcome is absorbed, the error to report.
func (c *Classifier) CheckStatement(text string, expected uint16, actual error, sit Situation) (Class, error) {
	code := Code(actual)
	if actual != nil && code == 0 {
		code = CodeUnknown
	}
	if Equivalent(expected, code) {
		return None, nil
	}
	if actual != nil {
		if IsTemporaryCode(code) || Is(ErrKilledForRetry, actual) {
			if class := c.Classify(actual, sit); class == Temporary {
				return class, actual
			}
		}
		if class := c.classifyCode(code, Situation{}); class.Absorbed() {
			return class, nil
		}
	}
	if expected != 0 {
		if class := c.classifyCode(expected, Situation{}); class.Absorbed() {
			return class, nil
		}
	}
	err := ErrUnexpectedExecutorError.New(text, expected, code)
	if actual != nil {
		err = ErrUnexpectedExecutorError.Wrap(actual, text, expected, code)
	}
	if sit.Speculative {
		return Temporary, err
	}
	return Fatal, err
}

// RetryPolicy bounds how often a group failing with a temporary error is
// replayed.
type RetryPolicy struct {
	Limit      int
	Backoff    time.Duration
	MaxBackoff time.Duration
}

// DefaultRetryPolicy matches slave_transaction_retries and
// slave_transaction_retry_interval defaults.
var DefaultRetryPolicy = RetryPolicy{Limit: 10, Backoff: 0, MaxBackoff: time.Second}

// Next returns the delay before retry number attempt (counting from 1), or
// false when the limit is exhausted.
func (p RetryPolicy) Next(attempt int) (time.Duration, bool) {
	if attempt < 1 || attempt > p.Limit {
		return 0, false
	}
	d := p.Backoff * time.Duration(attempt)
	if p.MaxBackoff > 0 && d > p.MaxBackoff {
		d = p.MaxBackoff
	}
	return d, true
}
