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
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultLogThrottle is the minimum interval between two log lines for the
// same absorbed error number.
const DefaultLogThrottle = time.Minute

// throttledLogger logs absorbed errors without spamming the log: at most one
// line per error number per interval. Suppressed lines are counted and the
// count is reported with the next line that gets through.
type throttledLogger struct {
	log         *logrus.Entry
	maxInterval time.Duration
	now         func() time.Time

	mu      sync.Mutex
	last    map[uint16]time.Time
	skipped map[uint16]int
}

func newThrottledLogger(log *logrus.Entry, maxInterval time.Duration) *throttledLogger {
	if maxInterval <= 0 {
		maxInterval = DefaultLogThrottle
	}
	return &throttledLogger{
		log:         log,
		maxInterval: maxInterval,
		now:         time.Now,
		last:        make(map[uint16]time.Time),
		skipped:     make(map[uint16]int),
	}
}

// Warn logs err under code unless a line for code was logged less than
// maxInterval ago. It reports whether the line was written.
func (tl *throttledLogger) Warn(code uint16, fields logrus.Fields, format string, args ...any) bool {
	now := tl.now()

	tl.mu.Lock()
	defer tl.mu.Unlock()
	if last, ok := tl.last[code]; ok && now.Sub(last) < tl.maxInterval {
		tl.skipped[code]++
		return false
	}
	tl.last[code] = now
	entry := tl.log.WithFields(fields).WithField("errno", code)
	if n := tl.skipped[code]; n > 0 {
		entry = entry.WithField("suppressed", n)
		delete(tl.skipped, code)
	}
	entry.Warnf(format, args...)
	return true
}
