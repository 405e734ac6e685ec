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

// Package gtid tracks MariaDB global transaction ids per replication domain
// and coordinates the two halves of split ALTER statements.
package gtid

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/src-d/go-errors.v1"
)

var (
	ErrInvalidGTID = errors.NewKind("gtid: invalid GTID %q")
	// ErrOutOfOrder is raised when a recorded sequence number does not
	// increase within its domain.
	ErrOutOfOrder = errors.NewKind("gtid: %s does not follow %s in domain %d")
	// ErrAlreadyRegistered is raised for a second start-alter registration
	// of the same GTID.
	ErrAlreadyRegistered = errors.NewKind("gtid: start alter %d-%d is already registered")
)

// GTID is a global transaction id.
type GTID struct {
	Domain   uint32
	Server   uint32
	Sequence uint64
}

// String returns the d-s-n form.
func (g GTID) String() string {
	return fmt.Sprintf("%d-%d-%d", g.Domain, g.Server, g.Sequence)
}

// Parse parses the d-s-n form.
func Parse(s string) (GTID, error) {
	parts := strings.Split(strings.TrimSpace(s), "-")
	if len(parts) != 3 {
		return GTID{}, ErrInvalidGTID.New(s)
	}
	domain, err := strconv.ParseUint(parts[0], 10, 32)
	if err != nil {
		return GTID{}, ErrInvalidGTID.Wrap(err, s)
	}
	server, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return GTID{}, ErrInvalidGTID.Wrap(err, s)
	}
	seq, err := strconv.ParseUint(parts[2], 10, 64)
	if err != nil {
		return GTID{}, ErrInvalidGTID.Wrap(err, s)
	}
	return GTID{Domain: uint32(domain), Server: uint32(server), Sequence: seq}, nil
}

// Position holds the last GTID of each domain, as in gtid_slave_pos.
type Position map[uint32]GTID

// ParsePosition parses a comma-separated list of GTIDs with at most one per domain.
func ParsePosition(s string) (Position, error) {
	pos := make(Position)
	if strings.TrimSpace(s) == "" {
		return pos, nil
	}
	for _, part := range strings.Split(s, ",") {
		g, err := Parse(part)
		if err != nil {
			return nil, err
		}
		if _, dup := pos[g.Domain]; dup {
			return nil, ErrInvalidGTID.New(s)
		}
		pos[g.Domain] = g
	}
	return pos, nil
}

// String formats the position with domains in ascending order.
func (p Position) String() string {
	domains := make([]uint32, 0, len(p))
	for d := range p {
		domains = append(domains, d)
	}
	sort.Slice(domains, func(i, j int) bool { return domains[i] < domains[j] })
	parts := make([]string, len(domains))
	for i, d := range domains {
		parts[i] = p[d].String()
	}
	return strings.Join(parts, ",")
}

// Clone returns a copy of p.
func (p Position) Clone() Position {
	c := make(Position, len(p))
	for d, g := range p {
		c[d] = g
	}
	return c
}

// Contains reports whether g is at or before the position of its domain.
func (p Position) Contains(g GTID) bool {
	last, ok := p[g.Domain]
	return ok && g.Sequence <= last.Sequence
}
