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
	"fmt"
	"path"
	"strings"

	"github.com/sirupsen/logrus"
)

// tablePattern matches a database and table name; either part may use
// shell wildcards.
type tablePattern struct {
	database string
	table    string
}

// filterConfiguration holds the replica's table filters. Row events for
// filtered tables are dropped; statements are never filtered.
type filterConfiguration struct {
	ignoreTables []tablePattern
}

// newFilterConfiguration parses "db.table" ignore patterns.
func newFilterConfiguration(ignoreTables []string) (*filterConfiguration, error) {
	f := &filterConfiguration{}
	for _, s := range ignoreTables {
		db, table, ok := strings.Cut(s, ".")
		if !ok || db == "" || table == "" {
			return nil, fmt.Errorf("invalid ignore_tables entry %q: want db.table", s)
		}
		if _, err := path.Match(db, ""); err != nil {
			return nil, fmt.Errorf("invalid ignore_tables entry %q: %w", s, err)
		}
		if _, err := path.Match(table, ""); err != nil {
			return nil, fmt.Errorf("invalid ignore_tables entry %q: %w", s, err)
		}
		f.ignoreTables = append(f.ignoreTables, tablePattern{
			database: strings.ToLower(db),
			table:    strings.ToLower(table),
		})
	}
	return f, nil
}

// isTableFilteredOut returns true if the table identified by database and
// table has been filtered out on this replica.
func (f *filterConfiguration) isTableFilteredOut(database, table string) bool {
	if f == nil {
		return false
	}
	db, name := strings.ToLower(database), strings.ToLower(table)
	for _, p := range f.ignoreTables {
		dbOK, _ := path.Match(p.database, db)
		tableOK, _ := path.Match(p.table, name)
		if dbOK && tableOK {
			logrus.WithFields(logrus.Fields{
				"database": database,
				"table":    table,
			}).Trace("skipping table update event because of filtering configuration")
			return true
		}
	}
	return false
}
