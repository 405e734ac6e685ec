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
package backend

import (
	"strings"
)

// quoteIdentifier quotes a MySQL identifier with backticks.
func quoteIdentifier(identifier string) string {
	return "`" + strings.ReplaceAll(identifier, "`", "``") + "`"
}

func qualifiedName(database, table string) string {
	if database == "" {
		return quoteIdentifier(table)
	}
	return quoteIdentifier(database) + "." + quoteIdentifier(table)
}

func writeColumnList(builder *strings.Builder, names []string) {
	for i, name := range names {
		if i > 0 {
			builder.WriteString(", ")
		}
		builder.WriteString(quoteIdentifier(name))
	}
}

// writeMatch writes a null-safe equality on each of names. NULL in a before
// image must match a stored NULL, so plain = is not enough.
func writeMatch(builder *strings.Builder, names []string) {
	builder.WriteString(" WHERE ")
	for i, name := range names {
		if i > 0 {
			builder.WriteString(" AND ")
		}
		builder.WriteString(quoteIdentifier(name))
		builder.WriteString(" <=> ?")
	}
}

func buildInsertTemplate(tableName string, columns []string) (string, int) {
	var builder strings.Builder
	builder.Grow(32)
	builder.WriteString("INSERT INTO ")
	builder.WriteString(tableName)
	builder.WriteString(" (")
	writeColumnList(&builder, columns)
	builder.WriteString(") VALUES (")
	for i := range columns {
		builder.WriteString("?")
		if i < len(columns)-1 {
			builder.WriteString(", ")
		}
	}
	builder.WriteString(")")
	return builder.String(), len(columns)
}

func buildDeleteTemplate(tableName string, match []string) (string, int) {
	var builder strings.Builder
	builder.Grow(32)
	builder.WriteString("DELETE FROM ")
	builder.WriteString(tableName)
	writeMatch(&builder, match)
	builder.WriteString(" LIMIT 1")
	return builder.String(), len(match)
}

func buildUpdateTemplate(tableName string, columns, match []string) (string, int) {
	var builder strings.Builder
	builder.Grow(32)
	builder.WriteString("UPDATE ")
	builder.WriteString(tableName)
	builder.WriteString(" SET ")
	for i, name := range columns {
		if i > 0 {
			builder.WriteString(", ")
		}
		builder.WriteString(quoteIdentifier(name))
		builder.WriteString(" = ?")
	}
	writeMatch(&builder, match)
	builder.WriteString(" LIMIT 1")
	return builder.String(), len(columns) + len(match)
}
