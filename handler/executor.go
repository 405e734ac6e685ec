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
package handler

import (
	"context"
)

// UserVar is a user variable set before a statement runs.
type UserVar struct {
	Name string
	// Value is nil for NULL.
	Value any
}

// SessionVars is the session state a logged statement ran under.
// Nil pointers leave the executor's current value untouched.
type SessionVars struct {
	SQLMode              *uint64
	AutoIncrementInc     *uint16
	AutoIncrementOffset  *uint16
	CharsetClient        *uint16
	CollationConnection  *uint16
	CollationServer      *uint16
	TimeZone             *string
	ForeignKeyChecks     *bool
	UniqueChecks         *bool
	AutoIsNull           *bool
	InsertID             *uint64
	LastInsertID         *uint64
	RandSeed1, RandSeed2 *uint64
	Timestamp            *uint32
	UserVars             []UserVar
}

// Statement is a statement to run on the replica.
type Statement struct {
	Database string
	Text     string
	Vars     SessionVars
}

// Executor runs statements on behalf of a session. Errors that carry a MySQL
// error number must expose it through ErrorCode, *sqlerror.SQLError or
// *mysql.MySQLError.
type Executor interface {
	Execute(ctx context.Context, sess Session, stmt Statement) error
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, sess Session, stmt Statement) error

func (f ExecutorFunc) Execute(ctx context.Context, sess Session, stmt Statement) error {
	return f(ctx, sess, stmt)
}
