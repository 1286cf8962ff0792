// Copyright 2025 Tom Barlow
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

package executor

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/opsconductor/opsconductor/pkg/errors"
)

// databaseRowLimit caps query results persisted in step output.
const databaseRowLimit = 1000

// Database runs a query or statement against an external Postgres. The
// connection is opened per step and closed when it finishes; job-driven
// database access is rare enough that pooling would only hold idle
// connections hostage.
type Database struct{}

// Execute implements Executor.
func (Database) Execute(ctx context.Context, sc StepContext) (*Result, error) {
	connString := payloadString(sc.Step, "connection_string")
	if connString == "" {
		return nil, &errors.ValidationError{Field: "connection_string", Message: "connection_string is required"}
	}
	query := payloadString(sc.Step, "query")
	if query == "" {
		return nil, &errors.ValidationError{Field: "query", Message: "query is required"}
	}

	db, err := sql.Open("pgx", connString)
	if err != nil {
		return nil, &errors.ValidationError{Field: "connection_string", Message: err.Error()}
	}
	defer db.Close()
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		return nil, &errors.TransientError{Operation: "database connect", Cause: err}
	}

	started := time.Now()
	if payloadString(sc.Step, "operation") == "execute" {
		res, err := db.ExecContext(ctx, query)
		if err != nil {
			return failed(1, "", fmt.Sprintf("statement failed: %v", err)), nil
		}
		affected, _ := res.RowsAffected()
		result := succeeded(fmt.Sprintf("%d rows affected", affected))
		result.Metrics["rows_affected"] = affected
		result.Metrics["duration_ms"] = time.Since(started).Milliseconds()
		return result, nil
	}

	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return failed(1, "", fmt.Sprintf("query failed: %v", err)), nil
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("reading columns: %w", err)
	}

	var records []map[string]any
	truncated := false
	for rows.Next() {
		if len(records) >= databaseRowLimit {
			truncated = true
			break
		}
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		record := make(map[string]any, len(columns))
		for i, col := range columns {
			if b, ok := values[i].([]byte); ok {
				record[col] = string(b)
			} else {
				record[col] = values[i]
			}
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, &errors.TransientError{Operation: "database query", Cause: err}
	}

	encoded, err := json.Marshal(records)
	if err != nil {
		return nil, fmt.Errorf("encoding rows: %w", err)
	}

	result := succeeded(string(encoded))
	result.Metrics["rows"] = len(records)
	result.Metrics["truncated"] = truncated
	result.Metrics["duration_ms"] = time.Since(started).Milliseconds()
	return result, nil
}
