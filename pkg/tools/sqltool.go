package tools

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rvbbit/lars/pkg/llms"
)

// QueryRows runs a query and returns the rows as ordered maps, the shape
// for_each_row cells and sql validators consume.
func QueryRows(ctx context.Context, db *sql.DB, query string, args ...any) ([]map[string]any, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to read columns: %w", err)
	}

	var out []map[string]any
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		record := make(map[string]any, len(columns))
		for i, col := range columns {
			v := values[i]
			if b, ok := v.([]byte); ok {
				v = string(b)
			}
			record[col] = v
		}
		out = append(out, record)
	}
	return out, rows.Err()
}

// SQLTool executes a query (inline or from a .sql file) against the
// research database. Template placeholders are rendered by the executor
// before the tool runs; positional parameters come from the "params"
// input.
type SQLTool struct {
	name        string
	description string
	db          *sql.DB
	query       string
	queryFile   string
	timeout     time.Duration
}

func NewSQLTool(name, description string, db *sql.DB, query, queryFile string, timeout time.Duration) (*SQLTool, error) {
	if db == nil {
		return nil, fmt.Errorf("sql tool '%s' requires a database", name)
	}
	if query == "" && queryFile == "" {
		return nil, fmt.Errorf("sql tool '%s' requires a query or query_file", name)
	}
	if timeout == 0 {
		timeout = DefaultCodeTimeout
	}
	return &SQLTool{
		name:        name,
		description: description,
		db:          db,
		query:       query,
		queryFile:   queryFile,
		timeout:     timeout,
	}, nil
}

func (t *SQLTool) Name() string        { return t.name }
func (t *SQLTool) Description() string { return t.description }

type sqlToolArgs struct {
	Params []any `json:"params,omitempty" jsonschema:"description=Positional query parameters"`
}

func (t *SQLTool) Definition() llms.ToolDefinition {
	return llms.ToolDefinition{
		Name:        t.name,
		Description: t.description,
		Parameters:  SchemaFor[sqlToolArgs](),
	}
}

func (t *SQLTool) Execute(ctx context.Context, args map[string]any) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	query := t.query
	if query == "" {
		data, err := os.ReadFile(t.queryFile)
		if err != nil {
			return nil, fmt.Errorf("sql tool '%s': failed to read query file: %w", t.name, err)
		}
		query = string(data)
	}

	var params []any
	if raw, ok := args["params"].([]any); ok {
		params = raw
	}

	start := time.Now()
	if isWriteStatement(query) {
		res, err := t.db.ExecContext(ctx, query, params...)
		if err != nil {
			return nil, fmt.Errorf("sql tool '%s' failed: %w", t.name, err)
		}
		affected, _ := res.RowsAffected()
		out := map[string]any{"rows_affected": affected}
		return &Result{Output: out, Content: Stringify(out), Duration: time.Since(start)}, nil
	}

	records, err := QueryRows(ctx, t.db, query, params...)
	if err != nil {
		return nil, fmt.Errorf("sql tool '%s' failed: %w", t.name, err)
	}
	return &Result{
		Output:   records,
		Content:  Stringify(records),
		Duration: time.Since(start),
		Metadata: map[string]any{"row_count": len(records)},
	}, nil
}

func isWriteStatement(query string) bool {
	head := strings.ToUpper(strings.TrimSpace(query))
	for _, kw := range []string{"INSERT", "UPDATE", "DELETE", "CREATE", "DROP", "ALTER", "REPLACE"} {
		if strings.HasPrefix(head, kw) {
			return true
		}
	}
	return false
}

var _ Tool = (*SQLTool)(nil)
