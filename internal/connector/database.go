package connector

import (
	"bufio"
	"context"
	"database/sql"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"extracthub/internal/model"

	_ "github.com/lib/pq"
	_ "github.com/microsoft/go-mssqldb"
)

func driverFor(kind model.DatabaseKind) (string, error) {
	switch kind {
	case model.DBPostgres:
		return "postgres", nil
	case model.DBSQLServer:
		return "sqlserver", nil
	}
	return "", fmt.Errorf("unsupported database kind %q", kind)
}

func (p *Pool) openDB(ctx context.Context, connID int64) (*sql.DB, *model.ConnectionDatabase, error) {
	conn, err := p.store.DatabaseConn(ctx, connID)
	if err != nil {
		return nil, nil, fmt.Errorf("database connection %d: %w", connID, err)
	}

	driver, err := driverFor(conn.Kind)
	if err != nil {
		return nil, nil, fmt.Errorf("database connection %d: %w", connID, err)
	}

	dsn, err := p.decrypt(conn.ConnectionString)
	if err != nil {
		return nil, nil, fmt.Errorf("database connection %d dsn: %w", connID, err)
	}

	var db *sql.DB
	err = p.dial(ctx, driver+" connection "+strconv.FormatInt(connID, 10), func() error {
		handle, err := sql.Open(driver, dsn)
		if err != nil {
			return err
		}
		if err := handle.PingContext(ctx); err != nil {
			handle.Close()
			return err
		}
		db = handle
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return db, conn, nil
}

// QueryToFile streams the query's result set into a delimited file and
// returns the number of data rows written. Results never buffer in memory.
func (p *Pool) QueryToFile(ctx context.Context, connID int64, query, outPath, delimiter string, quote bool) (int64, error) {
	db, _, err := p.openDB(ctx, connID)
	if err != nil {
		return 0, err
	}
	defer db.Close()

	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return 0, err
	}

	out, err := os.Create(outPath)
	if err != nil {
		return 0, err
	}
	defer out.Close()

	w := bufio.NewWriter(out)
	if delimiter == "" {
		delimiter = ","
	}

	writeRecord(w, columns, delimiter, quote)

	values := make([]any, len(columns))
	ptrs := make([]any, len(columns))
	for i := range values {
		ptrs[i] = &values[i]
	}

	var count int64
	fields := make([]string, len(columns))
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return count, err
		}
		for i, v := range values {
			fields[i] = formatValue(v)
		}
		writeRecord(w, fields, delimiter, quote)
		count++
	}
	if err := rows.Err(); err != nil {
		return count, err
	}

	return count, w.Flush()
}

// IsMSSQL reports whether the connection needs SQL Server dialect handling.
func (p *Pool) IsMSSQL(ctx context.Context, connID int64) (bool, error) {
	conn, err := p.store.DatabaseConn(ctx, connID)
	if err != nil {
		return false, fmt.Errorf("database connection %d: %w", connID, err)
	}
	return conn.Kind == model.DBSQLServer, nil
}

// DatabaseStatus verifies the connection answers a ping.
func (p *Pool) DatabaseStatus(ctx context.Context, connID int64) error {
	db, _, err := p.openDB(ctx, connID)
	if err != nil {
		return err
	}
	defer db.Close()
	return db.PingContext(ctx)
}

func writeRecord(w *bufio.Writer, fields []string, delimiter string, quote bool) {
	for i, f := range fields {
		if i > 0 {
			w.WriteString(delimiter)
		}
		if quote {
			w.WriteByte('"')
			w.WriteString(strings.ReplaceAll(f, `"`, `""`))
			w.WriteByte('"')
		} else {
			w.WriteString(f)
		}
	}
	w.WriteByte('\n')
}

func formatValue(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case []byte:
		return string(val)
	case string:
		return val
	case time.Time:
		return val.Format("2006-01-02 15:04:05")
	case int64:
		return strconv.FormatInt(val, 10)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	default:
		return fmt.Sprint(val)
	}
}
