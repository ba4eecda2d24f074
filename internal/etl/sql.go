package etl

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/BartekS5/totesys-etl/pkg/database"
	"github.com/BartekS5/totesys-etl/pkg/models"
	"github.com/BartekS5/totesys-etl/pkg/utils"
)

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// SQLSource reads source tables through database/sql. Driver selects the
// placeholder and identifier quoting style.
type SQLSource struct {
	DB           *sql.DB
	Driver       string
	QueryTimeout time.Duration
}

func (s *SQLSource) QueryChanged(ctx context.Context, table models.SourceTable, after *time.Time, upTo time.Time) ([]string, [][]string, error) {
	query, args, err := s.buildQuery(table, after, upTo)
	if err != nil {
		return nil, nil, err
	}
	if s.QueryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.QueryTimeout)
		defer cancel()
	}

	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, nil, fmt.Errorf("query %s: %w", table.Name, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, nil, err
	}

	var out [][]string
	for rows.Next() {
		columns := make([]interface{}, len(cols))
		columnPointers := make([]interface{}, len(cols))
		for i := range columns {
			columnPointers[i] = &columns[i]
		}
		if err := rows.Scan(columnPointers...); err != nil {
			return nil, nil, fmt.Errorf("scan %s: %w", table.Name, err)
		}
		record := make([]string, len(cols))
		for i, val := range columns {
			record[i] = utils.FormatValue(val)
		}
		out = append(out, record)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("read %s: %w", table.Name, err)
	}
	return cols, out, nil
}

func (s *SQLSource) buildQuery(table models.SourceTable, after *time.Time, upTo time.Time) (string, []interface{}, error) {
	if !identPattern.MatchString(table.Name) {
		return "", nil, Configurationf("invalid table name %q", table.Name)
	}
	name := s.quote(table.Name)
	if !table.Incremental {
		return "SELECT * FROM " + name, nil, nil
	}

	tsCol := table.TimestampColumn
	if tsCol == "" {
		tsCol = "last_updated"
	}
	if !identPattern.MatchString(tsCol) {
		return "", nil, Configurationf("invalid timestamp column %q for %s", tsCol, table.Name)
	}
	col := s.quote(tsCol)

	var where []string
	var args []interface{}
	if after != nil {
		args = append(args, after.UTC())
		where = append(where, fmt.Sprintf("%s > %s", col, s.placeholder(len(args))))
	}
	args = append(args, upTo.UTC())
	where = append(where, fmt.Sprintf("%s <= %s", col, s.placeholder(len(args))))

	query := fmt.Sprintf("SELECT * FROM %s WHERE %s ORDER BY %s", name, strings.Join(where, " AND "), col)
	return query, args, nil
}

func (s *SQLSource) quote(ident string) string {
	if s.Driver == database.DriverSQLServer {
		return "[" + ident + "]"
	}
	return pgx.Identifier{ident}.Sanitize()
}

func (s *SQLSource) placeholder(n int) string {
	if s.Driver == database.DriverSQLServer {
		return fmt.Sprintf("@p%d", n)
	}
	return fmt.Sprintf("$%d", n)
}
