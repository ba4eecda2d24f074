// Package warehouse publishes transformed runs into a Postgres star schema.
package warehouse

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/BartekS5/totesys-etl/internal/etl"
	"github.com/BartekS5/totesys-etl/pkg/logger"
	"github.com/BartekS5/totesys-etl/pkg/models"
)

// DB is the part of *pgxpool.Pool the publisher needs.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type table struct {
	name  string
	model reflect.Type
	key   string
	// facts are immutable once written; dimensions take the latest attributes.
	update bool
}

var tables = []table{
	{name: "dim_currency", model: reflect.TypeOf(models.DimCurrency{}), key: "currency_key", update: true},
	{name: "dim_location", model: reflect.TypeOf(models.DimLocation{}), key: "location_key", update: true},
	{name: "dim_design", model: reflect.TypeOf(models.DimDesign{}), key: "design_key", update: true},
	{name: "dim_staff", model: reflect.TypeOf(models.DimStaff{}), key: "staff_key", update: true},
	{name: "dim_counterparty", model: reflect.TypeOf(models.DimCounterparty{}), key: "counterparty_key", update: true},
	{name: "dim_date", model: reflect.TypeOf(models.DimDate{}), key: "date_key", update: true},
	{name: "fact_sales_order", model: reflect.TypeOf(models.FactSalesOrder{}), key: "sales_record_id"},
}

func rowsOf(t *etl.Tables, name string) any {
	switch name {
	case "dim_currency":
		return t.Currency
	case "dim_location":
		return t.Location
	case "dim_design":
		return t.Design
	case "dim_staff":
		return t.Staff
	case "dim_counterparty":
		return t.Counterparty
	case "dim_date":
		return t.Date
	case "fact_sales_order":
		return t.Facts
	}
	return nil
}

// columns returns the parquet column names of a row struct in field order.
func columns(model reflect.Type) []string {
	cols := make([]string, 0, model.NumField())
	for i := 0; i < model.NumField(); i++ {
		name, _, _ := strings.Cut(model.Field(i).Tag.Get("parquet"), ",")
		if name == "" || name == "-" {
			continue
		}
		cols = append(cols, name)
	}
	return cols
}

func sqlType(k reflect.Kind) string {
	switch k {
	case reflect.Int64:
		return "BIGINT"
	case reflect.Int32:
		return "INTEGER"
	case reflect.Float64:
		return "NUMERIC(12,2)"
	}
	return "TEXT"
}

func qualified(schema, name string) string {
	return pgx.Identifier{schema, name}.Sanitize()
}

func createSQL(schema string, t table) string {
	var defs []string
	for i := 0; i < t.model.NumField(); i++ {
		f := t.model.Field(i)
		name, _, _ := strings.Cut(f.Tag.Get("parquet"), ",")
		if name == "" || name == "-" {
			continue
		}
		def := name + " " + sqlType(f.Type.Kind())
		if name == t.key {
			def += " PRIMARY KEY"
		} else {
			def += " NOT NULL"
		}
		defs = append(defs, def)
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", qualified(schema, t.name), strings.Join(defs, ", "))
}

func upsertSQL(schema string, t table) string {
	cols := columns(t.model)
	params := make([]string, len(cols))
	for i := range cols {
		params[i] = fmt.Sprintf("$%d", i+1)
	}
	q := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) ",
		qualified(schema, t.name), strings.Join(cols, ", "), strings.Join(params, ", "), t.key)
	if !t.update {
		return q + "DO NOTHING"
	}
	var sets []string
	for _, c := range cols {
		if c != t.key {
			sets = append(sets, c+" = EXCLUDED."+c)
		}
	}
	return q + "DO UPDATE SET " + strings.Join(sets, ", ")
}

func rowValues(v reflect.Value) []any {
	out := make([]any, 0, v.NumField())
	for i := 0; i < v.NumField(); i++ {
		name, _, _ := strings.Cut(v.Type().Field(i).Tag.Get("parquet"), ",")
		if name == "" || name == "-" {
			continue
		}
		out = append(out, v.Field(i).Interface())
	}
	return out
}

// Publisher upserts a run's star schema in one transaction. Dimensions are
// keyed by surrogate key, facts by sales_record_id, so publishing the same
// run twice leaves the warehouse unchanged.
type Publisher struct {
	db     DB
	schema string
}

func NewPublisher(db DB, schema string) *Publisher {
	if schema == "" {
		schema = "public"
	}
	return &Publisher{db: db, schema: schema}
}

func (p *Publisher) Name() string { return "warehouse" }

// EnsureSchema creates the star schema tables when they are missing.
func (p *Publisher) EnsureSchema(ctx context.Context) error {
	if _, err := p.db.Exec(ctx, "CREATE SCHEMA IF NOT EXISTS "+pgx.Identifier{p.schema}.Sanitize()); err != nil {
		return fmt.Errorf("create schema %s: %w", p.schema, err)
	}
	for _, t := range tables {
		if _, err := p.db.Exec(ctx, createSQL(p.schema, t)); err != nil {
			return fmt.Errorf("create table %s: %w", t.name, err)
		}
	}
	return nil
}

func (p *Publisher) Publish(ctx context.Context, runID string, t *etl.Tables) error {
	started := time.Now()
	batch := &pgx.Batch{}
	counts := make(map[string]int, len(tables))
	for _, tbl := range tables {
		q := upsertSQL(p.schema, tbl)
		rows := reflect.ValueOf(rowsOf(t, tbl.name))
		for i := 0; i < rows.Len(); i++ {
			batch.Queue(q, rowValues(rows.Index(i))...)
		}
		counts[tbl.name] = rows.Len()
	}

	err := pgx.BeginFunc(ctx, p.db, func(tx pgx.Tx) error {
		if batch.Len() == 0 {
			return nil
		}
		br := tx.SendBatch(ctx, batch)
		for i := 0; i < batch.Len(); i++ {
			if _, err := br.Exec(); err != nil {
				br.Close()
				return fmt.Errorf("statement %d of %d: %w", i+1, batch.Len(), err)
			}
		}
		return br.Close()
	})
	if err != nil {
		return fmt.Errorf("publish run %s: %w", runID, err)
	}

	logger.L().Info("run published to warehouse",
		zap.String("run_id", runID),
		zap.Int("facts", counts["fact_sales_order"]),
		zap.Int("statements", batch.Len()),
		zap.Duration("took", time.Since(started)))
	return nil
}

// Connect opens and pings a pool for dsn.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse warehouse dsn: %w", err)
	}
	cfg.MaxConns = 4
	cfg.MaxConnIdleTime = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create warehouse pool: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping warehouse: %w", err)
	}
	return pool, nil
}
