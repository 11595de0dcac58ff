// Package postgres stores logical count stores in PostgreSQL. Every logical
// store is a registry row in count_stores plus its records in count_records.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/stocktake/internal/countstore"
	"github.com/odyssey-erp/stocktake/internal/platform/db"
)

//go:embed schema.sql
var schemaSQL string

const (
	recordsTable = "count_records"
	// insertChunk keeps multi-row inserts under the bind parameter limit.
	insertChunk = 500
)

var recordColumns = []string{
	"product_code",
	"product_name",
	"spec",
	"count_unit",
	"purchase_unit",
	"vendor",
	"class_group",
	"disabled",
	"expiry_date",
	"opening_count",
	"closing_count",
	"purchases",
	"transfer_in",
	"transfer_out",
	"computed_usage",
	"count_date",
	"purchase_data_loaded",
	"count_completed",
	"last_updated_at",
	"last_updated_field",
	"schema_version",
}

// Accessor implements countstore.Accessor on a pgx pool.
type Accessor struct {
	pool    *pgxpool.Pool
	builder squirrel.StatementBuilderType
}

// New constructs Accessor.
func New(pool *pgxpool.Pool) *Accessor {
	return &Accessor{
		pool:    pool,
		builder: squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar),
	}
}

// Migrate creates the tables when they do not exist yet.
func (a *Accessor) Migrate(ctx context.Context) error {
	if _, err := a.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("countstore/postgres: migrate: %w", err)
	}
	return nil
}

// Store implements countstore.Accessor.
func (a *Accessor) Store(key countstore.Key, kind countstore.Kind) countstore.Store {
	return &store{Accessor: a, name: key.Name(kind)}
}

type store struct {
	*Accessor
	name string
}

func (s *store) Name() string {
	return s.name
}

func (s *store) Exists(ctx context.Context) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM count_stores WHERE name = $1)`, s.name).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("countstore/postgres: exists %s: %w", s.name, err)
	}
	return exists, nil
}

func (s *store) Count(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT count(*) FROM count_records WHERE store_name = $1`, s.name).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("countstore/postgres: count %s: %w", s.name, err)
	}
	return n, nil
}

func (s *store) FindAll(ctx context.Context) ([]countstore.Record, error) {
	sql, args, err := s.builder.
		Select(recordColumns...).
		From(recordsTable).
		Where(squirrel.Eq{"store_name": s.name}).
		OrderBy("product_code").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("countstore/postgres: build select: %w", err)
	}
	var rows []countstore.Record
	if err := pgxscan.Select(ctx, s.pool, &rows, sql, args...); err != nil {
		return nil, fmt.Errorf("countstore/postgres: find all %s: %w", s.name, err)
	}
	return rows, nil
}

func (s *store) FindByCode(ctx context.Context, code string) (countstore.Record, error) {
	sql, args, err := s.builder.
		Select(recordColumns...).
		From(recordsTable).
		Where(squirrel.Eq{"store_name": s.name, "product_code": code}).
		ToSql()
	if err != nil {
		return countstore.Record{}, fmt.Errorf("countstore/postgres: build select: %w", err)
	}
	var rec countstore.Record
	if err := pgxscan.Get(ctx, s.pool, &rec, sql, args...); err != nil {
		if pgxscan.NotFound(err) {
			return countstore.Record{}, fmt.Errorf("%s/%s: %w", s.name, code, countstore.ErrNotFound)
		}
		return countstore.Record{}, fmt.Errorf("countstore/postgres: find %s/%s: %w", s.name, code, err)
	}
	return rec, nil
}

func (s *store) InsertMany(ctx context.Context, records []countstore.Record) error {
	return db.WithStoreTx(ctx, s.pool, s.name, func(tx pgx.Tx) error {
		if err := s.ensure(ctx, tx); err != nil {
			return err
		}
		return s.insert(ctx, tx, records)
	})
}

func (s *store) UpdateOne(ctx context.Context, code string, patch countstore.Patch) (countstore.Record, error) {
	if patch.IsEmpty() {
		return s.FindByCode(ctx, code)
	}
	sql, args, err := s.updateQuery(code, patch).
		Suffix("RETURNING " + strings.Join(recordColumns, ", ")).
		ToSql()
	if err != nil {
		return countstore.Record{}, fmt.Errorf("countstore/postgres: build update: %w", err)
	}
	var rec countstore.Record
	if err := pgxscan.Get(ctx, s.pool, &rec, sql, args...); err != nil {
		if pgxscan.NotFound(err) {
			return countstore.Record{}, fmt.Errorf("%s/%s: %w", s.name, code, countstore.ErrNotFound)
		}
		return countstore.Record{}, fmt.Errorf("countstore/postgres: update %s/%s: %w", s.name, code, err)
	}
	return rec, nil
}

func (s *store) BulkWrite(ctx context.Context, ops []countstore.WriteOp) error {
	if len(ops) == 0 {
		return nil
	}
	return db.WithStoreTx(ctx, s.pool, s.name, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		queued := make([]string, 0, len(ops))
		for _, op := range ops {
			if op.Patch.IsEmpty() {
				continue
			}
			sql, args, err := s.updateQuery(op.ProductCode, op.Patch).ToSql()
			if err != nil {
				return fmt.Errorf("countstore/postgres: build update: %w", err)
			}
			batch.Queue(sql, args...)
			queued = append(queued, op.ProductCode)
		}
		results := tx.SendBatch(ctx, batch)
		for _, code := range queued {
			tag, err := results.Exec()
			if err != nil {
				_ = results.Close()
				return fmt.Errorf("countstore/postgres: bulk write %s/%s: %w", s.name, code, err)
			}
			if tag.RowsAffected() == 0 {
				_ = results.Close()
				return fmt.Errorf("%s/%s: %w", s.name, code, countstore.ErrNotFound)
			}
		}
		return results.Close()
	})
}

func (s *store) ReplaceAll(ctx context.Context, records []countstore.Record) error {
	return db.WithStoreTx(ctx, s.pool, s.name, func(tx pgx.Tx) error {
		if err := s.ensure(ctx, tx); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `DELETE FROM count_records WHERE store_name = $1`, s.name); err != nil {
			return fmt.Errorf("countstore/postgres: clear %s: %w", s.name, err)
		}
		return s.insert(ctx, tx, records)
	})
}

func (s *store) DeleteAll(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM count_records WHERE store_name = $1`, s.name); err != nil {
		return fmt.Errorf("countstore/postgres: delete all %s: %w", s.name, err)
	}
	return nil
}

func (s *store) DropIfExists(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM count_stores WHERE name = $1`, s.name); err != nil {
		return fmt.Errorf("countstore/postgres: drop %s: %w", s.name, err)
	}
	return nil
}

func (s *store) ensure(ctx context.Context, tx pgx.Tx) error {
	_, err := tx.Exec(ctx, `INSERT INTO count_stores (name) VALUES ($1) ON CONFLICT (name) DO NOTHING`, s.name)
	if err != nil {
		return fmt.Errorf("countstore/postgres: register %s: %w", s.name, err)
	}
	return nil
}

func (s *store) insert(ctx context.Context, tx pgx.Tx, records []countstore.Record) error {
	columns := append([]string{"store_name"}, recordColumns...)
	for start := 0; start < len(records); start += insertChunk {
		end := min(start+insertChunk, len(records))
		q := s.builder.Insert(recordsTable).Columns(columns...)
		for _, rec := range records[start:end] {
			q = q.Values(s.values(rec)...)
		}
		sql, args, err := q.ToSql()
		if err != nil {
			return fmt.Errorf("countstore/postgres: build insert: %w", err)
		}
		if _, err := tx.Exec(ctx, sql, args...); err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23505" {
				return fmt.Errorf("%s: %w", s.name, countstore.ErrDuplicate)
			}
			return fmt.Errorf("countstore/postgres: insert %s: %w", s.name, err)
		}
	}
	return nil
}

func (s *store) values(rec countstore.Record) []any {
	version := rec.SchemaVersion
	if version == 0 {
		version = countstore.RecordSchemaVersion
	}
	return []any{
		s.name,
		rec.ProductCode,
		rec.ProductName,
		rec.Spec,
		rec.CountUnit,
		rec.PurchaseUnit,
		rec.Vendor,
		rec.ClassGroup,
		rec.Disabled,
		rec.ExpiryDate,
		rec.OpeningCount,
		rec.ClosingCount,
		rec.Purchases,
		rec.TransferIn,
		rec.TransferOut,
		rec.ComputedUsage,
		rec.CountDate,
		rec.PurchaseDataLoaded,
		rec.CountCompleted,
		rec.LastUpdatedAt,
		rec.LastUpdatedField,
		version,
	}
}

func (s *store) updateQuery(code string, patch countstore.Patch) squirrel.UpdateBuilder {
	return s.builder.
		Update(recordsTable).
		SetMap(patch.Columns()).
		Where(squirrel.Eq{"store_name": s.name, "product_code": code})
}
