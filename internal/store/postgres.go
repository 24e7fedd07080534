package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const createRecordsSQL = `
CREATE TABLE IF NOT EXISTS domain_records (
  table_name text NOT NULL,
  pk text NOT NULL,
  sk text NOT NULL,
  gsi1pk text NOT NULL DEFAULT '',
  gsi1sk text NOT NULL DEFAULT '',
  data jsonb NOT NULL DEFAULT '{}'::jsonb,
  updated_at timestamptz NOT NULL DEFAULT now(),
  PRIMARY KEY (table_name, pk, sk)
)`

const createGSI1SQL = `
CREATE INDEX IF NOT EXISTS domain_records_gsi1
ON domain_records (table_name, gsi1pk, gsi1sk)
WHERE gsi1pk <> ''`

const createSKIndexSQL = `
CREATE INDEX IF NOT EXISTS domain_records_sk
ON domain_records (table_name, sk, pk)`

const upsertRecordSQL = `
INSERT INTO domain_records (table_name, pk, sk, gsi1pk, gsi1sk, data, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, now())
ON CONFLICT (table_name, pk, sk) DO UPDATE
SET gsi1pk = EXCLUDED.gsi1pk,
    gsi1sk = EXCLUDED.gsi1sk,
    data = EXCLUDED.data,
    updated_at = now()
`

const selectColumns = `pk, sk, gsi1pk, gsi1sk, data`

// Postgres keeps every logical table in one domain_records relation keyed by
// (table_name, pk, sk).
type Postgres struct {
	Pool *pgxpool.Pool
}

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{Pool: pool}
}

func (p *Postgres) EnsureSchema(ctx context.Context) error {
	for _, stmt := range []string{createRecordsSQL, createGSI1SQL, createSKIndexSQL} {
		if _, err := p.Pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func scanRecord(row pgx.Row) (Record, error) {
	var r Record
	var data []byte
	if err := row.Scan(&r.PK, &r.SK, &r.GSI1PK, &r.GSI1SK, &data); err != nil {
		return Record{}, err
	}
	r.Data = data
	return r, nil
}

func collectRecords(rows pgx.Rows) ([]Record, error) {
	defer rows.Close()
	out := []Record{}
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (p *Postgres) Get(ctx context.Context, table, pk, sk string) (Record, error) {
	if err := knownTable(table); err != nil {
		return Record{}, err
	}
	r, err := scanRecord(p.Pool.QueryRow(ctx,
		`SELECT `+selectColumns+` FROM domain_records WHERE table_name = $1 AND pk = $2 AND sk = $3`,
		table, pk, sk,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, unavailable("get", err)
	}
	return r, nil
}

func (p *Postgres) Query(ctx context.Context, table, pk string) ([]Record, error) {
	if err := knownTable(table); err != nil {
		return nil, err
	}
	rows, err := p.Pool.Query(ctx,
		`SELECT `+selectColumns+` FROM domain_records WHERE table_name = $1 AND pk = $2 ORDER BY sk`,
		table, pk,
	)
	if err != nil {
		return nil, unavailable("query", err)
	}
	out, err := collectRecords(rows)
	return out, unavailable("query", err)
}

func (p *Postgres) QueryIndex(ctx context.Context, table, index, key string) ([]Record, error) {
	attr, err := lookupIndex(table, index)
	if err != nil {
		return nil, err
	}
	column := "gsi1pk"
	if attr == attrSK {
		column = "sk"
	}
	rows, err := p.Pool.Query(ctx,
		`SELECT `+selectColumns+` FROM domain_records WHERE table_name = $1 AND `+column+` = $2 ORDER BY pk, sk`,
		table, key,
	)
	if err != nil {
		return nil, unavailable("query index", err)
	}
	out, err := collectRecords(rows)
	return out, unavailable("query index", err)
}

func (p *Postgres) Scan(ctx context.Context, table string) ([]Record, error) {
	if err := knownTable(table); err != nil {
		return nil, err
	}
	rows, err := p.Pool.Query(ctx,
		`SELECT `+selectColumns+` FROM domain_records WHERE table_name = $1 ORDER BY pk, sk`,
		table,
	)
	if err != nil {
		return nil, unavailable("scan", err)
	}
	out, err := collectRecords(rows)
	return out, unavailable("scan", err)
}

func (p *Postgres) Put(ctx context.Context, table string, records ...Record) error {
	if err := knownTable(table); err != nil {
		return err
	}
	if err := validatePut(records); err != nil {
		return err
	}
	tx, err := p.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return unavailable("put", err)
	}
	defer tx.Rollback(ctx)

	for _, r := range records {
		if _, err := tx.Exec(ctx, upsertRecordSQL, table, r.PK, r.SK, r.GSI1PK, r.GSI1SK, jsonOrEmpty(r.Data)); err != nil {
			return unavailable("put", err)
		}
	}
	return unavailable("put", tx.Commit(ctx))
}

func (p *Postgres) Update(ctx context.Context, table, pk, sk string, fn func(*Record) error) (Record, error) {
	if err := knownTable(table); err != nil {
		return Record{}, err
	}
	tx, err := p.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Record{}, unavailable("update", err)
	}
	defer tx.Rollback(ctx)

	current, err := scanRecord(tx.QueryRow(ctx,
		`SELECT `+selectColumns+` FROM domain_records WHERE table_name = $1 AND pk = $2 AND sk = $3 FOR UPDATE`,
		table, pk, sk,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, unavailable("update", err)
	}
	if err := fn(&current); err != nil {
		return Record{}, err
	}
	current.PK, current.SK = pk, sk
	if _, err := tx.Exec(ctx, upsertRecordSQL, table, pk, sk, current.GSI1PK, current.GSI1SK, jsonOrEmpty(current.Data)); err != nil {
		return Record{}, unavailable("update", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return Record{}, unavailable("update", err)
	}
	return current, nil
}

func (p *Postgres) DeletePartition(ctx context.Context, table, pk string) (int, error) {
	if err := knownTable(table); err != nil {
		return 0, err
	}
	tag, err := p.Pool.Exec(ctx,
		`DELETE FROM domain_records WHERE table_name = $1 AND pk = $2`,
		table, pk,
	)
	if err != nil {
		return 0, unavailable("delete partition", err)
	}
	return int(tag.RowsAffected()), nil
}

// Ping reports whether the pool can reach the database.
func (p *Postgres) Ping(ctx context.Context) error {
	if err := p.Pool.Ping(ctx); err != nil {
		return fmt.Errorf("postgres ping failed: %w", err)
	}
	return nil
}

func jsonOrEmpty(data []byte) []byte {
	if len(data) == 0 {
		return []byte("{}")
	}
	return data
}
