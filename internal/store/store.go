// Package store holds the per-domain keyed stores. Every table is partitioned
// by PK and sort-keyed by SK; a few tables also expose a secondary index.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrNotFound    = errors.New("record not found")
	ErrConflict    = errors.New("record conflict")
	ErrUnavailable = errors.New("store unavailable")
	ErrInvalidKey  = errors.New("invalid record key")
	ErrNoIndex     = errors.New("unknown index")
)

const (
	TableUsers       = "Users"
	TableCategories  = "Categories"
	TableSections    = "Sections"
	TableCardSchemas = "CardSchemas"
	TableListings    = "Listings"
	TableMessages    = "Messages"
	TableBids        = "Bids"
)

const (
	// IndexEmail is keyed by GSI1PK and projects the full user record.
	IndexEmail = "EmailIndex"
	// IndexMarketplace is keyed by SK, listing every row sharing a sort key.
	IndexMarketplace = "MarketplaceIndex"
)

// Tables lists every logical table.
func Tables() []string {
	return []string{
		TableUsers, TableCategories, TableSections, TableCardSchemas,
		TableListings, TableMessages, TableBids,
	}
}

type indexAttr int

const (
	attrGSI1PK indexAttr = iota
	attrSK
)

var indexes = map[string]map[string]indexAttr{
	TableUsers:      {IndexEmail: attrGSI1PK},
	TableCategories: {IndexMarketplace: attrSK},
}

func lookupIndex(table, index string) (indexAttr, error) {
	attr, ok := indexes[table][index]
	if !ok {
		return 0, fmt.Errorf("%w: %s/%s", ErrNoIndex, table, index)
	}
	return attr, nil
}

func (a indexAttr) value(r Record) string {
	if a == attrSK {
		return r.SK
	}
	return r.GSI1PK
}

// Record is one sub-record of a partition.
type Record struct {
	PK     string          `json:"pk"`
	SK     string          `json:"sk"`
	GSI1PK string          `json:"gsi1pk,omitempty"`
	GSI1SK string          `json:"gsi1sk,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// NewRecord encodes v as the record payload.
func NewRecord(pk, sk string, v any) (Record, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Record{}, fmt.Errorf("encode %s/%s: %w", pk, sk, err)
	}
	return Record{PK: pk, SK: sk, Data: data}, nil
}

func (r Record) Decode(v any) error {
	if len(r.Data) == 0 {
		return fmt.Errorf("decode %s/%s: empty payload", r.PK, r.SK)
	}
	if err := json.Unmarshal(r.Data, v); err != nil {
		return fmt.Errorf("decode %s/%s: %w", r.PK, r.SK, err)
	}
	return nil
}

// Encode replaces the payload with v.
func (r *Record) Encode(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", r.PK, r.SK, err)
	}
	r.Data = data
	return nil
}

func (r Record) validate() error {
	if r.PK == "" || r.SK == "" {
		return fmt.Errorf("%w: pk=%q sk=%q", ErrInvalidKey, r.PK, r.SK)
	}
	return nil
}

// Store is a keyed store. Each call is atomic for the partition it touches;
// there are no multi-partition transactions.
type Store interface {
	// Get returns ErrNotFound when (pk, sk) is absent.
	Get(ctx context.Context, table, pk, sk string) (Record, error)
	// Query returns the partition's records ordered by SK.
	Query(ctx context.Context, table, pk string) ([]Record, error)
	// QueryIndex reads a secondary index. Results may lag the primary.
	QueryIndex(ctx context.Context, table, index, key string) ([]Record, error)
	// Scan returns every record of the table ordered by (PK, SK).
	Scan(ctx context.Context, table string) ([]Record, error)
	// Put writes records that all share one PK, atomically.
	Put(ctx context.Context, table string, records ...Record) error
	// Update applies fn to the current record under the partition lock.
	// It returns ErrNotFound when the record is absent.
	Update(ctx context.Context, table, pk, sk string, fn func(*Record) error) (Record, error)
	// DeletePartition removes every record under pk and reports how many
	// were removed; zero means the partition was already absent.
	DeletePartition(ctx context.Context, table, pk string) (int, error)
}

func validatePut(records []Record) error {
	if len(records) == 0 {
		return fmt.Errorf("%w: no records", ErrInvalidKey)
	}
	pk := records[0].PK
	for _, r := range records {
		if err := r.validate(); err != nil {
			return err
		}
		if r.PK != pk {
			return fmt.Errorf("%w: put spans partitions %q and %q", ErrInvalidKey, pk, r.PK)
		}
	}
	return nil
}

func knownTable(table string) error {
	for _, t := range Tables() {
		if t == table {
			return nil
		}
	}
	return fmt.Errorf("%w: unknown table %q", ErrInvalidKey, table)
}

// unavailable marks a backend error as a retryable store failure.
func unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %v", op, ErrUnavailable, err)
}
