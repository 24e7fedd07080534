package store

import (
	"context"
	"sort"
	"sync"

	"github.com/marketplace-api/project/internal/sharding"
)

type partition struct {
	table   string
	records map[string]Record
}

type stripe struct {
	mu    sync.Mutex
	parts map[string]*partition
}

// Memory is an in-process Store. Partitions are spread over lock stripes so
// writes to different partitions do not contend.
type Memory struct {
	stripes []*stripe
}

func NewMemory() *Memory {
	return NewMemoryWithStripes(sharding.DefaultShardCount)
}

func NewMemoryWithStripes(n int) *Memory {
	if n <= 0 {
		n = 1
	}
	m := &Memory{stripes: make([]*stripe, n)}
	for i := range m.stripes {
		m.stripes[i] = &stripe{parts: map[string]*partition{}}
	}
	return m
}

func (m *Memory) stripeFor(table, pk string) (*stripe, string) {
	key := sharding.PartitionKey(table, pk)
	return m.stripes[sharding.Shard(key, len(m.stripes))], key
}

func cloneRecord(r Record) Record {
	if r.Data != nil {
		data := make([]byte, len(r.Data))
		copy(data, r.Data)
		r.Data = data
	}
	return r
}

func sortRecords(records []Record) {
	sort.Slice(records, func(i, j int) bool {
		if records[i].PK != records[j].PK {
			return records[i].PK < records[j].PK
		}
		return records[i].SK < records[j].SK
	})
}

func (m *Memory) Get(ctx context.Context, table, pk, sk string) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	if err := knownTable(table); err != nil {
		return Record{}, err
	}
	s, key := m.stripeFor(table, pk)
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.parts[key]
	if !ok {
		return Record{}, ErrNotFound
	}
	r, ok := p.records[sk]
	if !ok {
		return Record{}, ErrNotFound
	}
	return cloneRecord(r), nil
}

func (m *Memory) Query(ctx context.Context, table, pk string) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := knownTable(table); err != nil {
		return nil, err
	}
	s, key := m.stripeFor(table, pk)
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []Record{}
	if p, ok := s.parts[key]; ok {
		for _, r := range p.records {
			out = append(out, cloneRecord(r))
		}
	}
	sortRecords(out)
	return out, nil
}

func (m *Memory) QueryIndex(ctx context.Context, table, index, key string) ([]Record, error) {
	attr, err := lookupIndex(table, index)
	if err != nil {
		return nil, err
	}
	return m.collect(ctx, table, func(r Record) bool { return attr.value(r) == key })
}

func (m *Memory) Scan(ctx context.Context, table string) ([]Record, error) {
	if err := knownTable(table); err != nil {
		return nil, err
	}
	return m.collect(ctx, table, func(Record) bool { return true })
}

func (m *Memory) collect(ctx context.Context, table string, match func(Record) bool) ([]Record, error) {
	out := []Record{}
	for _, s := range m.stripes {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		s.mu.Lock()
		for _, p := range s.parts {
			if p.table != table {
				continue
			}
			for _, r := range p.records {
				if match(r) {
					out = append(out, cloneRecord(r))
				}
			}
		}
		s.mu.Unlock()
	}
	sortRecords(out)
	return out, nil
}

func (m *Memory) Put(ctx context.Context, table string, records ...Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := knownTable(table); err != nil {
		return err
	}
	if err := validatePut(records); err != nil {
		return err
	}
	s, key := m.stripeFor(table, records[0].PK)
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.parts[key]
	if !ok {
		p = &partition{table: table, records: map[string]Record{}}
		s.parts[key] = p
	}
	for _, r := range records {
		p.records[r.SK] = cloneRecord(r)
	}
	return nil
}

func (m *Memory) Update(ctx context.Context, table, pk, sk string, fn func(*Record) error) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	if err := knownTable(table); err != nil {
		return Record{}, err
	}
	s, key := m.stripeFor(table, pk)
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.parts[key]
	if !ok {
		return Record{}, ErrNotFound
	}
	current, ok := p.records[sk]
	if !ok {
		return Record{}, ErrNotFound
	}
	next := cloneRecord(current)
	if err := fn(&next); err != nil {
		return Record{}, err
	}
	// The key is fixed; fn may only change attributes.
	next.PK, next.SK = pk, sk
	p.records[sk] = cloneRecord(next)
	return next, nil
}

func (m *Memory) DeletePartition(ctx context.Context, table, pk string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := knownTable(table); err != nil {
		return 0, err
	}
	s, key := m.stripeFor(table, pk)
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.parts[key]
	if !ok {
		return 0, nil
	}
	n := len(p.records)
	delete(s.parts, key)
	return n, nil
}
