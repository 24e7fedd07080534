package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

const maxTxRetries = 8

// Redis stores each partition as a hash (field = SK) and maintains index
// membership sets alongside it in the same MULTI block.
//
//	rec:{table}:{pk}           hash  sk -> record JSON
//	tbl:{table}                set   pk
//	idx:{table}:{index}:{key}  set   pk \x1f sk
type Redis struct {
	Client redis.UniversalClient
}

func NewRedis(client redis.UniversalClient) *Redis {
	return &Redis{Client: client}
}

func partitionKey(table, pk string) string { return "rec:" + table + ":" + pk }
func tableKey(table string) string         { return "tbl:" + table }
func indexKey(table, index, key string) string {
	return "idx:" + table + ":" + index + ":" + key
}

func indexMember(pk, sk string) string { return pk + "\x1f" + sk }

func splitMember(m string) (string, string, bool) {
	return strings.Cut(m, "\x1f")
}

// indexEntries lists the index sets r belongs to.
func indexEntries(table string, r Record) []string {
	var out []string
	for name, attr := range indexes[table] {
		if v := attr.value(r); v != "" {
			out = append(out, indexKey(table, name, v))
		}
	}
	return out
}

func decodeStored(raw string) (Record, error) {
	var r Record
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return Record{}, fmt.Errorf("decode stored record: %w", err)
	}
	return r, nil
}

func encodeStored(r Record) (string, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (s *Redis) Get(ctx context.Context, table, pk, sk string) (Record, error) {
	if err := knownTable(table); err != nil {
		return Record{}, err
	}
	raw, err := s.Client.HGet(ctx, partitionKey(table, pk), sk).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Record{}, ErrNotFound
		}
		return Record{}, unavailable("get", err)
	}
	return decodeStored(raw)
}

func (s *Redis) Query(ctx context.Context, table, pk string) ([]Record, error) {
	if err := knownTable(table); err != nil {
		return nil, err
	}
	fields, err := s.Client.HGetAll(ctx, partitionKey(table, pk)).Result()
	if err != nil {
		return nil, unavailable("query", err)
	}
	out := make([]Record, 0, len(fields))
	for _, raw := range fields {
		r, err := decodeStored(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	sortRecords(out)
	return out, nil
}

func (s *Redis) QueryIndex(ctx context.Context, table, index, key string) ([]Record, error) {
	if _, err := lookupIndex(table, index); err != nil {
		return nil, err
	}
	members, err := s.Client.SMembers(ctx, indexKey(table, index, key)).Result()
	if err != nil {
		return nil, unavailable("query index", err)
	}
	out := make([]Record, 0, len(members))
	for _, m := range members {
		pk, sk, ok := splitMember(m)
		if !ok {
			continue
		}
		r, err := s.Get(ctx, table, pk, sk)
		if errors.Is(err, ErrNotFound) {
			// Index entry outlived its record; the index is allowed to lag.
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	sortRecords(out)
	return out, nil
}

func (s *Redis) Scan(ctx context.Context, table string) ([]Record, error) {
	if err := knownTable(table); err != nil {
		return nil, err
	}
	pks, err := s.Client.SMembers(ctx, tableKey(table)).Result()
	if err != nil {
		return nil, unavailable("scan", err)
	}
	out := []Record{}
	for _, pk := range pks {
		part, err := s.Query(ctx, table, pk)
		if err != nil {
			return nil, err
		}
		out = append(out, part...)
	}
	sortRecords(out)
	return out, nil
}

// watch runs fn under WATCH on the partition key, retrying on optimistic
// lock failures.
func (s *Redis) watch(ctx context.Context, op, key string, fn func(tx *redis.Tx) error) error {
	for i := 0; i < maxTxRetries; i++ {
		err := s.Client.Watch(ctx, fn, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("%s: %w: too much contention on %s", op, ErrUnavailable, key)
}

func (s *Redis) Put(ctx context.Context, table string, records ...Record) error {
	if err := knownTable(table); err != nil {
		return err
	}
	if err := validatePut(records); err != nil {
		return err
	}
	pk := records[0].PK
	key := partitionKey(table, pk)

	err := s.watch(ctx, "put", key, func(tx *redis.Tx) error {
		var stale []string
		for _, r := range records {
			raw, err := tx.HGet(ctx, key, r.SK).Result()
			if errors.Is(err, redis.Nil) {
				continue
			}
			if err != nil {
				return err
			}
			prev, err := decodeStored(raw)
			if err != nil {
				return err
			}
			stale = append(stale, indexEntries(table, prev)...)
		}

		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, idx := range stale {
				for _, r := range records {
					pipe.SRem(ctx, idx, indexMember(r.PK, r.SK))
				}
			}
			for _, r := range records {
				raw, err := encodeStored(r)
				if err != nil {
					return err
				}
				pipe.HSet(ctx, key, r.SK, raw)
				for _, idx := range indexEntries(table, r) {
					pipe.SAdd(ctx, idx, indexMember(r.PK, r.SK))
				}
			}
			pipe.SAdd(ctx, tableKey(table), pk)
			return nil
		})
		return err
	})
	if err != nil && !errors.Is(err, ErrUnavailable) {
		return unavailable("put", err)
	}
	return err
}

func (s *Redis) Update(ctx context.Context, table, pk, sk string, fn func(*Record) error) (Record, error) {
	if err := knownTable(table); err != nil {
		return Record{}, err
	}
	key := partitionKey(table, pk)
	var result Record
	var domainErr error

	err := s.watch(ctx, "update", key, func(tx *redis.Tx) error {
		raw, err := tx.HGet(ctx, key, sk).Result()
		if errors.Is(err, redis.Nil) {
			domainErr = ErrNotFound
			return nil
		}
		if err != nil {
			return err
		}
		current, err := decodeStored(raw)
		if err != nil {
			return err
		}
		before := indexEntries(table, current)
		if err := fn(&current); err != nil {
			domainErr = err
			return nil
		}
		current.PK, current.SK = pk, sk
		encoded, err := encodeStored(current)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, idx := range before {
				pipe.SRem(ctx, idx, indexMember(pk, sk))
			}
			pipe.HSet(ctx, key, sk, encoded)
			for _, idx := range indexEntries(table, current) {
				pipe.SAdd(ctx, idx, indexMember(pk, sk))
			}
			return nil
		})
		if err == nil {
			result = current
		}
		return err
	})
	if domainErr != nil {
		return Record{}, domainErr
	}
	if err != nil {
		if errors.Is(err, ErrUnavailable) {
			return Record{}, err
		}
		return Record{}, unavailable("update", err)
	}
	return result, nil
}

func (s *Redis) DeletePartition(ctx context.Context, table, pk string) (int, error) {
	if err := knownTable(table); err != nil {
		return 0, err
	}
	key := partitionKey(table, pk)
	removed := 0

	err := s.watch(ctx, "delete partition", key, func(tx *redis.Tx) error {
		fields, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		if len(fields) == 0 {
			removed = 0
			return nil
		}
		var entries [][2]string
		for sk, raw := range fields {
			r, err := decodeStored(raw)
			if err != nil {
				return err
			}
			for _, idx := range indexEntries(table, r) {
				entries = append(entries, [2]string{idx, indexMember(pk, sk)})
			}
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			pipe.SRem(ctx, tableKey(table), pk)
			for _, e := range entries {
				pipe.SRem(ctx, e[0], e[1])
			}
			return nil
		})
		if err == nil {
			removed = len(fields)
		}
		return err
	})
	if err != nil {
		if errors.Is(err, ErrUnavailable) {
			return 0, err
		}
		return 0, unavailable("delete partition", err)
	}
	return removed, nil
}

// Ping reports whether the server is reachable.
func (s *Redis) Ping(ctx context.Context) error {
	if err := s.Client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	return nil
}
