package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type counter struct {
	N int `json:"n"`
}

func TestMemory_PutGetQuery(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	profile, err := NewRecord(UserPK("u1"), SKProfile, map[string]string{"name": "Ada"})
	require.NoError(t, err)
	auth, err := NewRecord(UserPK("u1"), SKAuth, map[string]string{"hash": "x"})
	require.NoError(t, err)
	auth.GSI1PK, auth.GSI1SK = EmailKey("Ada@Example.com"), UserPK("u1")

	require.NoError(t, s.Put(ctx, TableUsers, profile, auth))

	got, err := s.Get(ctx, TableUsers, UserPK("u1"), SKProfile)
	require.NoError(t, err)
	var decoded map[string]string
	require.NoError(t, got.Decode(&decoded))
	assert.Equal(t, "Ada", decoded["name"])

	part, err := s.Query(ctx, TableUsers, UserPK("u1"))
	require.NoError(t, err)
	require.Len(t, part, 2)
	assert.Equal(t, SKAuth, part[0].SK)
	assert.Equal(t, SKProfile, part[1].SK)
}

func TestMemory_GetMissing(t *testing.T) {
	_, err := NewMemory().Get(context.Background(), TableCategories, CategoryPK("nope"), SKMetadata)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemory_PutRejectsCrossPartitionWrites(t *testing.T) {
	s := NewMemory()
	a, _ := NewRecord(BidPK("1"), AuctionSK("a"), counter{})
	b, _ := NewRecord(BidPK("2"), AuctionSK("a"), counter{})

	err := s.Put(context.Background(), TableBids, a, b)
	require.ErrorIs(t, err, ErrInvalidKey)

	_, err = s.Get(context.Background(), TableBids, BidPK("1"), AuctionSK("a"))
	assert.ErrorIs(t, err, ErrNotFound, "rejected put must not write anything")
}

func TestMemory_UnknownTable(t *testing.T) {
	err := NewMemory().Put(context.Background(), "Orders", Record{PK: "a", SK: "b"})
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestMemory_QueryIndex(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	for _, id := range []string{"u1", "u2"} {
		r, _ := NewRecord(UserPK(id), SKAuth, map[string]string{"id": id})
		r.GSI1PK, r.GSI1SK = EmailKey(id+"@example.com"), UserPK(id)
		require.NoError(t, s.Put(ctx, TableUsers, r))
	}

	hits, err := s.QueryIndex(ctx, TableUsers, IndexEmail, EmailKey("U2@example.com"))
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, UserPK("u2"), hits[0].PK)

	_, err = s.QueryIndex(ctx, TableBids, IndexEmail, "x")
	assert.ErrorIs(t, err, ErrNoIndex)
}

func TestMemory_MarketplaceIndexListsCategories(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	for _, id := range []string{"b", "a"} {
		r, _ := NewRecord(CategoryPK(id), SKMetadata, map[string]string{"id": id})
		require.NoError(t, s.Put(ctx, TableCategories, r))
	}

	hits, err := s.QueryIndex(ctx, TableCategories, IndexMarketplace, SKMetadata)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, CategoryPK("a"), hits[0].PK)
}

func TestMemory_UpdateIsAtomicPerKey(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	r, _ := NewRecord(ListingPK("l1"), SKVerification, counter{})
	require.NoError(t, s.Put(ctx, TableListings, r))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Update(ctx, TableListings, ListingPK("l1"), SKVerification, func(rec *Record) error {
				var c counter
				if err := rec.Decode(&c); err != nil {
					return err
				}
				c.N++
				return rec.Encode(c)
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := s.Get(ctx, TableListings, ListingPK("l1"), SKVerification)
	require.NoError(t, err)
	var c counter
	require.NoError(t, got.Decode(&c))
	assert.Equal(t, 50, c.N)
}

func TestMemory_UpdateMissingAndAbortedUpdate(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	_, err := s.Update(ctx, TableCategories, CategoryPK("x"), SKMetadata, func(*Record) error { return nil })
	require.ErrorIs(t, err, ErrNotFound)

	r, _ := NewRecord(CategoryPK("x"), SKMetadata, counter{N: 1})
	require.NoError(t, s.Put(ctx, TableCategories, r))

	boom := errors.New("boom")
	_, err = s.Update(ctx, TableCategories, CategoryPK("x"), SKMetadata, func(rec *Record) error {
		_ = rec.Encode(counter{N: 99})
		return boom
	})
	require.ErrorIs(t, err, boom)

	got, _ := s.Get(ctx, TableCategories, CategoryPK("x"), SKMetadata)
	var c counter
	require.NoError(t, got.Decode(&c))
	assert.Equal(t, 1, c.N, "aborted update must leave the record untouched")
}

func TestMemory_DeletePartitionIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	p, _ := NewRecord(UserPK("u1"), SKProfile, counter{})
	a, _ := NewRecord(UserPK("u1"), SKAuth, counter{})
	require.NoError(t, s.Put(ctx, TableUsers, p, a))

	n, err := s.DeletePartition(ctx, TableUsers, UserPK("u1"))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = s.DeletePartition(ctx, TableUsers, UserPK("u1"))
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestMemory_ReturnedRecordsAreCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	r, _ := NewRecord(BidPK("1"), AuctionSK("a"), counter{N: 1})
	require.NoError(t, s.Put(ctx, TableBids, r))

	got, _ := s.Get(ctx, TableBids, BidPK("1"), AuctionSK("a"))
	got.Data[0] = 'X'

	again, _ := s.Get(ctx, TableBids, BidPK("1"), AuctionSK("a"))
	var c counter
	require.NoError(t, again.Decode(&c))
	assert.Equal(t, 1, c.N)
}

func TestMemory_ScanIsTableScoped(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryWithStripes(4)
	for i := 0; i < 10; i++ {
		r, _ := NewRecord(MessagePK(fmt.Sprint(i)), SKStatus, counter{N: i})
		require.NoError(t, s.Put(ctx, TableMessages, r))
	}
	b, _ := NewRecord(BidPK("1"), AuctionSK("a"), counter{})
	require.NoError(t, s.Put(ctx, TableBids, b))

	all, err := s.Scan(ctx, TableMessages)
	require.NoError(t, err)
	assert.Len(t, all, 10)
}

func TestMemory_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewMemory().Get(ctx, TableBids, "a", "b")
	assert.ErrorIs(t, err, context.Canceled)
}
