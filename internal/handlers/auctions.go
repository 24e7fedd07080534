package handlers

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/marketplace-api/project/internal/contracts"
	"github.com/marketplace-api/project/internal/dispatch"
	"github.com/marketplace-api/project/internal/store"
)

// Bid amounts are in minor currency units.
type Bid struct {
	ID        string    `json:"id"`
	AuctionID string    `json:"auctionId"`
	BidderID  string    `json:"bidderId"`
	Amount    int64     `json:"amount"`
	PlacedAt  time.Time `json:"placedAt"`
}

type bidInput struct {
	BidderID string `json:"bidderId"`
	Amount   int64  `json:"amount"`
}

func (h *Handlers) placeBid(ctx context.Context, env dispatch.Env, req dispatch.Request) (dispatch.Outcome, error) {
	auctionID := req.Param("id")
	var in bidInput
	if err := firstErr(required("id", auctionID), req.Decode(&in)); err != nil {
		return dispatch.Outcome{}, err
	}
	if in.BidderID == "" {
		in.BidderID = req.Subject
	}
	if err := required("bidderId", in.BidderID); err != nil {
		return dispatch.Outcome{}, err
	}
	if in.Amount <= 0 {
		return dispatch.Outcome{}, fmt.Errorf("%w: amount must be positive", dispatch.ErrInvalidRequest)
	}

	b := Bid{
		ID:        h.NewID(),
		AuctionID: auctionID,
		BidderID:  in.BidderID,
		Amount:    in.Amount,
		PlacedAt:  env.Now(),
	}
	rec, err := store.NewRecord(store.BidPK(b.ID), store.AuctionSK(auctionID), b)
	if err != nil {
		return dispatch.Outcome{}, err
	}
	if err := env.Store.Put(ctx, store.TableBids, rec); err != nil {
		return dispatch.Outcome{}, err
	}
	return dispatch.Outcome{
		Status: http.StatusCreated,
		Body:   b,
		Event: contracts.PlaceBid{
			BidID:     b.ID,
			AuctionID: b.AuctionID,
			BidderID:  b.BidderID,
			Amount:    b.Amount,
			PlacedAt:  b.PlacedAt,
		},
	}, nil
}
