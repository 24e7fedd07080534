package handlers

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/marketplace-api/project/internal/contracts"
	"github.com/marketplace-api/project/internal/dispatch"
	"github.com/marketplace-api/project/internal/store"
)

type Category struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

type categoryInput struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

func (h *Handlers) createCategory(ctx context.Context, env dispatch.Env, req dispatch.Request) (dispatch.Outcome, error) {
	var in categoryInput
	if err := req.Decode(&in); err != nil {
		return dispatch.Outcome{}, err
	}
	if err := required("name", in.Name); err != nil {
		return dispatch.Outcome{}, err
	}

	now := env.Now()
	c := Category{
		ID:          h.NewID(),
		Name:        strings.TrimSpace(in.Name),
		Description: strings.TrimSpace(in.Description),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	rec, err := store.NewRecord(store.CategoryPK(c.ID), store.SKMetadata, c)
	if err != nil {
		return dispatch.Outcome{}, err
	}
	if err := env.Store.Put(ctx, store.TableCategories, rec); err != nil {
		return dispatch.Outcome{}, err
	}
	return dispatch.Outcome{Status: http.StatusCreated, Body: c}, nil
}

// getCategory returns one category for ?id=, otherwise every category via
// the metadata index.
func (h *Handlers) getCategory(ctx context.Context, env dispatch.Env, req dispatch.Request) (dispatch.Outcome, error) {
	if id := strings.TrimSpace(req.Query.Get("id")); id != "" {
		rec, err := env.Store.Get(ctx, store.TableCategories, store.CategoryPK(id), store.SKMetadata)
		if err != nil {
			return dispatch.Outcome{}, err
		}
		var c Category
		if err := rec.Decode(&c); err != nil {
			return dispatch.Outcome{}, err
		}
		return dispatch.Outcome{Body: c}, nil
	}

	recs, err := env.Store.QueryIndex(ctx, store.TableCategories, store.IndexMarketplace, store.SKMetadata)
	if err != nil {
		return dispatch.Outcome{}, err
	}
	out := make([]Category, 0, len(recs))
	for _, rec := range recs {
		var c Category
		if err := rec.Decode(&c); err != nil {
			return dispatch.Outcome{}, err
		}
		out = append(out, c)
	}
	return dispatch.Outcome{Body: out}, nil
}

func (h *Handlers) updateCategory(ctx context.Context, env dispatch.Env, req dispatch.Request) (dispatch.Outcome, error) {
	id := req.Param("id")
	var in categoryInput
	if err := firstErr(required("id", id), req.Decode(&in)); err != nil {
		return dispatch.Outcome{}, err
	}
	if err := required("name", in.Name); err != nil {
		return dispatch.Outcome{}, err
	}

	var c Category
	now := env.Now()
	_, err := env.Store.Update(ctx, store.TableCategories, store.CategoryPK(id), store.SKMetadata, func(r *store.Record) error {
		if err := r.Decode(&c); err != nil {
			return err
		}
		c.Name = strings.TrimSpace(in.Name)
		if d := strings.TrimSpace(in.Description); d != "" {
			c.Description = d
		}
		c.UpdatedAt = now
		return r.Encode(c)
	})
	if err != nil {
		return dispatch.Outcome{}, err
	}
	return dispatch.Outcome{
		Body: c,
		Event: contracts.CategoryUpdate{
			CategoryID:  c.ID,
			Name:        c.Name,
			Description: c.Description,
			UpdatedAt:   now,
		},
	}, nil
}

func (h *Handlers) deleteCategory(ctx context.Context, env dispatch.Env, req dispatch.Request) (dispatch.Outcome, error) {
	id := req.Param("id")
	if err := required("id", id); err != nil {
		return dispatch.Outcome{}, err
	}
	n, err := env.Store.DeletePartition(ctx, store.TableCategories, store.CategoryPK(id))
	if err != nil {
		return dispatch.Outcome{}, err
	}
	if n == 0 {
		return dispatch.Outcome{}, store.ErrNotFound
	}
	now := env.Now()
	return dispatch.Outcome{
		Body:  map[string]any{"id": id, "deleted": true},
		Event: contracts.CategoryDelete{CategoryID: id, DeletedAt: now},
	}, nil
}
