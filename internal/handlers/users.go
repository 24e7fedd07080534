package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/mail"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/marketplace-api/project/internal/contracts"
	"github.com/marketplace-api/project/internal/dispatch"
	"github.com/marketplace-api/project/internal/store"
)

// Membership tiers in ascending order.
const (
	TierBasic    = "basic"
	TierPremium  = "premium"
	TierBusiness = "business"
)

var tierRank = map[string]int{TierBasic: 0, TierPremium: 1, TierBusiness: 2}

// Profile is the PROFILE record; it alone carries the email index keys.
type Profile struct {
	ID          string    `json:"id"`
	Email       string    `json:"email"`
	Name        string    `json:"name,omitempty"`
	Tier        string    `json:"tier"`
	CreatedAt   time.Time `json:"createdAt"`
	LastLoginAt time.Time `json:"lastLoginAt,omitzero"`
}

type credentials struct {
	PasswordHash string `json:"passwordHash"`
}

type AuthResponse struct {
	Token  string `json:"token"`
	UserID string `json:"userId"`
	Email  string `json:"email"`
	Tier   string `json:"tier"`
}

type authInput struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name"`
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func (h *Handlers) registerUser(ctx context.Context, env dispatch.Env, req dispatch.Request) (dispatch.Outcome, error) {
	var in authInput
	if err := req.Decode(&in); err != nil {
		return dispatch.Outcome{}, err
	}
	email := normalizeEmail(in.Email)
	if _, err := mail.ParseAddress(email); err != nil {
		return dispatch.Outcome{}, fmt.Errorf("%w: invalid email", dispatch.ErrInvalidRequest)
	}
	if len(strings.TrimSpace(in.Password)) < 8 {
		return dispatch.Outcome{}, fmt.Errorf("%w: password must be at least 8 characters", dispatch.ErrInvalidRequest)
	}

	// The index only nominates candidates; a taken email is confirmed
	// against the primary record.
	hits, err := env.Store.QueryIndex(ctx, store.TableUsers, store.IndexEmail, store.EmailKey(email))
	if err != nil {
		return dispatch.Outcome{}, err
	}
	for _, hit := range hits {
		_, err := env.Store.Get(ctx, store.TableUsers, hit.PK, store.SKProfile)
		if err == nil {
			return dispatch.Outcome{}, fmt.Errorf("%w: email already registered", store.ErrConflict)
		}
		if !errors.Is(err, store.ErrNotFound) {
			return dispatch.Outcome{}, err
		}
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), h.BcryptCost)
	if err != nil {
		return dispatch.Outcome{}, err
	}
	p := Profile{
		ID:        h.NewID(),
		Email:     email,
		Name:      strings.TrimSpace(in.Name),
		Tier:      TierBasic,
		CreatedAt: env.Now(),
	}
	pk := store.UserPK(p.ID)
	profile, err := store.NewRecord(pk, store.SKProfile, p)
	if err != nil {
		return dispatch.Outcome{}, err
	}
	profile.GSI1PK, profile.GSI1SK = store.EmailKey(email), pk
	creds, err := store.NewRecord(pk, store.SKAuth, credentials{PasswordHash: string(hash)})
	if err != nil {
		return dispatch.Outcome{}, err
	}
	if err := env.Store.Put(ctx, store.TableUsers, profile, creds); err != nil {
		return dispatch.Outcome{}, err
	}

	token, err := h.Tokens.Sign(p.ID, p.Email, p.Tier)
	if err != nil {
		return dispatch.Outcome{}, err
	}
	return dispatch.Outcome{
		Status: http.StatusCreated,
		Body:   AuthResponse{Token: token, UserID: p.ID, Email: p.Email, Tier: p.Tier},
		Event: contracts.UserCreateEvent{
			UserID:    p.ID,
			Email:     p.Email,
			Name:      p.Name,
			CreatedAt: p.CreatedAt,
		},
	}, nil
}

// loginUser finds the user through the email index, then requires the
// primary record to agree before checking the password.
func (h *Handlers) loginUser(ctx context.Context, env dispatch.Env, req dispatch.Request) (dispatch.Outcome, error) {
	var in authInput
	if err := req.Decode(&in); err != nil {
		return dispatch.Outcome{}, err
	}
	email := normalizeEmail(in.Email)
	if email == "" || strings.TrimSpace(in.Password) == "" {
		return dispatch.Outcome{}, ErrInvalidCredentials
	}

	hits, err := env.Store.QueryIndex(ctx, store.TableUsers, store.IndexEmail, store.EmailKey(email))
	if err != nil {
		return dispatch.Outcome{}, err
	}
	if len(hits) == 0 {
		return dispatch.Outcome{}, ErrInvalidCredentials
	}
	pk := hits[0].PK

	rec, err := env.Store.Get(ctx, store.TableUsers, pk, store.SKProfile)
	if errors.Is(err, store.ErrNotFound) {
		return dispatch.Outcome{}, fmt.Errorf("%w: %s has no profile", ErrIndexStale, pk)
	}
	if err != nil {
		return dispatch.Outcome{}, err
	}
	var p Profile
	if err := rec.Decode(&p); err != nil {
		return dispatch.Outcome{}, err
	}
	if normalizeEmail(p.Email) != email {
		return dispatch.Outcome{}, fmt.Errorf("%w: %s no longer owns the email", ErrIndexStale, pk)
	}

	credRec, err := env.Store.Get(ctx, store.TableUsers, pk, store.SKAuth)
	if err != nil {
		return dispatch.Outcome{}, err
	}
	var c credentials
	if err := credRec.Decode(&c); err != nil {
		return dispatch.Outcome{}, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(c.PasswordHash), []byte(in.Password)); err != nil {
		return dispatch.Outcome{}, ErrInvalidCredentials
	}

	now := env.Now()
	_, err = env.Store.Update(ctx, store.TableUsers, pk, store.SKProfile, func(r *store.Record) error {
		if err := r.Decode(&p); err != nil {
			return err
		}
		p.LastLoginAt = now
		return r.Encode(p)
	})
	if err != nil {
		return dispatch.Outcome{}, err
	}

	token, err := h.Tokens.Sign(p.ID, p.Email, p.Tier)
	if err != nil {
		return dispatch.Outcome{}, err
	}
	return dispatch.Outcome{
		Body:  AuthResponse{Token: token, UserID: p.ID, Email: p.Email, Tier: p.Tier},
		Event: contracts.LoginEvent{UserID: p.ID, Email: p.Email, LoggedInAt: now},
	}, nil
}

type upgradeInput struct {
	UserID string `json:"userId"`
	Tier   string `json:"tier"`
}

func (h *Handlers) upgradeMembership(ctx context.Context, env dispatch.Env, req dispatch.Request) (dispatch.Outcome, error) {
	var in upgradeInput
	if err := req.Decode(&in); err != nil {
		return dispatch.Outcome{}, err
	}
	if in.UserID == "" {
		in.UserID = req.Subject
	}
	in.Tier = strings.ToLower(strings.TrimSpace(in.Tier))
	if err := required("userId", in.UserID); err != nil {
		return dispatch.Outcome{}, err
	}
	target, ok := tierRank[in.Tier]
	if !ok {
		return dispatch.Outcome{}, fmt.Errorf("%w: unknown tier %q", dispatch.ErrInvalidRequest, in.Tier)
	}

	var p Profile
	var from string
	now := env.Now()
	_, err := env.Store.Update(ctx, store.TableUsers, store.UserPK(in.UserID), store.SKProfile, func(r *store.Record) error {
		if err := r.Decode(&p); err != nil {
			return err
		}
		if tierRank[p.Tier] >= target {
			return fmt.Errorf("%w: already on %s", dispatch.ErrInvalidRequest, p.Tier)
		}
		from = p.Tier
		p.Tier = in.Tier
		return r.Encode(p)
	})
	if err != nil {
		return dispatch.Outcome{}, err
	}
	return dispatch.Outcome{
		Body: p,
		Event: contracts.UpgradeMembership{
			UserID:     p.ID,
			FromTier:   from,
			ToTier:     p.Tier,
			UpgradedAt: now,
		},
	}, nil
}

// deleteUser removes the whole user partition. A repeated delete finds
// nothing and reports not-found without emitting again.
func (h *Handlers) deleteUser(ctx context.Context, env dispatch.Env, req dispatch.Request) (dispatch.Outcome, error) {
	id := req.Param("id")
	if err := required("id", id); err != nil {
		return dispatch.Outcome{}, err
	}
	n, err := env.Store.DeletePartition(ctx, store.TableUsers, store.UserPK(id))
	if err != nil {
		return dispatch.Outcome{}, err
	}
	if n == 0 {
		return dispatch.Outcome{}, fmt.Errorf("user %s: %w", id, store.ErrNotFound)
	}
	now := env.Now()
	return dispatch.Outcome{
		Body:  map[string]any{"id": id, "deleted": true},
		Event: contracts.UserDeleteEvent{UserID: id, DeletedAt: now},
	}, nil
}
