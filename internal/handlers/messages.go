package handlers

import (
	"context"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/marketplace-api/project/internal/contracts"
	"github.com/marketplace-api/project/internal/dispatch"
	"github.com/marketplace-api/project/internal/queue"
	"github.com/marketplace-api/project/internal/store"
)

const (
	MessagePending  = "PENDING"
	MessageFiltered = "FILTERED"
)

// Message is the STATUS record of a message partition. Body holds
// ciphertext at rest.
type Message struct {
	ID          string    `json:"id"`
	SenderID    string    `json:"senderId"`
	RecipientID string    `json:"recipientId,omitempty"`
	ListingID   string    `json:"listingId,omitempty"`
	Body        string    `json:"body"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"createdAt"`
	FilteredAt  time.Time `json:"filteredAt,omitzero"`
}

type Reply struct {
	ID        string    `json:"id"`
	MessageID string    `json:"messageId"`
	SenderID  string    `json:"senderId"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"createdAt"`
}

type messageInput struct {
	SenderID    string `json:"senderId"`
	RecipientID string `json:"recipientId"`
	ListingID   string `json:"listingId"`
	Body        string `json:"body"`
}

func sender(in messageInput, req dispatch.Request) string {
	if s := strings.TrimSpace(in.SenderID); s != "" {
		return s
	}
	return req.Subject
}

func (h *Handlers) postMessage(ctx context.Context, env dispatch.Env, req dispatch.Request) (dispatch.Outcome, error) {
	var in messageInput
	if err := req.Decode(&in); err != nil {
		return dispatch.Outcome{}, err
	}
	in.SenderID = sender(in, req)
	if err := firstErr(required("senderId", in.SenderID), required("body", in.Body)); err != nil {
		return dispatch.Outcome{}, err
	}
	sealed, err := sealText(ctx, env.Cipher, in.Body)
	if err != nil {
		return dispatch.Outcome{}, err
	}

	m := Message{
		ID:          h.NewID(),
		SenderID:    in.SenderID,
		RecipientID: in.RecipientID,
		ListingID:   in.ListingID,
		Body:        sealed,
		Status:      MessagePending,
		CreatedAt:   env.Now(),
	}
	rec, err := store.NewRecord(store.MessagePK(m.ID), store.SKStatus, m)
	if err != nil {
		return dispatch.Outcome{}, err
	}
	if err := env.Store.Put(ctx, store.TableMessages, rec); err != nil {
		return dispatch.Outcome{}, err
	}

	m.Body = in.Body
	return dispatch.Outcome{
		Status: http.StatusCreated,
		Body:   m,
		Enqueues: []dispatch.Enqueue{{
			Queue: queue.Review,
			Body: contracts.ReviewRequest{
				MessageID:   m.ID,
				Reason:      contracts.ReviewReasonPosted,
				RequestedAt: m.CreatedAt,
			},
		}},
	}, nil
}

// getPendingMessages lists PENDING messages with their bodies decrypted and
// re-submits each one for review.
func (h *Handlers) getPendingMessages(ctx context.Context, env dispatch.Env, _ dispatch.Request) (dispatch.Outcome, error) {
	recs, err := env.Store.Scan(ctx, store.TableMessages)
	if err != nil {
		return dispatch.Outcome{}, err
	}
	now := env.Now()
	pending := []Message{}
	var reviews []dispatch.Enqueue
	for _, rec := range recs {
		if rec.SK != store.SKStatus {
			continue
		}
		var m Message
		if err := rec.Decode(&m); err != nil {
			return dispatch.Outcome{}, err
		}
		if m.Status != MessagePending {
			continue
		}
		if m.Body, err = openText(ctx, env.Cipher, m.Body); err != nil {
			return dispatch.Outcome{}, err
		}
		pending = append(pending, m)
		reviews = append(reviews, dispatch.Enqueue{
			Queue: queue.Review,
			Body: contracts.ReviewRequest{
				MessageID:   m.ID,
				Reason:      contracts.ReviewReasonPending,
				RequestedAt: now,
			},
		})
	}
	return dispatch.Outcome{Body: pending, Enqueues: reviews}, nil
}

func (h *Handlers) replyToMessage(ctx context.Context, env dispatch.Env, req dispatch.Request) (dispatch.Outcome, error) {
	messageID := req.Param("id")
	var in messageInput
	if err := firstErr(required("id", messageID), req.Decode(&in)); err != nil {
		return dispatch.Outcome{}, err
	}
	in.SenderID = sender(in, req)
	if err := firstErr(required("senderId", in.SenderID), required("body", in.Body)); err != nil {
		return dispatch.Outcome{}, err
	}

	if _, err := env.Store.Get(ctx, store.TableMessages, store.MessagePK(messageID), store.SKStatus); err != nil {
		return dispatch.Outcome{}, err
	}
	sealed, err := sealText(ctx, env.Cipher, in.Body)
	if err != nil {
		return dispatch.Outcome{}, err
	}

	r := Reply{
		ID:        h.NewID(),
		MessageID: messageID,
		SenderID:  in.SenderID,
		Body:      sealed,
		CreatedAt: env.Now(),
	}
	rec, err := store.NewRecord(store.MessagePK(messageID), store.ReplySK(r.ID), r)
	if err != nil {
		return dispatch.Outcome{}, err
	}
	if err := env.Store.Put(ctx, store.TableMessages, rec); err != nil {
		return dispatch.Outcome{}, err
	}

	r.Body = in.Body
	return dispatch.Outcome{
		Status: http.StatusCreated,
		Body:   r,
		Event: contracts.ReplyToMessage{
			MessageID: messageID,
			ReplyID:   r.ID,
			SenderID:  r.SenderID,
			RepliedAt: r.CreatedAt,
		},
	}, nil
}

var contactPatterns = []*regexp.Regexp{
	regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`),
	regexp.MustCompile(`(?i)\b(?:https?://|www\.)\S+`),
	regexp.MustCompile(`\+?\d[\d\s().\-]{7,}\d`),
}

const redacted = "[redacted]"

// redactContactInfo replaces email addresses, phone numbers and links.
func redactContactInfo(s string) (string, int) {
	n := 0
	for _, re := range contactPatterns {
		s = re.ReplaceAllStringFunc(s, func(string) string {
			n++
			return redacted
		})
	}
	return s, n
}

type filterInput struct {
	MessageID string `json:"messageId"`
}

func (h *Handlers) filterContactInfo(ctx context.Context, env dispatch.Env, req dispatch.Request) (dispatch.Outcome, error) {
	var in filterInput
	if err := req.Decode(&in); err != nil {
		return dispatch.Outcome{}, err
	}
	if err := required("messageId", in.MessageID); err != nil {
		return dispatch.Outcome{}, err
	}

	now := env.Now()
	var (
		m     Message
		plain string
		count int
	)
	_, err := env.Store.Update(ctx, store.TableMessages, store.MessagePK(in.MessageID), store.SKStatus, func(r *store.Record) error {
		if err := r.Decode(&m); err != nil {
			return err
		}
		text, err := openText(ctx, env.Cipher, m.Body)
		if err != nil {
			return err
		}
		plain, count = redactContactInfo(text)
		if m.Body, err = sealText(ctx, env.Cipher, plain); err != nil {
			return err
		}
		m.Status = MessageFiltered
		m.FilteredAt = now
		return r.Encode(m)
	})
	if err != nil {
		return dispatch.Outcome{}, err
	}

	m.Body = plain
	return dispatch.Outcome{
		Body: map[string]any{"message": m, "redactions": count},
		Event: contracts.FilterContactInfo{
			MessageID:  in.MessageID,
			Redactions: count,
			FilteredAt: now,
		},
	}, nil
}
