package server

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/eyepyon/airzone-sub000/internal/domain"
)

const webhookDedupeWindow = 72 * time.Hour

type cardCallbackResponse struct {
	Status      string             `json:"status"`
	EventID     string             `json:"eventId"`
	OrderID     string             `json:"orderId,omitempty"`
	OrderStatus domain.OrderStatus `json:"orderStatus,omitempty"`
}

// handleCardCallback applies processor webhooks. Each event id is handled
// once; a failed apply releases the id so the processor's redelivery can
// try again.
func (s *Server) handleCardCallback(w http.ResponseWriter, r *http.Request) {
	if s.card == nil {
		http.NotFound(w, r)
		return
	}
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		s.writeError(w, r, domain.Validationf("read body: %v", err))
		return
	}
	ev, err := s.card.ParseWebhook(payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		s.logger.Warn("card_webhook_rejected", "error", err)
		s.writeError(w, r, err)
		return
	}

	ctx := r.Context()
	key := "stripe:evt:" + ev.ID
	_, created, err := s.idem.Reserve(ctx, key, "", ev.ID, webhookDedupeWindow)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !created {
		writeJSON(w, http.StatusOK, cardCallbackResponse{Status: "duplicate", EventID: ev.ID})
		return
	}

	if !strings.HasPrefix(ev.Type, "payment_intent.") || ev.IntentID == "" {
		writeJSON(w, http.StatusOK, cardCallbackResponse{Status: "ignored", EventID: ev.ID})
		return
	}

	ord, err := s.orders.ConfirmSettlement(ctx, ev.IntentID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		s.logger.Info("card_webhook_unknown_intent", "event_id", ev.ID, "intent_id", ev.IntentID)
		writeJSON(w, http.StatusOK, cardCallbackResponse{Status: "ignored", EventID: ev.ID})
		return
	case err != nil:
		if rerr := s.idem.Release(ctx, key, ev.ID); rerr != nil {
			s.logger.Warn("card_webhook_release_failed", "event_id", ev.ID, "error", rerr)
		}
		s.writeError(w, r, err)
		return
	}

	s.logger.Info("card_webhook_applied", "event_id", ev.ID, "type", ev.Type, "order_id", ord.ID, "order_status", ord.Status)
	writeJSON(w, http.StatusOK, cardCallbackResponse{
		Status:      "processed",
		EventID:     ev.ID,
		OrderID:     ord.ID,
		OrderStatus: ord.Status,
	})
}
