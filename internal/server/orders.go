package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/eyepyon/airzone-sub000/internal/domain"
	"github.com/eyepyon/airzone-sub000/internal/order"
	"github.com/eyepyon/airzone-sub000/internal/stake"
)

type createOrderRequest struct {
	Items       []order.ItemRequest `json:"items"`
	Rail        domain.Rail         `json:"rail"`
	Recipient   string              `json:"recipient,omitempty"`
	HandshakeID string              `json:"handshakeId,omitempty"`
}

func (s *Server) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	p := principal(r)
	res, err := s.orders.Checkout(r.Context(), order.CheckoutRequest{
		Principal:        p.ID,
		Locale:           p.Locale,
		Items:            req.Items,
		Rail:             req.Rail,
		Recipient:        req.Recipient,
		HandshakeID:      req.HandshakeID,
		IdempotencyToken: r.Header.Get("Idempotency-Key"),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	status := http.StatusCreated
	switch {
	case res.Order.Status == domain.OrderFailed:
		status = http.StatusPaymentRequired
	case res.Replayed:
		status = http.StatusOK
	}
	writeJSON(w, status, res)
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	view, err := s.orders.Get(r.Context(), principal(r).ID, chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleConfirmOrder(w http.ResponseWriter, r *http.Request) {
	ord, err := s.orders.ConfirmOrder(r.Context(), principal(r).ID, chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ord)
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	ord, err := s.orders.Cancel(r.Context(), principal(r).ID, chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ord)
}

type createStakeRequest struct {
	CampaignID  string `json:"campaignId"`
	Amount      int64  `json:"amount"`
	LockSeconds int64  `json:"lockSeconds"`
	Recipient   string `json:"recipient,omitempty"`
	HandshakeID string `json:"handshakeId,omitempty"`
}

func (s *Server) handleCreateStake(w http.ResponseWriter, r *http.Request) {
	var req createStakeRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	st, err := s.stakes.Commit(r.Context(), stake.CommitRequest{
		Principal:    principal(r).ID,
		CampaignID:   req.CampaignID,
		Amount:       req.Amount,
		LockDuration: time.Duration(req.LockSeconds) * time.Second,
		Recipient:    req.Recipient,
		HandshakeID:  req.HandshakeID,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, st)
}

func (s *Server) handleGetStake(w http.ResponseWriter, r *http.Request) {
	view, err := s.stakes.Get(r.Context(), principal(r).ID, chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleCancelStake(w http.ResponseWriter, r *http.Request) {
	st, err := s.stakes.Cancel(r.Context(), principal(r).ID, chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

type taskResponse struct {
	ID         string            `json:"id"`
	Type       domain.TaskType   `json:"type"`
	Status     domain.TaskStatus `json:"status"`
	RetryCount int               `json:"retry_count"`
	Result     any               `json:"result,omitempty"`
	ErrorCode  string            `json:"error_code,omitempty"`
	Error      string            `json:"error,omitempty"`
}

// handleGetTask reports a task to the principal it was issued for.
func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	task, err := s.tasks.Get(r.Context(), id)
	if err == nil && task.Payload.Principal != principal(r).ID {
		err = domain.ErrNotFound
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp := taskResponse{
		ID:         task.ID,
		Type:       task.Type,
		Status:     task.Status,
		RetryCount: task.RetryCount,
	}
	switch task.Status {
	case domain.TaskCompleted:
		if len(task.Result) > 0 {
			resp.Result = task.Result
		}
	case domain.TaskFailed:
		resp.ErrorCode = task.FailureCode
		resp.Error = task.FailureMessage
	}
	writeJSON(w, http.StatusOK, resp)
}
