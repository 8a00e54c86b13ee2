package server

import (
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/starfederation/datastar-go/datastar"

	"github.com/eyepyon/airzone-sub000/internal/domain"
	"github.com/eyepyon/airzone-sub000/internal/handshake"
)

const (
	maxHandshakeWait = 60 * time.Second
	wsWriteTimeout   = 10 * time.Second
)

type createHandshakeRequest struct {
	Strategy handshake.Strategy `json:"strategy"`
}

type handshakeResponse struct {
	domain.WalletHandshake
	QRCodeURL string `json:"qrCodeUrl,omitempty"`
	EventsURL string `json:"eventsUrl"`
}

func newHandshakeResponse(hs domain.WalletHandshake) handshakeResponse {
	resp := handshakeResponse{
		WalletHandshake: hs,
		EventsURL:       "/api/v1/handshakes/" + hs.ID + "/events",
	}
	if hs.DeepLink != "" {
		resp.QRCodeURL = "/api/v1/handshakes/" + hs.ID + "/qr.png"
	}
	return resp
}

func (s *Server) handleCreateHandshake(w http.ResponseWriter, r *http.Request) {
	var req createHandshakeRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Strategy == "" {
		req.Strategy = handshake.StrategyDeepLinkQR
	}
	conn, err := s.handshakes.Connector(req.Strategy)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	hs, err := conn.Issue(r.Context(), principal(r).ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newHandshakeResponse(hs))
}

// handleGetHandshake returns the current state. With ?wait=<duration> it
// long-polls until the handshake resolves or the wait runs out.
func (s *Server) handleGetHandshake(w http.ResponseWriter, r *http.Request) {
	p := principal(r).ID
	id := chi.URLParam(r, "id")

	if raw := r.URL.Query().Get("wait"); raw != "" {
		wait, err := time.ParseDuration(raw)
		if err != nil || wait <= 0 {
			s.writeError(w, r, domain.Validationf("invalid wait %q", raw))
			return
		}
		wait = min(wait, maxHandshakeWait)
		if _, err := s.handshakes.Await(r.Context(), p, id, wait); errors.Is(err, domain.ErrNotFound) {
			s.writeError(w, r, err)
			return
		}
	}

	hs, err := s.handshakes.Get(p, id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newHandshakeResponse(hs))
}

func (s *Server) handleCancelHandshake(w http.ResponseWriter, r *http.Request) {
	hs, err := s.handshakes.Cancel(principal(r).ID, chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newHandshakeResponse(hs))
}

func (s *Server) handleHandshakeQR(w http.ResponseWriter, r *http.Request) {
	size := 256
	if raw := r.URL.Query().Get("size"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 64 || n > 1024 {
			s.writeError(w, r, domain.Validationf("size must be between 64 and 1024"))
			return
		}
		size = n
	}
	png, err := s.handshakes.QRCode(principal(r).ID, chi.URLParam(r, "id"), size)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write(png)
}

// handleHandshakeEvents streams state changes to the viewer as datastar
// signal patches until the handshake resolves.
func (s *Server) handleHandshakeEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.handshakes.Get(principal(r).ID, id); err != nil {
		s.writeError(w, r, err)
		return
	}
	updates, unsubscribe, err := s.handshakes.Subscribe(id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer unsubscribe()

	sse := datastar.NewSSE(w, r)
	for {
		select {
		case <-r.Context().Done():
			return
		case hs, ok := <-updates:
			if !ok {
				return
			}
			if err := sse.MarshalAndPatchSignals(map[string]any{"handshake": newHandshakeResponse(hs)}); err != nil {
				return
			}
		}
	}
}

// handleHandshakeSignal is the HMAC-authenticated relay for signing apps
// that cannot hold a socket open.
func (s *Server) handleHandshakeSignal(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var sig handshake.Signal
	if err := decodeJSON(r, &sig); err != nil {
		s.writeError(w, r, err)
		return
	}
	if _, err := s.handshakes.Open(id); err != nil {
		s.writeError(w, r, err)
		return
	}
	hs, err := s.handshakes.Signal(id, sig)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newHandshakeResponse(hs))
}

type socketMessage struct {
	Handshake *domain.WalletHandshake `json:"handshake,omitempty"`
	Error     string                  `json:"error,omitempty"`
}

// handleHandshakeSocket is the signing app channel. The app receives the
// challenge and every state change, and answers with a Signal message.
func (s *Server) handleHandshakeSocket(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.handshakes.Lookup(id); err != nil {
		s.writeError(w, r, err)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws_upgrade_failed", "handshake_id", id, "error", err)
		return
	}
	defer conn.Close()

	var wmu sync.Mutex
	write := func(msg socketMessage) error {
		wmu.Lock()
		defer wmu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		return conn.WriteJSON(msg)
	}

	updates, unsubscribe, err := s.handshakes.Subscribe(id)
	if err != nil {
		_ = write(socketMessage{Error: err.Error()})
		return
	}
	defer unsubscribe()

	if _, err := s.handshakes.Open(id); err != nil {
		_ = write(socketMessage{Error: err.Error()})
	}

	readErr := make(chan error, 1)
	go func() {
		for {
			var sig handshake.Signal
			if err := conn.ReadJSON(&sig); err != nil {
				readErr <- err
				return
			}
			if _, err := s.handshakes.Signal(id, sig); err != nil {
				if werr := write(socketMessage{Error: err.Error()}); werr != nil {
					readErr <- werr
					return
				}
			}
		}
	}()

	for {
		select {
		case hs, ok := <-updates:
			if !ok {
				wmu.Lock()
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "resolved"),
					time.Now().Add(wsWriteTimeout))
				wmu.Unlock()
				return
			}
			if err := write(socketMessage{Handshake: &hs}); err != nil {
				return
			}
		case err := <-readErr:
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("ws_closed", "handshake_id", id, "error", err)
			}
			return
		}
	}
}
