package console

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/lifedeck/lifedeck/internal/gateway"
	"github.com/lifedeck/lifedeck/pkg/httpext"
	"github.com/lifedeck/lifedeck/pkg/ratelimit"
)

// NewRouter wires the console API. All endpoints are local-only; the router
// carries no auth because the listener is expected to bind to loopback.
func NewRouter(svc *Service) *mux.Router {
	r := mux.NewRouter()

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/status", svc.HandleStatus).Methods(http.MethodGet)
	api.HandleFunc("/messages", svc.HandleMessages).Methods(http.MethodGet)

	send := api.PathPrefix("/send").Subrouter()
	send.Use(RateLimit(ratelimit.NewLimiter(time.Minute, 30)))
	send.HandleFunc("", svc.HandleSend).Methods(http.MethodPost)

	return r
}

func (s *Service) HandleStatus(w http.ResponseWriter, r *http.Request) {
	httpext.JsonOK(w, s.Status())
}

func (s *Service) HandleMessages(w http.ResponseWriter, r *http.Request) {
	messages := s.Messages()
	if messages == nil {
		messages = []gateway.ChatMessage{}
	}
	httpext.JsonOK(w, map[string]any{"messages": messages})
}

type sendRequest struct {
	Message string `json:"message"`
}

func (s *Service) HandleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpext.JsonError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if strings.TrimSpace(req.Message) == "" {
		httpext.JsonError(w, "Message must not be empty", http.StatusBadRequest)
		return
	}

	if err := s.Send(r.Context(), req.Message); err != nil {
		log.Error().Err(err).Msg("Failed to send chat message")

		switch {
		case errors.Is(err, gateway.ErrNotConnected):
			httpext.JsonError(w, "Gateway not connected", http.StatusServiceUnavailable)
		case errors.Is(err, gateway.ErrConnectionClosed):
			httpext.JsonError(w, "Gateway connection lost", http.StatusBadGateway)
		default:
			var reqErr *gateway.RequestError
			if errors.As(err, &reqErr) {
				httpext.JsonError(w, reqErr.Message, http.StatusBadGateway)
				return
			}
			httpext.JsonError(w, "Failed to send message", http.StatusInternalServerError)
		}
		return
	}

	httpext.JsonOK(w, map[string]string{"status": "sent"})
}
