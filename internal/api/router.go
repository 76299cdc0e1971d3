package api

import (
	"net/http"

	"github.com/gorilla/mux"
)

// NewRouter wires the HTTP surface described in spec.md §6.
func NewRouter(h *Handler) http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/symbolicate/v4", h.HandleV4).Methods(http.MethodPost)
	r.HandleFunc("/symbolicate/v5", h.HandleV5).Methods(http.MethodPost)
	r.HandleFunc("/__heartbeat__", h.HandleHeartbeat).Methods(http.MethodGet)
	r.HandleFunc("/__lbheartbeat__", h.HandleLBHeartbeat).Methods(http.MethodGet)
	r.HandleFunc("/__version__", h.HandleVersion).Methods(http.MethodGet)
	return r
}
