// Package server exposes a log's append/read/trim surface over JSON HTTP.
package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/runefall/bifrost/internal/bifrost"
	"github.com/runefall/bifrost/internal/types"
)

// HTTPServer serves one Bifrost handle.
type HTTPServer struct {
	bifrost bifrost.Bifrost
	log     *zap.Logger
}

// New builds an http.Server with the full route set, including the
// prometheus scrape endpoint.
func New(addr string, b bifrost.Bifrost, log *zap.Logger) *http.Server {
	srv := NewHTTPServer(b, log)
	r := mux.NewRouter()
	r.HandleFunc("/logs/{id}/records", srv.handleAppend).Methods(http.MethodPost)
	r.HandleFunc("/logs/{id}/records", srv.handleRead).Methods(http.MethodGet)
	r.HandleFunc("/logs/{id}/tail", srv.handleFindTail).Methods(http.MethodGet)
	r.HandleFunc("/logs/{id}/trim-point", srv.handleGetTrimPoint).Methods(http.MethodGet)
	r.HandleFunc("/logs/{id}/trim", srv.handleTrim).Methods(http.MethodPost)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	return &http.Server{
		Addr:    addr,
		Handler: r,
	}
}

func NewHTTPServer(b bifrost.Bifrost, log *zap.Logger) *HTTPServer {
	if log == nil {
		log = zap.NewNop()
	}
	return &HTTPServer{bifrost: b, log: log}
}

type AppendRequest struct {
	// Records are base64 in transit, per encoding/json convention.
	Records [][]byte `json:"records"`
}

type AppendResponse struct {
	FirstLsn types.Lsn `json:"first_lsn"`
}

type ReadResponse struct {
	Lsn     types.Lsn `json:"lsn"`
	Payload []byte    `json:"payload,omitempty"`
	TrimGap types.Lsn `json:"trim_gap_until,omitempty"`
}

type TailResponse struct {
	Tail types.Lsn `json:"tail,omitempty"`
}

type TrimPointResponse struct {
	TrimPoint types.Lsn `json:"trim_point,omitempty"`
}

type TrimRequest struct {
	TrimPoint types.Lsn `json:"trim_point"`
}

func (s *HTTPServer) handleAppend(w http.ResponseWriter, r *http.Request) {
	logID, ok := s.logID(w, r)
	if !ok {
		return
	}
	var req AppendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if len(req.Records) == 0 {
		http.Error(w, "no records", http.StatusBadRequest)
		return
	}
	payloads := make([]types.Payload, len(req.Records))
	for n, rec := range req.Records {
		payloads[n] = rec
	}
	first, err := s.bifrost.AppendBatch(r.Context(), logID, payloads)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, AppendResponse{FirstLsn: first})
}

func (s *HTTPServer) handleRead(w http.ResponseWriter, r *http.Request) {
	logID, ok := s.logID(w, r)
	if !ok {
		return
	}
	after := types.LsnInvalid
	if v := r.URL.Query().Get("after"); v != "" {
		parsed, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		after = types.Lsn(parsed)
	}
	rec, err := s.bifrost.ReadNextSingleOpt(r.Context(), logID, after)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if rec == nil {
		http.Error(w, "no record", http.StatusNotFound)
		return
	}
	resp := ReadResponse{Lsn: rec.Offset}
	switch record := rec.Record.(type) {
	case types.Data:
		resp.Payload = record.Payload
	case types.TrimGap:
		resp.TrimGap = record.Until
	}
	s.writeJSON(w, resp)
}

func (s *HTTPServer) handleFindTail(w http.ResponseWriter, r *http.Request) {
	logID, ok := s.logID(w, r)
	if !ok {
		return
	}
	tail, found, err := s.bifrost.FindTail(r.Context(), logID, bifrost.FindTailAttributes{})
	if err != nil {
		s.writeError(w, err)
		return
	}
	resp := TailResponse{}
	if found {
		resp.Tail = tail
	}
	s.writeJSON(w, resp)
}

func (s *HTTPServer) handleGetTrimPoint(w http.ResponseWriter, r *http.Request) {
	logID, ok := s.logID(w, r)
	if !ok {
		return
	}
	tp, found, err := s.bifrost.GetTrimPoint(r.Context(), logID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	resp := TrimPointResponse{}
	if found {
		resp.TrimPoint = tp
	}
	s.writeJSON(w, resp)
}

func (s *HTTPServer) handleTrim(w http.ResponseWriter, r *http.Request) {
	logID, ok := s.logID(w, r)
	if !ok {
		return
	}
	var req TrimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.bifrost.Trim(r.Context(), logID, req.TrimPoint); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) logID(w http.ResponseWriter, r *http.Request) (types.LogID, bool) {
	raw := mux.Vars(r)["id"]
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		http.Error(w, "bad log id", http.StatusBadRequest)
		return 0, false
	}
	return types.LogID(id), true
}

func (s *HTTPServer) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn("encode response", zap.Error(err))
	}
}

func (s *HTTPServer) writeError(w http.ResponseWriter, err error) {
	var unknown *bifrost.UnknownLogIDError
	switch {
	case errors.As(err, &unknown):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, bifrost.ErrShutdown):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	default:
		s.log.Warn("request failed", zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
