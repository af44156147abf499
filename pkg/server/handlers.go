package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/chess-equality/sourceplusplus/pkg/instrument"
	"github.com/chess-equality/sourceplusplus/pkg/publisher"
	"github.com/chess-equality/sourceplusplus/pkg/service"
)

const maxBodyBytes = 1 << 20

// BatchResponse is the body of POST /v1/instruments/batch. Instruments is
// in request order with null for failed items; Errors is keyed by index.
type BatchResponse struct {
	Instruments []*instrument.Instrument `json:"instruments"`
	Errors      map[string]string        `json:"errors,omitempty"`
}

// ClearResponse is the body of DELETE /v1/instruments.
type ClearResponse struct {
	Removed        bool              `json:"removed"`
	DetachFailures map[string]string `json:"detach_failures,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleAdd(w http.ResponseWriter, r *http.Request) {
	var def instrument.Instrument
	if err := decodeBody(w, r, &def); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	inst, err := s.service.AddLiveInstrument(r.Context(), def)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, inst)
}

func (s *Server) handleAddBatch(w http.ResponseWriter, r *http.Request) {
	var defs []instrument.Instrument
	if err := decodeBody(w, r, &defs); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	added, err := s.service.AddLiveInstruments(r.Context(), defs)
	var batchErr *instrument.BatchError
	if err != nil && !errors.As(err, &batchErr) {
		writeError(w, statusFor(err), err)
		return
	}

	resp := BatchResponse{Instruments: make([]*instrument.Instrument, len(added))}
	for i := range added {
		if batchErr != nil && batchErr.Failures[i] != nil {
			continue
		}
		resp.Instruments[i] = &added[i]
	}
	status := http.StatusOK
	if batchErr != nil {
		status = http.StatusMultiStatus
		resp.Errors = make(map[string]string, len(batchErr.Failures))
		for i, itemErr := range batchErr.Failures {
			resp.Errors[strconv.Itoa(i)] = itemErr.Error()
		}
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	inst, ok := s.service.GetLiveInstrumentByID(id)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("instrument %s not found", id))
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	ids := splitList(r.URL.Query().Get("ids"))
	if len(ids) == 0 {
		writeJSON(w, http.StatusOK, s.service.GetLiveInstruments())
		return
	}
	writeJSON(w, http.StatusOK, s.service.GetLiveInstrumentsByIDs(ids))
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	pred, err := clearPredicate(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	removed, err := s.service.ClearLiveInstruments(r.Context(), pred)
	resp := ClearResponse{Removed: removed}

	var clearErr *instrument.ClearError
	if errors.As(err, &clearErr) {
		resp.DetachFailures = make(map[string]string, len(clearErr.Failures))
		for id, detachErr := range clearErr.Failures {
			resp.DetachFailures[id] = detachErr.Error()
		}
	} else if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleSubscribe streams events of the subscriber channel as JSON text
// frames until the client goes away. The optional types query parameter
// limits the stream to the listed event types.
func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	types := make(map[instrument.EventType]bool)
	for _, t := range splitList(r.URL.Query().Get("types")) {
		types[instrument.EventType(t)] = true
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("subscriber upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	s.trackStream(conn, true)
	defer func() {
		s.trackStream(conn, false)
		conn.Close()
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Reads only detect the close; subscribers send nothing.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	s.logger.Debug("subscriber connected", "remote", r.RemoteAddr)
	for event := range s.publisher.Stream(ctx, publisher.SubscriberChannel) {
		if len(types) > 0 && !types[event.Type] {
			continue
		}
		conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := conn.WriteJSON(event); err != nil {
			s.logger.Debug("subscriber write failed", "remote", r.RemoteAddr, "error", err)
			cancel()
		}
	}
	s.logger.Debug("subscriber disconnected", "remote", r.RemoteAddr)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func clearPredicate(r *http.Request) (service.Predicate, error) {
	query := r.URL.Query()
	source := query.Get("source")

	var preds []service.Predicate
	if lineParam := query.Get("line"); lineParam != "" {
		if source == "" {
			return nil, errors.New("line filter requires source")
		}
		line, err := strconv.Atoi(lineParam)
		if err != nil {
			return nil, fmt.Errorf("invalid line %q", lineParam)
		}
		preds = append(preds, service.ByLocation(instrument.Location{Source: source, Line: line}))
	} else if source != "" {
		preds = append(preds, service.BySource(source))
	}

	switch t := instrument.Type(query.Get("type")); t {
	case "":
	case instrument.TypeBreakpoint, instrument.TypeLog:
		preds = append(preds, service.ByType(t))
	default:
		return nil, fmt.Errorf("unknown instrument type %q", t)
	}
	return service.All(preds...), nil
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, instrument.ErrInvalidLocation), errors.Is(err, instrument.ErrInvalidInstrument):
		return http.StatusBadRequest
	case errors.Is(err, instrument.ErrApplyTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, instrument.ErrApplyFailed):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := decoder.Decode(v); err != nil {
		return fmt.Errorf("decoding request body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(value)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
