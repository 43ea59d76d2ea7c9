// Copyright (C) 2025-2026 CardinalHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

package lagadmin

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cardinalhq/lagrunner/config"
	"github.com/cardinalhq/lagrunner/internal/lagconfig"
	"github.com/cardinalhq/lagrunner/internal/recordstore"
	"github.com/cardinalhq/lagrunner/lagapi"
)

const maxBodyBytes = 1 << 20

type DefaultDelayRequest struct {
	DefaultDelay int64 `json:"defaultDelay"`
}

type DefaultDelayResponse struct {
	DefaultDelay int64  `json:"defaultDelay"`
	Previous     *int64 `json:"previous,omitempty"`
}

type TargetDelayResponse struct {
	Category string `json:"category"`
	Name     string `json:"name"`
	Delay    int64  `json:"delay"`
}

// DelaysRequest maps target names to milliseconds. A null entry clears the
// target's explicit delay.
type DelaysRequest struct {
	Delays map[string]*int64 `json:"delays"`
}

type ExcludeRequest struct {
	Names   []string `json:"names"`
	Exclude bool     `json:"exclude"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

func (s *Server) registerLagRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/lag/default-delay", s.getDefaultDelay)
	mux.HandleFunc("PUT /v1/lag/default-delay", s.putDefaultDelay)
	mux.HandleFunc("PUT /v1/lag/settings", s.putSettings)
	mux.HandleFunc("GET /v1/lag/names", s.getNames)
	mux.HandleFunc("GET /v1/lag/records", s.getRecords)
	mux.HandleFunc("PUT /v1/lag/{category}/delays", s.putDelays)
	mux.HandleFunc("PUT /v1/lag/{category}/exclude", s.putExclude)
	mux.HandleFunc("GET /v1/lag/{category}/{name...}", s.getTargetDelay)
}

func (s *Server) getDefaultDelay(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, DefaultDelayResponse{
		DefaultDelay: s.api.GetDefaultDelay(r.Context()).Milliseconds(),
	})
}

func (s *Server) putDefaultDelay(w http.ResponseWriter, r *http.Request) {
	var req DefaultDelayRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	d, err := lagconfig.DurationFromMillis(req.DefaultDelay)
	if err != nil {
		writeError(w, err)
		return
	}
	prev, err := s.api.SetDefaultDelay(r.Context(), d)
	if err != nil {
		writeError(w, err)
		return
	}
	prevMS := prev.Milliseconds()
	writeJSON(w, http.StatusOK, DefaultDelayResponse{DefaultDelay: req.DefaultDelay, Previous: &prevMS})
}

func (s *Server) getTargetDelay(w http.ResponseWriter, r *http.Request) {
	category, name := r.PathValue("category"), r.PathValue("name")
	if name == "" {
		writeError(w, lagconfig.ErrInvalidInput)
		return
	}
	d, err := s.api.GetDelayFor(r.Context(), category, name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, TargetDelayResponse{Category: category, Name: name, Delay: d.Milliseconds()})
}

func (s *Server) putDelays(w http.ResponseWriter, r *http.Request) {
	var req DelaysRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	category := r.PathValue("category")

	set := map[string]time.Duration{}
	var cleared []string
	for name, ms := range req.Delays {
		if name == "" {
			writeError(w, fmt.Errorf("%w: target name must not be empty", lagconfig.ErrInvalidInput))
			return
		}
		if ms == nil {
			cleared = append(cleared, name)
			continue
		}
		d, err := lagconfig.DurationFromMillis(*ms)
		if err != nil {
			writeError(w, fmt.Errorf("delay for %q: %w", name, err))
			return
		}
		set[name] = d
	}

	if err := s.api.SetDelaysFor(r.Context(), category, set); err != nil {
		writeError(w, err)
		return
	}
	if err := s.api.ClearDelaysFor(r.Context(), category, cleared); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) putExclude(w http.ResponseWriter, r *http.Request) {
	var req ExcludeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.api.SetExclude(r.Context(), r.PathValue("category"), req.Names, req.Exclude); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// putSettings applies a settings document in the same YAML or JSON form as
// the settings file.
func (s *Server) putSettings(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}
	doc, err := config.ParseLagSettings(body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}
	if err := s.api.ApplyDocument(r.Context(), doc); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) getNames(w http.ResponseWriter, r *http.Request) {
	names, err := s.api.TargetNames(r.Context(), r.URL.Query().Get("type"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, names)
}

func (s *Server) getRecords(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	records, err := s.api.Records(r.Context(), recordstore.Filter{
		Type:  q.Get("type"),
		Name:  q.Get("name"),
		Level: q.Get("level"),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	if records == nil {
		records = []recordstore.Record{}
	}
	writeJSON(w, http.StatusOK, records)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid request body: " + err.Error()})
		return false
	}
	return true
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, lagconfig.ErrInvalidInput):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error()})
	case errors.Is(err, lagapi.ErrUnknownCategory):
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: err.Error()})
	default:
		slog.Error("Lag admin request failed", slog.Any("error", err))
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "internal error"})
	}
}
