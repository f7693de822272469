package web

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"triones-go-home/internal/coordinator"
)

const maxBody = 1 << 20

func (s *Server) handleAPIListDevices(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.coord.Registry().Snapshot())
}

type addDeviceRequest struct {
	Address string `json:"address"`
}

func (s *Server) handleAPIAddDevice(w http.ResponseWriter, r *http.Request) {
	var req addDeviceRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBody)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	added, err := s.coord.Add(req.Address)
	switch {
	case errors.Is(err, coordinator.ErrInvalidAddress):
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	case errors.Is(err, coordinator.ErrDuplicateAddress):
		s.writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	case err != nil:
		s.logger.Error("add device", "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}

	s.writeJSON(w, http.StatusCreated, added)
}

func (s *Server) handleAPIRemoveDevice(w http.ResponseWriter, r *http.Request) {
	idx, err := strconv.Atoi(r.PathValue("index"))
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "index must be an integer"})
		return
	}
	removed := s.coord.RemoveAt(r.Context(), idx)
	s.writeJSON(w, http.StatusOK, map[string]bool{"removed": removed})
}

func (s *Server) handleAPIConnect(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.coord.ConnectAll(r.Context()))
}

func (s *Server) handleAPIDisconnect(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.coord.DisconnectAll(r.Context()))
}

type powerRequest struct {
	On *bool `json:"on"`
}

func (s *Server) handleAPIPower(w http.ResponseWriter, r *http.Request) {
	var req powerRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBody)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.On == nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": `body must be {"on": true|false}`})
		return
	}
	s.writeJSON(w, http.StatusOK, s.coord.PowerAll(r.Context(), *req.On))
}

// colorRequest accepts either channels or a "#rrggbb" string.
type colorRequest struct {
	R   *int   `json:"r"`
	G   *int   `json:"g"`
	B   *int   `json:"b"`
	Hex string `json:"hex"`
}

func (req colorRequest) rgb() (r, g, b uint8, err error) {
	if req.Hex != "" {
		return parseHexColor(req.Hex)
	}
	if req.R == nil || req.G == nil || req.B == nil {
		return 0, 0, 0, errors.New("r, g and b are required")
	}
	var out [3]uint8
	for i, v := range []int{*req.R, *req.G, *req.B} {
		if v < 0 || v > 255 {
			return 0, 0, 0, fmt.Errorf("channel value %d out of range 0-255", v)
		}
		out[i] = uint8(v)
	}
	return out[0], out[1], out[2], nil
}

func parseHexColor(s string) (r, g, b uint8, err error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "#")
	if len(s) != 6 {
		return 0, 0, 0, fmt.Errorf("hex color %q: want 6 digits", s)
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("hex color %q: %w", s, err)
	}
	return raw[0], raw[1], raw[2], nil
}

func (s *Server) handleAPIColor(w http.ResponseWriter, r *http.Request) {
	var req colorRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBody)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	red, green, blue, err := req.rgb()
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, s.coord.SetColorAll(r.Context(), red, green, blue))
}

func (s *Server) handleAPILog(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		s.writeJSON(w, http.StatusOK, []coordinator.AuditEntry{})
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a non-negative integer"})
			return
		}
		limit = n
	}
	s.writeJSON(w, http.StatusOK, s.audit.Recent(limit))
}

type statusResponse struct {
	Devices         int        `json:"devices"`
	Connected       int        `json:"connected"`
	ReconnectPolicy string     `json:"reconnect_policy"`
	Parallelism     int        `json:"parallelism"`
	SaveError       string     `json:"save_error,omitempty"`
	SaveErrorTime   *time.Time `json:"save_error_time,omitempty"`
}

func (s *Server) handleAPIStatus(w http.ResponseWriter, r *http.Request) {
	snap := s.coord.Registry().Snapshot()
	cfg := s.coord.Config()
	resp := statusResponse{
		Devices:         len(snap),
		ReconnectPolicy: string(cfg.ReconnectPolicy),
		Parallelism:     cfg.Parallelism,
	}
	for _, d := range snap {
		if d.Connected {
			resp.Connected++
		}
	}
	if se := s.coord.Registry().SaveHealth(); se != nil {
		resp.SaveError = se.Err.Error()
		resp.SaveErrorTime = &se.Time
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAPIVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("writeJSON encode failed", "err", err)
	}
}
