// Package api implements CommandAPI: the synchronous HTTP request/response
// surface in front of FleetManager. Routes are registered on the Go 1.22+
// net/http.ServeMux using its method+wildcard pattern syntax; no routing
// framework was found as a direct dependency anywhere in the retrieved
// example pool, so the standard library's native routing is used as-is.
package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/industriaspico/carousel-fleet/internal/fleet"
	"github.com/industriaspico/carousel-fleet/internal/plcerr"
)

// MaxRequestBody bounds every request payload, per the external interfaces
// section's 2 KiB cap.
const MaxRequestBody = 2 * 1024

// envelope is the canonical response shape shared by every route.
type envelope struct {
	Success   bool   `json:"success"`
	Data      any    `json:"data,omitempty"`
	Error     string `json:"error,omitempty"`
	Code      string `json:"code,omitempty"`
	MachineID string `json:"machine_id,omitempty"`
}

// Server wires FleetManager to the HTTP surface.
type Server struct {
	Fleet *fleet.Manager
	Mux   *http.ServeMux
}

// New builds a Server with every route from the external interfaces
// section registered, including the legacy single-device routes.
func New(fm *fleet.Manager) *Server {
	s := &Server{Fleet: fm, Mux: http.NewServeMux()}
	s.Mux.HandleFunc("GET /v1/health", s.handleHealth)
	s.Mux.HandleFunc("GET /v1/machines", s.handleListMachines)
	s.Mux.HandleFunc("GET /v1/machines/{id}/status", s.handleMachineStatus)
	s.Mux.HandleFunc("POST /v1/machines/{id}/command", s.handleMachineCommand)
	s.Mux.HandleFunc("POST /v1/machines/{id}/move", s.handleMachineMove)
	s.Mux.HandleFunc("GET /v1/status", s.handleLegacyStatus)
	s.Mux.HandleFunc("POST /v1/command", s.handleLegacyCommand)
	return s
}

// ServeHTTP lets Server itself act as an http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Mux.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: map[string]any{
		"machines": s.Fleet.Health(),
	}})
}

func (s *Server) handleListMachines(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: s.Fleet.ListMachines()})
}

func (s *Server) handleMachineStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	snapshot, err := s.Fleet.GetStatus(r.Context(), id, r.RemoteAddr)
	if err != nil {
		writeError(w, id, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, MachineID: id, Data: snapshot})
}

type commandRequest struct {
	Command   int    `json:"command"`
	Argument  *int   `json:"argument,omitempty"`
	MachineID string `json:"machine_id,omitempty"`
}

type moveRequest struct {
	Position int `json:"position"`
}

func (s *Server) handleMachineCommand(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req commandRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, id, err)
		return
	}

	snapshot, err := s.Fleet.SendCommand(r.Context(), id, req.Command, req.Argument, r.RemoteAddr)
	if err != nil {
		writeError(w, id, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, MachineID: id, Data: snapshot})
}

func (s *Server) handleMachineMove(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req moveRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, id, err)
		return
	}

	snapshot, err := s.Fleet.MoveTo(r.Context(), id, req.Position, r.RemoteAddr)
	if err != nil {
		writeError(w, id, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, MachineID: id, Data: snapshot})
}

func (s *Server) handleLegacyStatus(w http.ResponseWriter, r *http.Request) {
	id, err := s.firstMachineID()
	if err != nil {
		writeError(w, "", err)
		return
	}
	snapshot, err := s.Fleet.GetStatus(r.Context(), id, r.RemoteAddr)
	if err != nil {
		writeError(w, id, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, MachineID: id, Data: snapshot})
}

func (s *Server) handleLegacyCommand(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, "", err)
		return
	}

	id := req.MachineID
	if id == "" {
		var err error
		id, err = s.firstMachineID()
		if err != nil {
			writeError(w, "", err)
			return
		}
	}

	snapshot, err := s.Fleet.SendCommand(r.Context(), id, req.Command, req.Argument, r.RemoteAddr)
	if err != nil {
		writeError(w, id, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, MachineID: id, Data: snapshot})
}

func (s *Server) firstMachineID() (string, error) {
	machines := s.Fleet.ListMachines()
	if len(machines) == 0 {
		return "", plcerr.New(plcerr.BadRequest, "no machines configured")
	}
	return machines[0].ID, nil
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxRequestBody))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return plcerr.NewTooLarge("request body exceeds 2 KiB")
		}
		return plcerr.New(plcerr.BadRequest, "read request body: "+err.Error())
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return plcerr.New(plcerr.BadRequest, "malformed request body: "+err.Error())
	}
	return nil
}

// writeError maps a plcerr.Code to its HTTP status, per the error handling
// design's status-code table.
func writeError(w http.ResponseWriter, machineID string, err error) {
	code := plcerr.CodeOf(err)
	status := http.StatusInternalServerError
	switch code {
	case plcerr.BadRequest:
		switch {
		case plcerr.IsNotFound(err):
			status = http.StatusNotFound
		case plcerr.IsTooLarge(err):
			status = http.StatusRequestEntityTooLarge
		default:
			status = http.StatusBadRequest
		}
	case plcerr.BadCommand:
		status = http.StatusBadRequest
	case plcerr.PLCBusy:
		status = http.StatusConflict
	case plcerr.PLCConnError:
		status = http.StatusInternalServerError
	case plcerr.InternalError:
		status = http.StatusInternalServerError
	}

	slog.Warn("request failed", slog.String("machine_id", machineID), slog.String("code", string(code)), slog.Any("error", err))

	writeJSON(w, status, envelope{
		Success:   false,
		Error:     err.Error(),
		Code:      string(code),
		MachineID: machineID,
	})
}

func writeJSON(w http.ResponseWriter, status int, env envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(env)
}
