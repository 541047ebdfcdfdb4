package http

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	pkgerrors "github.com/socialgouv/fcpd-server/pkg/errors"
	"github.com/socialgouv/fcpd-server/pkg/include"
	"github.com/socialgouv/fcpd-server/pkg/logger"
	"github.com/socialgouv/fcpd-server/pkg/types"
)

// maxBodySize bounds request bodies, patches included
const maxBodySize = 16 << 20

// StatusResponse describes the bridge
type StatusResponse struct {
	State    types.ServerState   `json:"state"`
	Address  string              `json:"address,omitempty"`
	Child    *types.ChildProcess `json:"child,omitempty"`
	Document string              `json:"document"`
	Editing  []string            `json:"editing"`
}

// CreateIncludeRequest creates an include from a file on the bridge's
// filesystem, as an empty patch, or from Data. Data is stored as is, a
// missing or zero-length Data creates a zero-length include.
type CreateIncludeRequest struct {
	Name  string `json:"name"`
	Data  []byte `json:"data"`
	Path  string `json:"path,omitempty"`
	Empty bool   `json:"empty,omitempty"`
}

// UpdateIncludeRequest replaces the bytes of an include
type UpdateIncludeRequest struct {
	Data []byte `json:"data"`
}

// IncludeSummary lists an include without its content
type IncludeSummary struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Digest    string    `json:"digest"`
	Size      int       `json:"size"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// EditResponse names the temporary file Pure-Data edits
type EditResponse struct {
	Path string `json:"path"`
}

// ErrorResponse is the body of every failed request
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// healthzHandler reports that the control server is up
func (s *Server) healthzHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "ok",
		"state":     s.bridge.State().String(),
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{
		State:    s.bridge.State(),
		Document: s.bridge.DocumentName(),
		Editing:  s.bridge.EditSessions(),
	}
	if addr := s.bridge.Address(); !addr.IsZero() {
		resp.Address = addr.String()
	}
	if child, ok := s.bridge.Child(); ok {
		resp.Child = child
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) launchHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.bridge.Launch(r.Context()); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.statusHandler(w, r)
}

func (s *Server) runHandler(w http.ResponseWriter, r *http.Request) {
	if _, err := s.bridge.RunServer(r.Context()); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.statusHandler(w, r)
}

func (s *Server) stopHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.bridge.Stop(r.Context()); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.statusHandler(w, r)
}

func (s *Server) listIncludesHandler(w http.ResponseWriter, r *http.Request) {
	includes := s.bridge.ListIncludes()
	out := make([]IncludeSummary, 0, len(includes))
	for _, inc := range includes {
		out = append(out, IncludeSummary{
			ID:        inc.ID,
			Name:      inc.Name,
			Digest:    inc.Digest,
			Size:      len(inc.Data),
			UpdatedAt: inc.UpdatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) createIncludeHandler(w http.ResponseWriter, r *http.Request) {
	var req CreateIncludeRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	var (
		inc *include.PatchInclude
		err error
	)
	switch {
	case req.Path != "" && req.Empty:
		err = pkgerrors.NewWithCode(pkgerrors.ErrorCodeInvalidInput, "path and empty are exclusive")
	case req.Path != "":
		inc, err = s.bridge.ImportInclude(req.Name, req.Path)
	case req.Empty:
		inc, err = s.bridge.CreateEmptyInclude(req.Name)
	default:
		data := req.Data
		if data == nil {
			data = []byte{}
		}
		inc, err = s.bridge.CreateInclude(req.Name, data)
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, inc)
}

func (s *Server) getIncludeHandler(w http.ResponseWriter, r *http.Request) {
	inc, err := s.bridge.GetInclude(r.PathValue("name"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, inc)
}

func (s *Server) updateIncludeHandler(w http.ResponseWriter, r *http.Request) {
	var req UpdateIncludeRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	inc, err := s.bridge.UpdateInclude(r.PathValue("name"), req.Data)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, inc)
}

func (s *Server) deleteIncludeHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.bridge.DeleteInclude(r.PathValue("name")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) editIncludeHandler(w http.ResponseWriter, r *http.Request) {
	path, err := s.bridge.EditInclude(r.Context(), r.PathValue("name"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, EditResponse{Path: path})
}

func (s *Server) saveHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.bridge.SaveDocument(r.Context()); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.statusHandler(w, r)
}

// StatusCode maps the bridge error taxonomy onto HTTP status codes
func StatusCode(err error) int {
	switch {
	case errors.Is(err, pkgerrors.ErrAlreadyRunning), errors.Is(err, pkgerrors.ErrDuplicateName):
		return http.StatusConflict
	case errors.Is(err, pkgerrors.ErrLaunch):
		return http.StatusUnprocessableEntity
	case errors.Is(err, pkgerrors.ErrConnection), errors.Is(err, pkgerrors.ErrNotConnected):
		return http.StatusServiceUnavailable
	case errors.Is(err, pkgerrors.ErrNotFound):
		return http.StatusNotFound
	}
	switch pkgerrors.GetCode(err) {
	case pkgerrors.ErrorCodeInvalidInput:
		return http.StatusBadRequest
	case pkgerrors.ErrorCodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusCode(err)
	code := pkgerrors.GetCode(err)
	if code == "" {
		code = pkgerrors.ErrorCodeUnknown
	}

	log := logger.LoggerFromContext(r.Context(), s.logger).WithFields(pkgerrors.GetFields(err))
	if status >= http.StatusInternalServerError {
		log.Error("Request failed")
	} else {
		log.Debug("Request rejected")
	}

	writeJSON(w, status, ErrorResponse{Code: code, Message: pkgerrors.UserMessage(err)})
}

func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return pkgerrors.WrapWithCode(err, pkgerrors.ErrorCodeInvalidInput, "invalid request body")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
