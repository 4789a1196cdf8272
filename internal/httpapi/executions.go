package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/petrijr/awaitflow/pkg/api"
)

const (
	maxBodySize       = 1 << 20 // 1 MB
	defaultResultWait = 30 * time.Second
	maxResultWait     = 50 * time.Second
)

type startRequest struct {
	ID       string          `json:"id"`
	Workflow string          `json:"workflow"`
	Input    json.RawMessage `json:"input"`
}

type signalRequest struct {
	Arg      json.RawMessage `json:"arg"`
	SignalID string          `json:"signal_id"`
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Workflow == "" {
		s.writeError(w, http.StatusBadRequest, "workflow is required")
		return
	}
	input, err := rawValue(req.Input)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid input")
		return
	}

	// A start with a known ID answers 200 with the existing execution.
	status := http.StatusCreated
	if req.ID != "" {
		if _, err := s.host.Describe(r.Context(), req.ID); err == nil {
			status = http.StatusOK
		} else if !errors.Is(err, api.ErrExecutionNotFound) {
			s.writeHostError(w, "start execution", err)
			return
		}
	}

	exec, err := s.host.Start(r.Context(), api.StartOptions{ID: req.ID, Workflow: req.Workflow, Input: input})
	if err != nil {
		s.writeHostError(w, "start execution", err)
		return
	}
	s.writeJSON(w, status, s.executionView(exec))
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	execs, err := s.host.List(r.Context(), api.ListOptions{
		Workflow: r.URL.Query().Get("workflow"),
		Status:   api.Status(r.URL.Query().Get("status")),
	})
	if err != nil {
		s.writeHostError(w, "list executions", err)
		return
	}
	views := make([]executionView, 0, len(execs))
	for _, exec := range execs {
		views = append(views, s.executionView(exec))
	}
	s.writeJSON(w, http.StatusOK, listResponse{Executions: views, Total: len(views)})
}

func (s *Server) handleDescribe(w http.ResponseWriter, r *http.Request) {
	exec, err := s.host.Describe(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeHostError(w, "describe execution", err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.executionView(exec))
}

// handleResult answers 200 for terminal executions and 202 with the current
// record otherwise. With wait=1 it blocks for up to timeout (default 30s).
func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if wait := r.URL.Query().Get("wait"); wait == "1" || wait == "true" {
		timeout := defaultResultWait
		if raw := r.URL.Query().Get("timeout"); raw != "" {
			d, err := time.ParseDuration(raw)
			if err != nil || d <= 0 {
				s.writeError(w, http.StatusBadRequest, "invalid timeout")
				return
			}
			timeout = min(d, maxResultWait)
		}
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()

		res, err := s.host.Result(ctx, id)
		switch {
		case err == nil:
			s.writeJSON(w, http.StatusOK, s.resultView(res))
			return
		case errors.Is(err, context.DeadlineExceeded):
			// Fall through to report the live record.
		default:
			s.writeHostError(w, "wait for result", err)
			return
		}
	}

	exec, err := s.host.Describe(r.Context(), id)
	if err != nil {
		s.writeHostError(w, "describe execution", err)
		return
	}
	if !exec.Status.Terminal() {
		s.writeJSON(w, http.StatusAccepted, s.executionView(exec))
		return
	}
	s.writeJSON(w, http.StatusOK, s.resultView(api.NewTerminalResult(exec, s.dc)))
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	hist, err := s.host.History(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeHostError(w, "load history", err)
		return
	}
	views := make([]eventView, 0, len(hist))
	for _, ev := range hist {
		views = append(views, s.eventView(ev))
	}
	s.writeJSON(w, http.StatusOK, historyResponse{Events: views})
}

func (s *Server) handleSignal(w http.ResponseWriter, r *http.Request) {
	var req signalRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	arg, err := rawValue(req.Arg)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid arg")
		return
	}

	err = s.host.Signal(r.Context(), api.SignalRequest{
		ExecutionID: chi.URLParam(r, "id"),
		Name:        chi.URLParam(r, "name"),
		Arg:         arg,
		SignalID:    req.SignalID,
	})
	if err != nil {
		s.writeHostError(w, "signal execution", err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	id := chi.URLParam(r, "id")
	if err := s.host.Cancel(r.Context(), id, req.Reason); err != nil {
		s.writeHostError(w, "cancel execution", err)
		return
	}
	exec, err := s.host.Describe(r.Context(), id)
	if err != nil {
		s.writeHostError(w, "describe execution", err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.executionView(exec))
}

// decodeBody accepts an empty body as the zero value.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// rawValue turns a JSON fragment into plain Go values so the host's codec,
// not encoding/json, decides the stored representation.
func rawValue(raw json.RawMessage) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}
