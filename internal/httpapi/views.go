package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/petrijr/awaitflow/pkg/api"
)

type failureView struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Class   string `json:"class"`
}

type executionView struct {
	ID          string       `json:"id"`
	Workflow    string       `json:"workflow"`
	Status      api.Status   `json:"status"`
	Result      any          `json:"result,omitempty"`
	Failure     *failureView `json:"failure,omitempty"`
	LogicalTime *time.Time   `json:"logical_time,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

type resultView struct {
	ID      string       `json:"id"`
	Status  api.Status   `json:"status"`
	Value   any          `json:"value,omitempty"`
	Failure *failureView `json:"failure,omitempty"`
}

type eventView struct {
	Seq        int64         `json:"seq"`
	At         time.Time     `json:"at"`
	Type       api.EventType `json:"type"`
	Workflow   string        `json:"workflow,omitempty"`
	SignalName string        `json:"signal_name,omitempty"`
	SignalID   string        `json:"signal_id,omitempty"`
	Payload    any           `json:"payload,omitempty"`
	AwaitID    int           `json:"await_id,omitempty"`
	FireAt     *time.Time    `json:"fire_at,omitempty"`
	Outcome    api.Outcome   `json:"outcome,omitempty"`
	Failure    *failureView  `json:"failure,omitempty"`
	Detail     string        `json:"detail,omitempty"`
}

type listResponse struct {
	Executions []executionView `json:"executions"`
	Total      int             `json:"total"`
}

type historyResponse struct {
	Events []eventView `json:"events"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) executionView(exec *api.Execution) executionView {
	return executionView{
		ID:          exec.ID,
		Workflow:    exec.Workflow,
		Status:      exec.Status,
		Result:      s.decode(exec.Result),
		Failure:     toFailureView(exec.Failure),
		LogicalTime: timePtr(exec.LogicalTime),
		CreatedAt:   exec.CreatedAt,
		UpdatedAt:   exec.UpdatedAt,
	}
}

func (s *Server) resultView(res *api.TerminalResult) resultView {
	return resultView{
		ID:      res.ExecutionID,
		Status:  res.Status,
		Value:   s.decode(res.Value),
		Failure: toFailureView(res.Failure),
	}
}

func (s *Server) eventView(ev api.HistoryEvent) eventView {
	return eventView{
		Seq:        ev.Seq,
		At:         ev.At,
		Type:       ev.Type,
		Workflow:   ev.Workflow,
		SignalName: ev.SignalName,
		SignalID:   ev.SignalID,
		Payload:    s.decode(ev.Payload),
		AwaitID:    ev.AwaitID,
		FireAt:     timePtr(ev.FireAt),
		Outcome:    ev.Outcome,
		Failure:    toFailureView(ev.Failure),
		Detail:     ev.Detail,
	}
}

// decode renders a stored payload as a generic value. Payloads the codec
// cannot read are shown as raw bytes.
func (s *Server) decode(p api.Payload) any {
	if len(p) == 0 {
		return nil
	}
	var v any
	if err := s.dc.FromPayload(p, &v); err != nil {
		return []byte(p)
	}
	return v
}

func toFailureView(f *api.Failure) *failureView {
	if f == nil {
		return nil
	}
	return &failureView{Kind: f.Kind, Message: f.Message, Class: string(f.Class)}
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// writeHostError maps host sentinel errors onto status codes.
func (s *Server) writeHostError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, api.ErrExecutionNotFound):
		s.writeError(w, http.StatusNotFound, "execution not found")
	case errors.Is(err, api.ErrUnknownWorkflow):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, api.ErrUnknownSignal), errors.Is(err, api.ErrInvalidSignal):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, api.ErrExecutionTerminal):
		s.writeError(w, http.StatusConflict, "execution is terminal")
	default:
		s.logger.Error(op, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to "+op)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, errorResponse{Error: msg})
}
