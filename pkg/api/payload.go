package api

import "errors"

// Payload is an encoded value as stored in history.
type Payload []byte

// DataConverter encodes values crossing the durable boundary: execution
// input, signal arguments and results.
type DataConverter interface {
	Name() string
	ToPayload(v any) (Payload, error)
	FromPayload(p Payload, ptr any) error
}

// TerminalResult is what Host.Result returns for a terminal execution.
type TerminalResult struct {
	ExecutionID string
	Status      Status
	Value       Payload
	Failure     *Failure

	dc DataConverter
}

// NewTerminalResult builds a result for a terminal execution, decoding
// values with dc.
func NewTerminalResult(exec *Execution, dc DataConverter) *TerminalResult {
	return &TerminalResult{
		ExecutionID: exec.ID,
		Status:      exec.Status,
		Value:       exec.Result,
		Failure:     exec.Failure,
		dc:          dc,
	}
}

// Err returns the terminal failure, or nil for a completed execution.
func (r *TerminalResult) Err() error {
	if r.Failure != nil {
		return r.Failure
	}
	return nil
}

// Get decodes the success value into ptr. It returns the failure if the
// execution did not complete.
func (r *TerminalResult) Get(ptr any) error {
	if r.Failure != nil {
		return r.Failure
	}
	if r.Status != StatusCompleted {
		return errors.New("execution did not complete: " + string(r.Status))
	}
	if ptr == nil || len(r.Value) == 0 {
		return nil
	}
	if r.dc == nil {
		return errors.New("terminal result has no data converter")
	}
	return r.dc.FromPayload(r.Value, ptr)
}
