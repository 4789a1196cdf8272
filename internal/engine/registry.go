package engine

import (
	"errors"
	"fmt"
	"sync"

	"github.com/petrijr/awaitflow/pkg/api"
)

type registeredProgram struct {
	program api.Program
	signals map[string]struct{}
}

// programRegistry resolves programs and their declared signals once, at
// registration time.
type programRegistry struct {
	mu     sync.RWMutex
	byName map[string]registeredProgram
}

func newProgramRegistry() *programRegistry {
	return &programRegistry{
		byName: make(map[string]registeredProgram),
	}
}

func (r *programRegistry) Register(p api.Program) error {
	if p == nil || p.Name() == "" {
		return errors.New("workflow name is required")
	}

	signals := make(map[string]struct{})
	for _, name := range p.SignalNames() {
		signals[name] = struct{}{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byName[p.Name()]; exists {
		return fmt.Errorf("%w: %s", api.ErrAlreadyRegistered, p.Name())
	}
	r.byName[p.Name()] = registeredProgram{program: p, signals: signals}
	return nil
}

func (r *programRegistry) Get(name string) (api.Program, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reg, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", api.ErrUnknownWorkflow, name)
	}
	return reg.program, nil
}

// AcceptsSignal reports an error unless workflow declares signal and
// payload decodes into the handler's argument type.
func (r *programRegistry) AcceptsSignal(workflow, signal string, payload api.Payload, dc api.DataConverter) error {
	r.mu.RLock()
	reg, ok := r.byName[workflow]
	r.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: %s", api.ErrUnknownWorkflow, workflow)
	}
	if _, ok := reg.signals[signal]; !ok {
		return fmt.Errorf("%w: %s does not declare %q", api.ErrUnknownSignal, workflow, signal)
	}
	if err := reg.program.CheckSignal(signal, payload, dc); err != nil {
		return fmt.Errorf("signal %q of %s: %w", signal, workflow, err)
	}
	return nil
}
