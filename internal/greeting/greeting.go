// Package greeting is the HelloAwait sample: a workflow that waits up to ten
// seconds for a name and greets it.
package greeting

import (
	"fmt"
	"time"

	"github.com/petrijr/awaitflow/pkg/api"
	"github.com/petrijr/awaitflow/pkg/workflow"
)

const (
	WorkflowName = "GreetingWorkflow"
	// WorkflowID is the fixed execution ID used by the sample runner.
	WorkflowID = "HelloAwaitWorkflow"
	// SignalWaitForName carries the name to greet.
	SignalWaitForName = "waitForName"

	DefaultTimeout = 10 * time.Second
)

// Request is the input of an execution.
type Request struct {
	Token string `json:"token" msgpack:"token"`
}

// State is the state watched by the await.
type State struct {
	Name *string
}

// Workflow is the sample with its default timeout.
var Workflow = New(DefaultTimeout)

// New returns the greeting workflow waiting at most timeout for a name.
func New(timeout time.Duration) *workflow.Definition[State] {
	def := workflow.New(WorkflowName, func(ctx workflow.Context, s *State, req Request) (string, error) {
		workflow.GetLogger(ctx).Info("waiting for name", "token", req.Token, "timeout", timeout)

		ok, err := workflow.AwaitWithTimeout(ctx, timeout, func() bool { return s.Name != nil })
		if err != nil {
			return "", err
		}
		if !ok {
			return "", api.NewFailure(timeoutMessage(timeout), api.KindSignalTimeout)
		}
		return "Hello " + *s.Name + "!", nil
	})

	return workflow.OnSignal(def, SignalWaitForName, func(s *State, name string) {
		s.Name = &name
	})
}

func timeoutMessage(timeout time.Duration) string {
	if timeout%time.Second == 0 {
		return fmt.Sprintf("WaitForName signal is not received within %d seconds.", int(timeout/time.Second))
	}
	return fmt.Sprintf("WaitForName signal is not received within %s.", timeout)
}
