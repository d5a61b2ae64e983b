package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/opst/knitflow/pkg/domain"
	dbmock "github.com/opst/knitflow/pkg/domain/internal/db/mock"
	rundb "github.com/opst/knitflow/pkg/domain/run/db"
)

// RunInterface is a mock of rundb.RunInterface.
//
// It is safe to be called from goroutines.
type RunInterface struct {
	Impl struct {
		Create   func(ctx context.Context, run domain.WorkflowRun, def domain.WorkflowDefinition) error
		Update   func(ctx context.Context, run domain.WorkflowRun) error
		Get      func(ctx context.Context, runId string) (domain.WorkflowRun, error)
		Workflow func(ctx context.Context, runId string) (domain.WorkflowDefinition, error)
	}

	Calls struct {
		Create   dbmock.CallLog[domain.WorkflowRun]
		Update   dbmock.CallLog[domain.WorkflowRun]
		Get      dbmock.CallLog[string]
		Workflow dbmock.CallLog[string]
	}

	mu sync.Mutex
}

func NewRunInterface() *RunInterface {
	return &RunInterface{}
}

var _ rundb.RunInterface = &RunInterface{}

func (m *RunInterface) Create(ctx context.Context, run domain.WorkflowRun, def domain.WorkflowDefinition) error {
	m.mu.Lock()
	m.Calls.Create = append(m.Calls.Create, run.Copy())
	m.mu.Unlock()
	if m.Impl.Create != nil {
		return m.Impl.Create(ctx, run, def)
	}

	panic(errors.New("it should not be called"))
}

func (m *RunInterface) Update(ctx context.Context, run domain.WorkflowRun) error {
	m.mu.Lock()
	m.Calls.Update = append(m.Calls.Update, run.Copy())
	m.mu.Unlock()
	if m.Impl.Update != nil {
		return m.Impl.Update(ctx, run)
	}

	panic(errors.New("it should not be called"))
}

func (m *RunInterface) Get(ctx context.Context, runId string) (domain.WorkflowRun, error) {
	m.mu.Lock()
	m.Calls.Get = append(m.Calls.Get, runId)
	m.mu.Unlock()
	if m.Impl.Get != nil {
		return m.Impl.Get(ctx, runId)
	}

	panic(errors.New("it should not be called"))
}

func (m *RunInterface) Workflow(ctx context.Context, runId string) (domain.WorkflowDefinition, error) {
	m.mu.Lock()
	m.Calls.Workflow = append(m.Calls.Workflow, runId)
	m.mu.Unlock()
	if m.Impl.Workflow != nil {
		return m.Impl.Workflow(ctx, runId)
	}

	panic(errors.New("it should not be called"))
}

// Updates returns a copy of Calls.Update, safe to read while the mock is in use.
func (m *RunInterface) Updates() dbmock.CallLog[domain.WorkflowRun] {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append(dbmock.CallLog[domain.WorkflowRun]{}, m.Calls.Update...)
}
