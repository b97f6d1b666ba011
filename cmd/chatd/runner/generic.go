package runner

import (
	"context"
	"encoding/json"

	"github.com/parleyhq/parley/common/models"
)

// GenericExecutor runs one operation of a delegated kind (rag, tool,
// compute, transform, legacy). Raw is the operation's undecoded params.
type GenericExecutor interface {
	Run(ctx context.Context, op *models.ValidatedOperation, raw json.RawMessage, vars map[string]any) (string, error)
}

// GenericFunc adapts a function to the GenericExecutor interface.
type GenericFunc func(ctx context.Context, op *models.ValidatedOperation, raw json.RawMessage, vars map[string]any) (string, error)

func (f GenericFunc) Run(ctx context.Context, op *models.ValidatedOperation, raw json.RawMessage, vars map[string]any) (string, error) {
	return f(ctx, op, raw, vars)
}

// Register installs an executor for a delegated kind. Registration happens
// at container build time, before any run starts.
func (r *Runner) Register(kind models.OperationKind, exec GenericExecutor) {
	r.generics[kind] = exec
}
