package main

import (
	"context"

	"github.com/stepflow-io/stepflow/internal/engine"
	"github.com/stepflow-io/stepflow/internal/store"
)

// storeRunner lets the scheduler run stored workflows through the engine.
type storeRunner struct {
	store  store.Store
	engine *engine.Engine
}

func (r *storeRunner) RunWorkflow(ctx context.Context, workflowID string, input map[string]any) error {
	rec, err := r.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return err
	}
	_, err = r.engine.Run(ctx, rec.Definition, input, nil)
	return err
}
