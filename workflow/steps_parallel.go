package workflow

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/hupe1980/agentflow/core"
)

// runParallel runs the referenced steps concurrently, at most
// maxConcurrency at a time, in the order listed.
func (e *Engine) runParallel(ctx context.Context, r *run, step core.Step) (any, error) {
	cfg, err := decodeConfig[ParallelConfig](step)
	if err != nil {
		return nil, permanent(err)
	}
	limit := cfg.MaxConcurrency
	if limit <= 0 || limit > len(cfg.Steps) {
		limit = len(cfg.Steps)
	}
	sem := semaphore.NewWeighted(int64(limit))

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded []string
		failed    []string
		errs      = make(map[string]string)
	)
	for _, id := range cfg.Steps {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			defer sem.Release(1)
			res, err := e.child(ctx, r, id, id)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				failed = append(failed, id)
				errs[id] = err.Error()
			case res.Success:
				succeeded = append(succeeded, id)
			default:
				failed = append(failed, id)
				errs[id] = res.Error
			}
		}(id)
	}
	wg.Wait()
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	results := make(map[string]any, len(cfg.Steps))
	r.mu.Lock()
	for _, id := range cfg.Steps {
		if res, ok := r.exec.Results[id]; ok {
			results[id] = res.Output
		}
	}
	r.mu.Unlock()

	out := map[string]any{"succeeded": succeeded, "failed": failed, "results": results}
	if len(failed) > 0 && !cfg.TolerateFailures {
		return nil, permanent(fmt.Errorf("%d of %d parallel steps failed: %v", len(failed), len(cfg.Steps), errs))
	}
	return out, nil
}
