package acquire

import "context"

// Pipeline runs the full per-keyword flow: acquire, then ingest. This is
// the unit the scheduler retries.
type Pipeline struct {
	Orch *Orchestrator
	Ing  *Ingester
}

// RunKeyword acquires and persists one keyword, returning the number of
// price rows inserted.
func (p *Pipeline) RunKeyword(ctx context.Context, keyword string, forceBrowser bool) (int, error) {
	res, err := p.Orch.Acquire(ctx, keyword, forceBrowser)
	if err != nil {
		return 0, err
	}
	return p.Ing.Ingest(ctx, res)
}
