package pipeline

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"sync"

	"github.com/MeKo-Tech/billscan/internal/document"
)

type pageJob struct {
	index int
	page  document.Page
}

type pageResult struct {
	index int
	text  pageText
	err   error
}

// processPages fans page processing out over a bounded worker pool and
// returns the per-page results in page order.
func (p *Pipeline) processPages(ctx context.Context, documentID string, pages []document.Page, masks []document.Mask) ([]pageText, error) {
	workers := p.cfg.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if len(pages) == 1 || workers == 1 {
		out := make([]pageText, 0, len(pages))
		for _, page := range pages {
			pt, err := p.processPage(ctx, documentID, page, masks)
			if err != nil {
				return nil, err
			}
			out = append(out, pt)
		}
		return out, nil
	}

	jobs := make(chan pageJob, len(pages))
	results := make(chan pageResult, len(pages))

	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case job, ok := <-jobs:
					if !ok {
						return
					}
					pt, err := p.processPage(ctx, documentID, job.page, masks)
					select {
					case results <- pageResult{index: job.index, text: pt, err: err}:
					case <-ctx.Done():
						return
					}
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	go func() {
		defer close(jobs)
		for i, page := range pages {
			select {
			case jobs <- pageJob{index: i, page: page}:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	collected := make([]pageResult, 0, len(pages))
	for res := range results {
		collected = append(collected, res)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sort.Slice(collected, func(i, j int) bool { return collected[i].index < collected[j].index })
	out := make([]pageText, 0, len(pages))
	for _, res := range collected {
		if res.err != nil {
			return nil, fmt.Errorf("page %d: %w", res.index+1, res.err)
		}
		out = append(out, res.text)
	}
	return out, nil
}
