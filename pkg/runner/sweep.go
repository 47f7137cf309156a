package runner

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"github.com/openfroyo/bubbleform/pkg/config"
)

// Variant is one scenario of a sweep.
type Variant struct {
	Name     string
	Scenario config.Scenario
}

// SweepResult pairs a variant with its run.
type SweepResult struct {
	Variant string
	Summary *Summary
	Err     error
}

// Variants builds one variant per value of the field at path.
func Variants(base config.Scenario, path string, values []string) ([]Variant, error) {
	out := make([]Variant, 0, len(values))
	for _, v := range values {
		sc, err := base.WithString(path, v)
		if err != nil {
			return nil, err
		}
		name := fmt.Sprintf("%s[%s=%s]", base.Name, path, v)
		sc.Name = name
		out = append(out, Variant{Name: name, Scenario: sc})
	}
	return out, nil
}

// Sweep runs the variants on up to workers goroutines. Results are in
// variant order. A failed variant does not stop the others; the first
// failure is returned. Variants not started before ctx is cancelled report
// the context error.
func (r *Runner) Sweep(ctx context.Context, variants []Variant, workers int) ([]SweepResult, error) {
	results := make([]SweepResult, len(variants))
	if len(variants) == 0 {
		return results, nil
	}

	workerCount := workers
	if workerCount <= 0 {
		workerCount = runtime.NumCPU()
	}
	if len(variants) < workerCount {
		workerCount = len(variants)
	}

	workQueue := make(chan int, len(variants))
	for i := range variants {
		results[i].Variant = variants[i].Name
		workQueue <- i
	}
	close(workQueue)

	var wg sync.WaitGroup
	errChan := make(chan error, len(variants))

	r.logger.WithFields(map[string]interface{}{
		"variants": len(variants),
		"workers":  workerCount,
	}).Info("sweep started")

	for w := 0; w < workerCount; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			for i := range workQueue {
				v := variants[i]
				if err := ctx.Err(); err != nil {
					results[i].Err = err
					errChan <- fmt.Errorf("variant %s: %w", v.Name, err)
					continue
				}

				sum, err := r.Run(ctx, v.Scenario)
				results[i].Summary = sum
				results[i].Err = err
				if err != nil {
					errChan <- fmt.Errorf("variant %s: %w", v.Name, err)
				}
			}
		}()
	}

	wg.Wait()
	close(errChan)

	var firstErr error
	for err := range errChan {
		if firstErr == nil {
			firstErr = err
		}
	}

	return results, firstErr
}
