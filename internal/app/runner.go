// Package app runs batches of download jobs for the command line.
package app

import (
	"context"
	"sync"

	"github.com/lvcoi/tubefetch/internal/downloader"
)

// Executor runs one job.
type Executor interface {
	Execute(ctx context.Context, job downloader.Job) (downloader.Outcome, error)
}

type Result struct {
	Job     downloader.Job      `json:"-"`
	URL     string              `json:"url"`
	Outcome *downloader.Outcome `json:"outcome,omitempty"`
	Err     error               `json:"-"`
	Error   string              `json:"error,omitempty"`
}

// Run executes jobs on up to workers goroutines. Results keep the order of
// jobs; jobs never submitted because ctx ended are left out. The returned
// exit code is the highest downloader.ExitCode of any failure, or 130 when
// ctx was canceled and nothing else failed.
func Run(ctx context.Context, exec Executor, jobs []downloader.Job, workers int) ([]Result, int) {
	if workers < 1 {
		workers = 1
	}
	if workers > len(jobs) {
		workers = len(jobs)
	}

	type task struct {
		index int
		job   downloader.Job
	}
	tasks := make(chan task)
	slots := make([]*Result, len(jobs))

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case t, ok := <-tasks:
					if !ok {
						return
					}
					out, err := exec.Execute(ctx, t.job)
					result := &Result{Job: t.job, URL: t.job.URL, Err: err}
					if err != nil {
						result.Error = err.Error()
					} else {
						result.Outcome = &out
					}
					// each index is written by exactly one worker
					slots[t.index] = result
				}
			}
		}()
	}

submit:
	for i, job := range jobs {
		select {
		case <-ctx.Done():
			break submit
		case tasks <- task{index: i, job: job}:
		}
	}
	close(tasks)
	wg.Wait()

	output := make([]Result, 0, len(jobs))
	exitCode := 0
	for _, res := range slots {
		if res == nil {
			continue
		}
		output = append(output, *res)
		if res.Err != nil {
			if code := downloader.ExitCode(res.Err); code > exitCode {
				exitCode = code
			}
		}
	}

	if ctx.Err() != nil && exitCode == 0 {
		exitCode = 130
	}
	return output, exitCode
}
