// Package buildbackend names the reproducible-build backend as an
// external collaborator (spec §1, §6): an opaque child process that
// takes a derivation path and produces a stream of log lines plus a
// final success/failure. The core never knows how the backend actually
// builds anything; it only needs Run's channel contract.
package buildbackend

import "context"

// Result is the build backend's terminal outcome for one derivation.
type Result struct {
	Outputs []string
	Err     error
}

// Backend runs a single derivation. The returned lines channel is
// closed once the build finishes; the result channel receives exactly
// one Result before being closed. Run must honor ctx cancellation by
// terminating the underlying process and closing both channels.
type Backend interface {
	Run(ctx context.Context, drv string) (lines <-chan string, result <-chan Result)
}

// Fake is a deterministic in-process Backend for tests: it never spawns
// a process, just emits a couple of canned lines and a caller-supplied
// outcome, returning ctx's error instead if ctx is canceled while a
// line is being sent. There is no synthetic delay.
type Fake struct {
	// Outcome is consulted per derivation; a derivation with no entry
	// gets a successful build with one output equal to drv + "-out".
	Outcome map[string]Result
}

func (f *Fake) Run(ctx context.Context, drv string) (<-chan string, <-chan Result) {
	lines := make(chan string, 8)
	result := make(chan Result, 1)

	go func() {
		defer close(lines)
		defer close(result)

		select {
		case lines <- "building " + drv:
		case <-ctx.Done():
			result <- Result{Err: ctx.Err()}
			return
		}
		select {
		case lines <- "build finished":
		case <-ctx.Done():
			result <- Result{Err: ctx.Err()}
			return
		}

		if out, ok := f.Outcome[drv]; ok {
			result <- out
			return
		}
		result <- Result{Outputs: []string{drv + "-out"}}
	}()

	return lines, result
}
