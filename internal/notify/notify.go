// Package notify fans a single notification out to every registered
// adapter in parallel, collecting each adapter's result independently so
// one adapter's failure never suppresses or delays the others. The
// fan-out shape is grounded on the teacher's pkg/dispatch.Dispatcher,
// which broadcasts a message to every registered agent; here the
// hand-rolled WaitGroup-plus-channel-collection is replaced by
// golang.org/x/sync/errgroup, already present in the pack's dependency
// surface and a strict simplification of the same "run N, collect
// independently" idiom.
package notify

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"autopilot/internal/logbuf"
)

// Notification is a single outbound message, e.g. "phase 3 complete" or
// "run escalated, awaiting a human".
type Notification struct {
	Title   string
	Message string
	Level   logbuf.Level
}

// Adapter is the system's only extension point: anything that can
// attempt to deliver a Notification and report whether it succeeded.
type Adapter interface {
	Name() string
	Send(ctx context.Context, n Notification) error
}

// Result records one adapter's outcome for a single dispatch call.
type Result struct {
	Adapter string
	Err     error
}

// Dispatcher holds an ordered list of adapters and fans a notification
// out to all of them independently.
type Dispatcher struct {
	adapters []Adapter
	log      *logbuf.Logger
}

// New constructs a Dispatcher. The console adapter is always appended
// last as a fallback so a run is never silently unnotified even if
// every configured adapter is misconfigured.
func New(log *logbuf.Logger, adapters ...Adapter) *Dispatcher {
	all := make([]Adapter, 0, len(adapters)+1)
	all = append(all, adapters...)
	all = append(all, NewConsoleAdapter())
	return &Dispatcher{adapters: all, log: log}
}

// Dispatch sends n to every adapter concurrently and returns one Result
// per adapter, in adapter-registration order. A slow or failing adapter
// never blocks or cancels the others.
func (d *Dispatcher) Dispatch(ctx context.Context, n Notification) []Result {
	results := make([]Result, len(d.adapters))

	g, gctx := errgroup.WithContext(ctx)
	for i, adapter := range d.adapters {
		i, adapter := i, adapter
		g.Go(func() error {
			err := adapter.Send(gctx, n)
			results[i] = Result{Adapter: adapter.Name(), Err: err}
			if err != nil && d.log != nil {
				d.log.Warn("notification adapter %s failed: %v", adapter.Name(), err)
			}
			return nil // independent failure isolation: never propagate to the group
		})
	}
	_ = g.Wait() // errors are already captured per-adapter in results

	return results
}

// ConsoleAdapter writes notifications to stdout and never fails,
// guaranteeing at least one visible record of every dispatched
// notification even when every configured adapter is broken.
type ConsoleAdapter struct{}

// NewConsoleAdapter constructs the always-present fallback adapter.
func NewConsoleAdapter() *ConsoleAdapter {
	return &ConsoleAdapter{}
}

func (c *ConsoleAdapter) Name() string { return "console" }

func (c *ConsoleAdapter) Send(_ context.Context, n Notification) error {
	fmt.Printf("[%s] %s: %s\n", n.Level, n.Title, n.Message)
	return nil
}
