// Package app assembles command and query buses, event-sourced
// repositories, processors, sagas, and their backing stores into one
// runnable application.
//
// Registrations go through a Builder; Build validates them as a whole
// and returns an App. The App dispatches commands and queries, and its
// Start/Stop (or Run) manage registered services and processor executors
// through the runner package.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/plaenen/cqrskit/pkg/eventsourcing"
	"github.com/plaenen/cqrskit/pkg/processing"
	"github.com/plaenen/cqrskit/pkg/runner"
)

type builtProcessor struct {
	name     string
	executor *processing.Executor
}

// App is a built application. Obtain one from Builder.Build.
type App struct {
	registry   *eventsourcing.Registry
	commands   *eventsourcing.DefaultCommandBus
	queries    *eventsourcing.DefaultQueryBus
	events     eventsourcing.EventBus
	eventStore eventsourcing.EventStore
	transport  eventsourcing.EventTransport
	delivery   DeliveryMode
	processors []builtProcessor
	runner     *runner.Runner
}

// Dispatch sends a command through the application's command bus.
func (a *App) Dispatch(ctx context.Context, cmd eventsourcing.Command) (*eventsourcing.CommandResult, error) {
	return a.commands.Dispatch(ctx, cmd)
}

// Query sends a query through the application's query bus.
func (a *App) Query(ctx context.Context, q eventsourcing.Query) (any, error) {
	return a.queries.Dispatch(ctx, q)
}

// Commands returns the command bus, for handing to gateways and other
// components that dispatch on their own.
func (a *App) Commands() eventsourcing.CommandBus { return a.commands }

// Queries returns the query bus.
func (a *App) Queries() eventsourcing.QueryBus { return a.queries }

// Registry returns the payload registry the application encodes and
// decodes events with.
func (a *App) Registry() *eventsourcing.Registry { return a.registry }

// EventStore returns the event store the repositories append to.
func (a *App) EventStore() eventsourcing.EventStore { return a.eventStore }

// Transport returns the event transport, nil for pure in-process setups.
func (a *App) Transport() eventsourcing.EventTransport { return a.transport }

// ProcessorNames returns the names of the processors the application
// runs in executors, in registration order. Empty with synchronous
// delivery, where processors run inline.
func (a *App) ProcessorNames() []string {
	names := make([]string, len(a.processors))
	for i, bp := range a.processors {
		names[i] = bp.name
	}
	return names
}

// Run starts registered services and processor executors and blocks
// until the context is cancelled or a shutdown signal arrives, then
// stops them in reverse order.
func (a *App) Run(ctx context.Context) error {
	return a.runner.Run(ctx)
}

// Start brings up registered services in registration order, then the
// processor executors. Pair with Stop.
func (a *App) Start(ctx context.Context) error {
	return a.runner.Start(ctx)
}

// Stop stops everything Start brought up, in reverse order, under the
// runner's shutdown timeout. A failed stop is logged and shutdown
// continues.
func (a *App) Stop() error {
	return a.runner.Stop()
}

// Close closes the event bus and the transport behind it. Backing stores
// stay open; whoever created them closes them.
func (a *App) Close() error {
	if a.events == nil {
		return nil
	}
	return a.events.Close()
}

// RunProcessors runs the named processor executors until the context is
// cancelled, then returns whatever errors they stopped with. With no
// names, every processor runs. Only meaningful with asynchronous
// delivery; synchronous delivery runs processors inline on publish.
func (a *App) RunProcessors(ctx context.Context, names ...string) error {
	if a.delivery != AsyncDelivery {
		return errors.New("processors run inline with synchronous delivery")
	}

	var selected []builtProcessor
	if len(names) == 0 {
		selected = a.processors
	} else {
		for _, name := range names {
			bp, ok := a.processorByName(name)
			if !ok {
				return fmt.Errorf("unknown processor %s", name)
			}
			selected = append(selected, bp)
		}
	}
	if len(selected) == 0 {
		return nil
	}

	var wg sync.WaitGroup
	errs := make([]error, len(selected))
	for i, bp := range selected {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = bp.executor.Run(ctx)
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}

func (a *App) processorByName(name string) (builtProcessor, bool) {
	for _, bp := range a.processors {
		if bp.name == name {
			return bp, true
		}
	}
	return builtProcessor{}, false
}

// processorService adapts an executor to the runner's service contract.
// Start launches the run loop on a background context so the startup
// deadline does not cancel it; Stop cancels the loop and waits for it to
// drain.
type processorService struct {
	name     string
	executor *processing.Executor

	cancel context.CancelFunc
	done   chan error
}

func newProcessorService(name string, executor *processing.Executor) *processorService {
	return &processorService{name: name, executor: executor}
}

func (s *processorService) Name() string { return "processor:" + s.name }

func (s *processorService) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan error, 1)

	go func() {
		s.done <- s.executor.Run(runCtx)
	}()
	return nil
}

func (s *processorService) Stop(ctx context.Context) error {
	if s.cancel == nil {
		return nil
	}
	s.cancel()

	select {
	case err := <-s.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

var _ runner.Service = (*processorService)(nil)
