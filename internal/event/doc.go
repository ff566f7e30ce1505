// Package event provides a synchronous pub-sub bus for run and task
// lifecycle events.
//
// Dispatchers and the engine publish; the metrics recorder and log
// subscribers consume. Publishers never learn who is listening.
//
// # Event Types
//
// Run lifecycle:
//   - [RunStartedEvent] (run.started)
//   - [RunSucceededEvent] (run.succeeded)
//   - [RunFailedEvent] (run.failed)
//   - [RunDeadLetteredEvent] (run.deadlettered)
//   - [RunDuplicateEvent] (run.duplicate)
//   - [StepRetriedEvent] (step.retried)
//
// Task lifecycle:
//   - [TaskStartedEvent] (task.started)
//   - [TaskStoppedEvent] (task.stopped)
//   - [WatcherStateEvent] (task.degraded, task.recovered)
//
// # Thread Safety
//
// [Bus] is safe for concurrent use. Handlers run synchronously on the
// publishing goroutine and must not block. A panicking handler is logged
// and does not prevent delivery to the others.
//
// # Basic Usage
//
//	bus := event.NewBus(event.WithLogger(logger))
//	bus.Subscribe(event.TypeRunDeadLettered, func(e event.Event) {
//	    dl := e.(event.RunDeadLetteredEvent)
//	    alert(dl.Task(), dl.DeadLetterPath)
//	})
//	bus.Publish(event.NewRunStartedEvent("invoices", runID, path))
package event
