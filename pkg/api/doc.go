// Package api contains the public contracts of the registrar runtime: the
// orchestration engine, the durable primitives available to orchestration
// code, entity addressing and the observer hooks.
//
// # Orchestrations
//
// An orchestration is plain Go code (an OrchestrationFunc) that talks to the
// outside world only through an OrchestrationContext:
//
//   - CallActivity runs a side-effecting ActivityFunc exactly once.
//   - WaitForSignal waits for an external event raised with Engine.Signal.
//   - CreateTimer creates a durable, cancellable timer.
//   - WhenAny races several tasks and returns the first to resolve.
//   - CurrentTime returns a recorded, replay-stable clock value.
//
// Each primitive call is checkpointed in order. When a process restarts,
// Engine.Recover re-executes the function from the top and every primitive
// with a checkpoint returns its recorded result, so completed activities are
// never re-issued and timers keep their original due time.
//
// # Entities
//
// EntityID addresses a single-writer actor hosted by the entity package.
//
// # Observability
//
// Observer receives workflow and activity lifecycle callbacks. LoggingObserver
// writes log/slog records, BasicMetrics keeps in-memory counters and
// TracingObserver emits OpenTelemetry spans. NewCompositeObserver combines
// several of them.
package api
