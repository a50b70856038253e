// Package registrar provides time-boxed registries built on an embeddable
// durable orchestration engine for Go.
//
// A registry is opened, collects string items while it is open and closes
// either when its owner finishes it or when a timeout expires, whichever
// comes first. Global statistics count the registries opened and the items
// added across all of them.
//
// # Core Concepts
//
//  1. Engine
//  2. Entity host
//  3. Registry service
//  4. Runtime
//
// # Engine
//
// The Engine runs orchestrations: plain Go functions that call activities,
// wait for named signals, create durable timers and race tasks against each
// other through an OrchestrationContext. Every primitive is checkpointed, so
// after a restart an orchestration is re-executed from the top and replays
// recorded results instead of repeating side effects. A timer keeps its due
// time across restarts.
//
// Engines can be backed by different storage systems:
//
//   - In-memory (non-durable, best for tests)
//   - SQLite (embedded durability)
//   - Postgres
//   - Redis
//   - MongoDB
//
// Instances are leased to one engine at a time, so several processes can
// share a durable store without executing the same instance twice.
//
// # Entities
//
// Entities are small addressable state machines. Operations sent to one
// entity are applied one at a time in arrival order, and state is saved after
// every operation. Different entities proceed in parallel. An operation that
// fails or panics is logged and leaves the state untouched.
//
// # Registries
//
// Each registry is one orchestration instance plus a list entity keyed by the
// instance id. Adding an item requires the orchestration to be running;
// closing raises its Close signal. Peek reports the status and items of a
// registry, and Stats reports the global counters.
//
// # Runtime
//
// Runtime wires all of the above to one backend:
//
//	db, _ := sql.Open("sqlite", "registrar.db")
//	rt, err := registrar.NewSQLiteRuntime(db, registrar.Options{})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := rt.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer rt.Stop(ctx)
//
//	id, _ := registrar.Open(ctx, rt)
//	_ = rt.Registry.Add(ctx, id, "apple")
//	_ = rt.Registry.Finish(ctx, id)
//
// The cmd/registrar binary serves the same operations over HTTP.
package registrar
