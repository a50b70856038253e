package persistence

// Persistence bundles the store interfaces so the engine and the entity
// host can depend on a single abstraction.
type Persistence struct {
	Instances   InstanceStore
	Checkpoints CheckpointStore
	Signals     SignalStore
	Events      EventStore
	Entities    EntityStore
}

// FromStore wires every concern to the same backend.
func FromStore(s Store) Persistence {
	return Persistence{
		Instances:   s,
		Checkpoints: s,
		Signals:     s,
		Events:      s,
		Entities:    s,
	}
}
