package persistence

// Persistence bundles the store interfaces so the engine
// can depend on a single abstraction.
type Persistence struct {
	Instances InstanceStore
	Tasks     TaskStore
	Events    EventStore
}

// WithDefaults fills a missing event store with NoopEventStore.
func (p Persistence) WithDefaults() Persistence {
	if p.Events == nil {
		p.Events = NoopEventStore{}
	}
	return p
}
