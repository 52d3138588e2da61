package persistence

import "errors"

// Persistence bundles the store interfaces so the engine can depend on a
// single abstraction. Backends can be mixed, e.g. SQL for instances with
// Redis locks and MongoDB traits.
type Persistence struct {
	Catalog     CatalogStore
	Instances   InstanceStore
	Traits      TraitStore
	Events      EventLog
	Ledger      LedgerStore
	Assignments AssignmentStore
	Locks       LockStore
	History     HistoryStore
}

// Validate reports missing stores.
func (p Persistence) Validate() error {
	var errs []error
	check := func(name string, ok bool) {
		if !ok {
			errs = append(errs, errors.New("persistence: missing "+name+" store"))
		}
	}
	check("catalog", p.Catalog != nil)
	check("instance", p.Instances != nil)
	check("trait", p.Traits != nil)
	check("event", p.Events != nil)
	check("ledger", p.Ledger != nil)
	check("assignment", p.Assignments != nil)
	check("lock", p.Locks != nil)
	check("history", p.History != nil)
	return errors.Join(errs...)
}

// NewInMemory returns a Persistence with every store backed by one
// InMemoryStore.
func NewInMemory() Persistence {
	s := NewInMemoryStore()
	return Persistence{
		Catalog:     s,
		Instances:   s,
		Traits:      s,
		Events:      s,
		Ledger:      s,
		Assignments: s,
		Locks:       s,
		History:     s,
	}
}

// FromSQL returns a Persistence with every store backed by s.
func FromSQL(s *SQLStore) Persistence {
	return Persistence{
		Catalog:     s,
		Instances:   s,
		Traits:      s,
		Events:      s,
		Ledger:      s,
		Assignments: s,
		Locks:       s,
		History:     s,
	}
}
