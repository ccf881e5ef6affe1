package routing

import (
	"sync"
	"sync/atomic"
	"time"
)

// snapshot is an immutable point-in-time view of the registry, stored in
// atomic.Value for lock-free reads — the same pattern as the teacher's
// router.routerSnapshot, keyed by database name instead of tenant ID.
type snapshot struct {
	tables map[string]Table
}

// Registry is the mapping database → Table (spec §3 "Routing Table
// Registry", component C). Reads are lock-free; mutations serialize on a
// write mutex and swap in a new snapshot, exactly like the teacher's
// Router.
type Registry struct {
	snap atomic.Value // holds *snapshot
	wmu  sync.Mutex
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	r := &Registry{}
	r.snap.Store(&snapshot{tables: make(map[string]Table)})
	return r
}

func (r *Registry) load() *snapshot {
	return r.snap.Load().(*snapshot)
}

// cloneSnap returns a mutable deep copy of the current snapshot. Must be
// called with wmu held.
func (r *Registry) cloneSnap() *snapshot {
	cur := r.load()
	tables := make(map[string]Table, len(cur.tables))
	for k, v := range cur.tables {
		tables[k] = v
	}
	return &snapshot{tables: tables}
}

// Get returns the table for database, constructing (but not storing) an
// empty placeholder via defaultSupplier if absent (spec §3 "get(db,
// defaultSupplier)", §4.4 "Freshness check").
func (r *Registry) Get(database string, defaultSupplier func() Table) Table {
	snap := r.load()
	if t, ok := snap.tables[database]; ok {
		return t
	}
	if defaultSupplier != nil {
		return defaultSupplier()
	}
	return Table{Database: database}
}

// Register stores table under its Database key, replacing any existing
// entry (spec §4.4 "Commit").
func (r *Registry) Register(table Table) {
	r.wmu.Lock()
	defer r.wmu.Unlock()

	s := r.cloneSnap()
	s.tables[table.Database] = table
	r.snap.Store(s)
}

// Handlers bundles the whenExists/whenAbsent callbacks for Apply (spec §3
// "apply(db, {whenExists, whenAbsent})").
type Handlers struct {
	WhenExists func(Table) Table
	WhenAbsent func() (Table, bool) // returns (table, shouldStore)
}

// Apply mutates the entry for database in place under the write lock,
// useful for forget(address)-style updates that must not race a
// concurrent Register.
func (r *Registry) Apply(database string, h Handlers) {
	r.wmu.Lock()
	defer r.wmu.Unlock()

	cur := r.load()
	t, ok := cur.tables[database]
	var next Table
	var store bool
	if ok {
		if h.WhenExists == nil {
			return
		}
		next = h.WhenExists(t)
		store = true
	} else {
		if h.WhenAbsent == nil {
			return
		}
		next, store = h.WhenAbsent()
	}
	if !store {
		return
	}

	s := r.cloneSnap()
	s.tables[database] = next
	r.snap.Store(s)
}

// RemoveExpired sweeps every table whose ExpiredForPurge(purgeDelay) is
// true (spec §4.4 "Commit... then expired tables are swept").
func (r *Registry) RemoveExpired(purgeDelay time.Duration) {
	r.wmu.Lock()
	defer r.wmu.Unlock()

	cur := r.load()
	var toDelete []string
	for db, t := range cur.tables {
		if t.ExpiredForPurge(purgeDelay) {
			toDelete = append(toDelete, db)
		}
	}
	if len(toDelete) == 0 {
		return
	}

	s := r.cloneSnap()
	for _, db := range toDelete {
		delete(s.tables, db)
	}
	r.snap.Store(s)
}

// AllTables returns every currently registered table, used by
// Pool.KeepAll after a commit (spec §4.4) and by diagnostics.
func (r *Registry) AllTables() []Table {
	snap := r.load()
	out := make([]Table, 0, len(snap.tables))
	for _, t := range snap.tables {
		out = append(out, t)
	}
	return out
}
