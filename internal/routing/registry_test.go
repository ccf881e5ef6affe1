package routing

import (
	"testing"
	"time"

	"github.com/graphdriver/core/internal/address"
)

func TestRegistryGetReturnsDefaultWhenAbsent(t *testing.T) {
	r := NewRegistry()
	called := false
	t1 := r.Get(DefaultDatabase, func() Table {
		called = true
		return Table{Database: DefaultDatabase}
	})
	if !called {
		t.Errorf("expected defaultSupplier to be invoked for an absent database")
	}
	if t1.Database != DefaultDatabase {
		t.Errorf("expected placeholder table for the default database")
	}
}

func TestRegistryRegisterAndGet(t *testing.T) {
	r := NewRegistry()
	a1 := address.New("n1", "7687")
	table := Table{
		Database:       "neo4j",
		Readers:        []address.Address{a1},
		ExpirationTime: time.Now().Add(time.Minute),
	}
	r.Register(table)

	got := r.Get("neo4j", nil)
	if got.Database != "neo4j" || len(got.Readers) != 1 {
		t.Errorf("expected registered table to be retrievable, got %+v", got)
	}

	// Unrelated database keys are unaffected.
	other := r.Get("other", func() Table { return Table{Database: "other"} })
	if other.Database != "other" {
		t.Errorf("expected unrelated key to fall through to its own default")
	}
}

func TestRegistryApplyWhenExists(t *testing.T) {
	r := NewRegistry()
	a1 := address.New("n1", "7687")
	a2 := address.New("n2", "7687")
	r.Register(Table{Database: "neo4j", Readers: []address.Address{a1, a2}})

	r.Apply("neo4j", Handlers{
		WhenExists: func(t Table) Table { return t.Forget(a1) },
	})

	got := r.Get("neo4j", nil)
	if len(got.Readers) != 1 || got.Readers[0] != a2 {
		t.Errorf("expected Apply's WhenExists mutation to be persisted, got %+v", got.Readers)
	}
}

func TestRegistryApplyWhenAbsent(t *testing.T) {
	r := NewRegistry()
	r.Apply("neo4j", Handlers{
		WhenAbsent: func() (Table, bool) {
			return Table{Database: "neo4j"}, true
		},
	})

	got := r.Get("neo4j", nil)
	if got.Database != "neo4j" {
		t.Errorf("expected WhenAbsent table to be stored")
	}
}

func TestRegistryApplyWhenAbsentDeclinesStore(t *testing.T) {
	r := NewRegistry()
	r.Apply("neo4j", Handlers{
		WhenAbsent: func() (Table, bool) {
			return Table{}, false
		},
	})

	if len(r.AllTables()) != 0 {
		t.Errorf("expected nothing stored when WhenAbsent declines")
	}
}

func TestRegistryRemoveExpired(t *testing.T) {
	r := NewRegistry()
	r.Register(Table{Database: "stale", ExpirationTime: time.Now().Add(-time.Minute)})
	r.Register(Table{Database: "fresh", ExpirationTime: time.Now().Add(time.Minute)})

	r.RemoveExpired(30 * time.Second)

	all := r.AllTables()
	if len(all) != 1 || all[0].Database != "fresh" {
		t.Errorf("expected only the fresh table to survive sweep, got %+v", all)
	}
}

func TestRegistryConcurrentReadWrite(t *testing.T) {
	r := NewRegistry()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			r.Register(Table{Database: "neo4j", ExpirationTime: time.Now().Add(time.Minute)})
		}
	}()
	for i := 0; i < 100; i++ {
		_ = r.Get("neo4j", func() Table { return Table{} })
	}
	<-done
}
