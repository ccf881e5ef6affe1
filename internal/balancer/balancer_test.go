package balancer

import (
	"testing"

	"github.com/graphdriver/core/internal/address"
)

func TestSelectEmptyCandidates(t *testing.T) {
	b := New()
	_, ok := b.Select("neo4j/READ", nil, func(address.Address) int { return 0 })
	if ok {
		t.Errorf("expected Select to report false for an empty candidate list")
	}
}

func TestSelectPicksLeastConnected(t *testing.T) {
	b := New()
	a1 := address.New("n1", "7687")
	a2 := address.New("n2", "7687")
	a3 := address.New("n3", "7687")
	counts := map[address.Address]int{a1: 5, a2: 1, a3: 3}

	got, ok := b.Select("neo4j/READ", []address.Address{a1, a2, a3}, func(a address.Address) int { return counts[a] })
	if !ok || got != a2 {
		t.Errorf("expected least-connected a2, got %v (ok=%v)", got, ok)
	}
}

func TestSelectRoundRobinsOnTies(t *testing.T) {
	b := New()
	a1 := address.New("n1", "7687")
	a2 := address.New("n2", "7687")
	candidates := []address.Address{a1, a2}
	zero := func(address.Address) int { return 0 }

	first, _ := b.Select("neo4j/READ", candidates, zero)
	second, _ := b.Select("neo4j/READ", candidates, zero)
	third, _ := b.Select("neo4j/READ", candidates, zero)

	if first == second {
		t.Errorf("expected consecutive ties to round-robin, got %v then %v", first, second)
	}
	if third != first {
		t.Errorf("expected round-robin to cycle back after 2 candidates, got %v", third)
	}
}

func TestSelectCategoriesAreIndependent(t *testing.T) {
	b := New()
	a1 := address.New("n1", "7687")
	a2 := address.New("n2", "7687")
	candidates := []address.Address{a1, a2}
	zero := func(address.Address) int { return 0 }

	readFirst, _ := b.Select("neo4j/READ", candidates, zero)
	writeFirst, _ := b.Select("neo4j/WRITE", candidates, zero)

	if readFirst != writeFirst {
		t.Errorf("expected independent rotation per category to both start at the same candidate, got %v vs %v", readFirst, writeFirst)
	}
}
