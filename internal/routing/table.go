// Package routing implements the Routing Table and Routing Table Registry
// (spec §3, §4.4, components B and C), adapted from the teacher's
// router.Router atomic-snapshot-swap idiom and grounded in the vendored
// neo4j router.go's databaseRouter/routingTable TTL model.
package routing

import (
	"fmt"
	"strings"
	"time"

	"github.com/graphdriver/core/internal/address"
)

// DefaultDatabase is the registry/home-db key used for "no database
// specified," collapsing the source driver's null-vs-empty-string
// distinction into a single Go-idiomatic empty string everywhere.
const DefaultDatabase = ""

// AccessMode selects which server list a caller intends to use.
type AccessMode int

const (
	Read AccessMode = iota
	Write
)

func (m AccessMode) String() string {
	if m == Write {
		return "WRITE"
	}
	return "READ"
}

// Table is one database's routing information (spec §3 "Routing Table").
// It is immutable except through the forget* methods, which return a new
// Table rather than mutating in place so a Table can be safely shared
// across readers once stored in a snapshot.
type Table struct {
	Database       string
	Routers        []address.Address
	Readers        []address.Address
	Writers        []address.Address
	ExpirationTime time.Time
	// Principal optionally records whose home-database resolution
	// produced this table (spec §3, feeds internal/homedb).
	Principal string
}

// StaleFor reports whether the table must be refreshed before serving mode.
func (t Table) StaleFor(mode AccessMode) bool {
	if !time.Now().Before(t.ExpirationTime) {
		return true
	}
	switch mode {
	case Write:
		return len(t.Writers) == 0
	default:
		return len(t.Readers) == 0
	}
}

// ExpiredForPurge reports whether the table is old enough that the
// registry sweeper should discard it outright (spec §3, typically 30s
// past ExpirationTime).
func (t Table) ExpiredForPurge(purgeDelay time.Duration) bool {
	return time.Since(t.ExpirationTime) >= purgeDelay
}

// AllServers returns the union of routers, readers, and writers, used for
// Pool.KeepAll after a routing table commit (spec §4.4).
func (t Table) AllServers() []address.Address {
	seen := make(map[address.Address]struct{}, len(t.Routers)+len(t.Readers)+len(t.Writers))
	var out []address.Address
	for _, group := range [][]address.Address{t.Routers, t.Readers, t.Writers} {
		for _, a := range group {
			if _, ok := seen[a]; ok {
				continue
			}
			seen[a] = struct{}{}
			out = append(out, a)
		}
	}
	return out
}

// Forget removes addr from both readers and writers (spec §3 forget).
func (t Table) Forget(addr address.Address) Table {
	t.Readers = removeAddress(t.Readers, addr)
	t.Writers = removeAddress(t.Writers, addr)
	return t
}

// ForgetWriter removes addr from writers only.
func (t Table) ForgetWriter(addr address.Address) Table {
	t.Writers = removeAddress(t.Writers, addr)
	return t
}

// ForgetRouter removes addr from routers only.
func (t Table) ForgetRouter(addr address.Address) Table {
	t.Routers = removeAddress(t.Routers, addr)
	return t
}

func removeAddress(list []address.Address, addr address.Address) []address.Address {
	out := make([]address.Address, 0, len(list))
	for _, a := range list {
		if a != addr {
			out = append(out, a)
		}
	}
	return out
}

// String renders a short diagnostic form used in ServiceUnavailable/
// SessionExpired error messages (spec §4.4 "Failure surface").
func (t Table) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "RoutingTable{database=%q, routers=%v, readers=%v, writers=%v, expires=%s}",
		t.Database, t.Routers, t.Readers, t.Writers, t.ExpirationTime.Format(time.RFC3339))
	return b.String()
}
