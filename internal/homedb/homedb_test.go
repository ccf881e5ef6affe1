package homedb

import (
	"context"
	"testing"
	"time"

	"github.com/graphdriver/core/internal/channel"
)

func TestPrincipalKeyPrefersImpersonatedUser(t *testing.T) {
	tok := channel.AuthToken{Scheme: "basic", Principal: "alice", Credentials: "secret"}
	k1 := PrincipalKey("bob", &tok)
	k2 := PrincipalKey("bob", nil)
	if k1 != k2 {
		t.Errorf("expected impersonated user to take precedence over the token")
	}
}

func TestPrincipalKeyFallsBackToTokenFingerprint(t *testing.T) {
	tok1 := channel.AuthToken{Scheme: "basic", Principal: "alice", Credentials: "secret"}
	tok2 := channel.AuthToken{Scheme: "basic", Principal: "alice", Credentials: "other"}
	if PrincipalKey("", &tok1) == PrincipalKey("", &tok2) {
		t.Errorf("expected distinct credentials to produce distinct keys")
	}
	if PrincipalKey("", &tok1) != PrincipalKey("", &tok1) {
		t.Errorf("expected the same credential to produce a stable key")
	}
}

func TestPrincipalKeyAnonymous(t *testing.T) {
	if PrincipalKey("", nil) != anonymousPrincipal {
		t.Errorf("expected the anonymous sentinel when no user or token is given")
	}
}

func TestCacheGetPutRoundTrip(t *testing.T) {
	c := NewCache(time.Minute)
	defer c.Stop()

	if _, ok := c.Get(context.Background(), "user:alice"); ok {
		t.Fatalf("expected a miss for an unseen principal")
	}
	c.Put("user:alice", "neo4j")
	db, ok := c.Get(context.Background(), "user:alice")
	if !ok || db != "neo4j" {
		t.Fatalf("expected a hit for neo4j, got (%q, %v)", db, ok)
	}
}

func TestCacheEntryExpires(t *testing.T) {
	c := NewCache(10 * time.Millisecond)
	defer c.Stop()

	c.Put("user:alice", "neo4j")
	time.Sleep(30 * time.Millisecond)
	if _, ok := c.Get(context.Background(), "user:alice"); ok {
		t.Errorf("expected the entry to have expired")
	}
}

func TestCacheForget(t *testing.T) {
	c := NewCache(time.Minute)
	defer c.Stop()

	c.Put("user:alice", "neo4j")
	c.Forget("user:alice")
	if _, ok := c.Get(context.Background(), "user:alice"); ok {
		t.Errorf("expected the entry to be gone after Forget")
	}
}
