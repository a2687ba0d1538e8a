package ratelimiter

import (
	"testing"
	"time"
)

func TestNewRejectsInvalidArgs(t *testing.T) {
	if New(0, 1, 0) != nil || New(1, 0, 0) != nil {
		t.Fatal("expected nil limiter for non-positive rate or burst")
	}
	var l *MapLimiter
	if !l.Allow("k", time.Now()) {
		t.Fatal("nil limiter must allow")
	}
	if l.Len() != 0 {
		t.Fatal("nil limiter has no keys")
	}
}

func TestAllowEnforcesBurstPerKey(t *testing.T) {
	l := New(1, 2, time.Minute)
	now := time.Unix(1_700_000_000, 0)
	key := Key("c1", "u1")
	if !l.Allow(key, now) || !l.Allow(key, now) {
		t.Fatal("burst of two should be allowed")
	}
	if l.Allow(key, now) {
		t.Fatal("third call in the same instant should be throttled")
	}
	if !l.Allow(Key("c2", "u1"), now) {
		t.Fatal("other keys have their own bucket")
	}
	if !l.Allow(key, now.Add(time.Second)) {
		t.Fatal("token should refill after one second")
	}
}

func TestIdleKeysAreEvicted(t *testing.T) {
	l := New(100, 100, time.Second)
	start := time.Unix(1_700_000_000, 0)
	l.Allow("stale", start)
	later := start.Add(time.Minute)
	for i := 0; i < sweepEvery; i++ {
		l.Allow("hot", later)
	}
	if l.Len() != 1 {
		t.Fatalf("expected stale key evicted, have %d keys", l.Len())
	}
}
