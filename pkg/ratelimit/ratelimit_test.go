package ratelimit

import (
	"testing"
	"time"
)

func TestAllowWithinLimit(t *testing.T) {
	l := NewLimiter(time.Minute, 3)

	for i := 0; i < 3; i++ {
		if !l.Allow("client-a") {
			t.Fatalf("hit %d should be allowed", i+1)
		}
	}

	if l.Allow("client-a") {
		t.Error("fourth hit should be denied")
	}
}

func TestKeysAreIndependent(t *testing.T) {
	l := NewLimiter(time.Minute, 1)

	if !l.Allow("client-a") {
		t.Fatal("first key should be allowed")
	}
	if !l.Allow("client-b") {
		t.Error("second key should not share the first key's count")
	}
	if l.Allow("client-a") {
		t.Error("first key should be at its limit")
	}
}

func TestWindowExpiry(t *testing.T) {
	l := NewLimiter(20*time.Millisecond, 1)

	if !l.Allow("client-a") {
		t.Fatal("first hit should be allowed")
	}
	if l.Allow("client-a") {
		t.Fatal("second hit inside the window should be denied")
	}

	time.Sleep(30 * time.Millisecond)

	if !l.Allow("client-a") {
		t.Error("hit after the window elapsed should be allowed")
	}
}
