package sender

import (
	"testing"
	"time"
)

func TestRecentCacheAllowsFirstAttempt(t *testing.T) {
	c := newRecentCache(16)
	now := time.Now()
	if !c.allow(1, 0, now) {
		t.Fatal("first service attempt for a (segment, chunk) pair must be allowed")
	}
}

func TestRecentCacheBlocksWithinWindow(t *testing.T) {
	c := newRecentCache(16)
	now := time.Now()
	c.allow(1, 0, now)
	if c.allow(1, 0, now.Add(50*time.Millisecond)) {
		t.Fatal("re-service within the dedup window should be blocked")
	}
}

func TestRecentCacheAllowsAfterWindow(t *testing.T) {
	c := newRecentCache(16)
	now := time.Now()
	c.allow(1, 0, now)
	if !c.allow(1, 0, now.Add(200*time.Millisecond)) {
		t.Fatal("re-service after the dedup window elapses should be allowed")
	}
}

func TestRecentCacheEvictsOldestWhenFull(t *testing.T) {
	c := newRecentCache(2)
	now := time.Now()
	c.allow(1, 0, now)
	c.allow(2, 0, now)
	c.allow(3, 0, now) // ring full: overwrites the (1, 0) record.
	if !c.allow(1, 0, now) {
		t.Fatal("an evicted pair must be serviceable again immediately")
	}
	if c.allow(3, 0, now) {
		t.Fatal("a retained pair must still be blocked within the window")
	}
}

func TestRecentCacheKeysAreIndependent(t *testing.T) {
	c := newRecentCache(16)
	now := time.Now()
	c.allow(1, 0, now)
	if !c.allow(1, 1, now) {
		t.Fatal("a different chunk id within the same segment must not be blocked")
	}
	if !c.allow(2, 0, now) {
		t.Fatal("the same chunk id in a different segment must not be blocked")
	}
}
