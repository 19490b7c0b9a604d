package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestLimiter_AllowsUpToRate(t *testing.T) {
	l := New(5, time.Minute)
	for i := 0; i < 5; i++ {
		if !l.Allow() {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}
	if l.Allow() {
		t.Fatal("6th request should be denied")
	}
}

func TestLimiter_ResetsAfterWindow(t *testing.T) {
	l := New(2, 50*time.Millisecond)
	l.Allow()
	l.Allow()
	if l.Allow() {
		t.Fatal("3rd should be denied")
	}
	time.Sleep(60 * time.Millisecond)
	if !l.Allow() {
		t.Fatal("after window reset should be allowed")
	}
}

func TestLimiter_WaitBlocksUntilNextWindow(t *testing.T) {
	l := New(1, 50*time.Millisecond)
	ctx := context.Background()
	if err := l.Wait(ctx); err != nil {
		t.Fatalf("first wait: %v", err)
	}
	start := time.Now()
	if err := l.Wait(ctx); err != nil {
		t.Fatalf("second wait: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 30*time.Millisecond {
		t.Fatalf("second wait returned after %v, want it to block for the window", elapsed)
	}
}

func TestLimiter_WaitHonoursContext(t *testing.T) {
	l := New(1, time.Hour)
	l.Allow()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := l.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Wait = %v, want deadline exceeded", err)
	}
}

func TestKeyed_IndependentKeys(t *testing.T) {
	k := NewKeyed(1, time.Minute)
	if !k.Allow("alice.example") {
		t.Fatal("first alice request should be allowed")
	}
	if k.Allow("alice.example") {
		t.Fatal("second alice request should be denied")
	}
	if !k.Allow("bob.example") {
		t.Fatal("bob has a separate window")
	}
	if k.Len() != 2 {
		t.Fatalf("Len = %d, want 2", k.Len())
	}
}

func TestKeyed_Cleanup(t *testing.T) {
	k := NewKeyed(1, 20*time.Millisecond)
	k.Allow("a")
	k.Allow("b")
	if n := k.Cleanup(); n != 0 {
		t.Fatalf("Cleanup removed %d live limiters", n)
	}
	time.Sleep(30 * time.Millisecond)
	if n := k.Cleanup(); n != 2 {
		t.Fatalf("Cleanup = %d, want 2", n)
	}
	if k.Len() != 0 {
		t.Fatalf("Len = %d after cleanup", k.Len())
	}
}
