package lock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestKeyedMutex_MutualExclusion(t *testing.T) {
	k := NewKeyedMutex()
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		inside  int
		maxSeen int
		mu      sync.Mutex
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := k.Acquire(ctx, "market-1")
			if err != nil {
				t.Errorf("Acquire: %v", err)
				return
			}
			mu.Lock()
			inside++
			if inside > maxSeen {
				maxSeen = inside
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			inside--
			mu.Unlock()
			release()
		}()
	}
	wg.Wait()

	if maxSeen != 1 {
		t.Errorf("expected at most one holder, saw %d", maxSeen)
	}
	if k.Len() != 0 {
		t.Errorf("expected lock map to be empty, has %d keys", k.Len())
	}
}

func TestKeyedMutex_IndependentKeys(t *testing.T) {
	k := NewKeyedMutex()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	a, err := k.Acquire(ctx, "a")
	if err != nil {
		t.Fatalf("Acquire a: %v", err)
	}
	defer a()

	b, err := k.Acquire(ctx, "b")
	if err != nil {
		t.Fatalf("Acquire b should not block on a: %v", err)
	}
	b()
}

func TestKeyedMutex_ContextCancel(t *testing.T) {
	k := NewKeyedMutex()

	release, err := k.Acquire(context.Background(), "m")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := k.Acquire(ctx, "m"); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected DeadlineExceeded, got %v", err)
	}

	release()
	release() // second call is a no-op

	again, err := k.Acquire(context.Background(), "m")
	if err != nil {
		t.Fatalf("Acquire after release: %v", err)
	}
	again()
	if k.Len() != 0 {
		t.Errorf("expected empty map, has %d keys", k.Len())
	}
}
