package locks

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestAcquireIsExclusive(t *testing.T) {
	r := NewRegistry(10)
	ctx := context.Background()

	release, err := r.Acquire(ctx, "k", time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := r.Acquire(ctx, "k", 50*time.Millisecond); !errors.Is(err, ErrLockTimeout) {
		t.Errorf("second acquire = %v, want ErrLockTimeout", err)
	}

	release()
	release2, err := r.Acquire(ctx, "k", time.Second)
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	release2()

	if r.Len() != 0 {
		t.Errorf("registry holds %d locks after release", r.Len())
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	r := NewRegistry(10)
	release, err := r.Acquire(context.Background(), "k", time.Second)
	if err != nil {
		t.Fatal(err)
	}
	release()
	release() // second call must be a no-op, not a double token
	if r.Len() != 0 {
		t.Errorf("registry holds %d locks", r.Len())
	}
}

func TestRegistryCap(t *testing.T) {
	r := NewRegistry(2)
	ctx := context.Background()

	r1, err := r.Acquire(ctx, "a", time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer r1()
	r2, err := r.Acquire(ctx, "b", time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer r2()

	if _, err := r.Acquire(ctx, "c", time.Second); !errors.Is(err, ErrTooManyLocks) {
		t.Errorf("acquire over cap = %v, want ErrTooManyLocks", err)
	}
}

// Two goroutines locking overlapping key sets in opposite declaration order
// must both finish: AcquireAll sorts internally.
func TestAcquireAllAvoidsDeadlock(t *testing.T) {
	r := NewRegistry(10)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for _, keys := range [][]string{{"BTC/USDT", "ETH/USDT"}, {"ETH/USDT", "BTC/USDT"}} {
		wg.Add(1)
		go func(keys []string) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				release, err := r.AcquireAll(ctx, keys, 5*time.Second)
				if err != nil {
					errs <- err
					return
				}
				release()
			}
		}(keys)
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case err := <-errs:
		t.Fatalf("acquire all: %v", err)
	case <-time.After(10 * time.Second):
		t.Fatal("deadlock: overlapping AcquireAll never finished")
	}
	if r.Len() != 0 {
		t.Errorf("registry holds %d locks after the run", r.Len())
	}
}

func TestAcquireAllReleasesOnFailure(t *testing.T) {
	r := NewRegistry(10)
	ctx := context.Background()

	hold, err := r.Acquire(ctx, "b", time.Second)
	if err != nil {
		t.Fatal(err)
	}

	// "a" acquires, then "b" times out; "a" must be released on the way out.
	if _, err := r.AcquireAll(ctx, []string{"a", "b"}, 50*time.Millisecond); !errors.Is(err, ErrLockTimeout) {
		t.Fatalf("acquire all = %v, want ErrLockTimeout", err)
	}
	quick, err := r.Acquire(ctx, "a", 50*time.Millisecond)
	if err != nil {
		t.Fatalf("lock %q leaked by failed AcquireAll: %v", "a", err)
	}
	quick()
	hold()
}

func TestAcquireHonorsContext(t *testing.T) {
	r := NewRegistry(10)
	hold, err := r.Acquire(context.Background(), "k", time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer hold()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	if _, err := r.Acquire(ctx, "k", 5*time.Second); !errors.Is(err, context.Canceled) {
		t.Errorf("acquire = %v, want context.Canceled", err)
	}
}
