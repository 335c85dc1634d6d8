package lookup

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/angelmondragon/farmmarket-backend/pkg/config"
	pkgerrors "github.com/angelmondragon/farmmarket-backend/pkg/errors"
)

func testConfig() config.LookupConfig {
	return config.LookupConfig{
		Timeout:          50 * time.Millisecond,
		BreakerFailures:  2,
		BreakerCooldown:  time.Minute,
		BreakerHalfOpenN: 1,
	}
}

func TestGuardReturnsValue(t *testing.T) {
	g := NewGuard("catalog", testConfig(), nil)
	val, err := g.Do(context.Background(), "k", func(ctx context.Context) (any, error) {
		return 42, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if val.(int) != 42 {
		t.Fatalf("expected 42, got %v", val)
	}
}

func TestGuardTimeoutIsDependency(t *testing.T) {
	g := NewGuard("catalog", testConfig(), nil)
	_, err := g.Do(context.Background(), "slow", func(ctx context.Context) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	if !pkgerrors.IsCode(err, pkgerrors.CodeDependency) {
		t.Fatalf("expected dependency error, got %v", err)
	}
	if !pkgerrors.IsRetryable(err) {
		t.Fatal("dependency errors should be retryable")
	}
}

func TestGuardNotFoundPassesThroughWithoutTripping(t *testing.T) {
	g := NewGuard("identity", testConfig(), nil)
	for i := 0; i < 5; i++ {
		_, err := g.Do(context.Background(), "missing", func(ctx context.Context) (any, error) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "user not found")
		})
		if !pkgerrors.IsCode(err, pkgerrors.CodeNotFound) {
			t.Fatalf("expected not found, got %v", err)
		}
	}
	if g.State() != gobreaker.StateClosed {
		t.Fatalf("breaker should stay closed, got %s", g.State())
	}
}

func TestGuardBreakerOpens(t *testing.T) {
	g := NewGuard("catalog", testConfig(), nil)
	var calls int32
	failing := func(ctx context.Context) (any, error) {
		atomic.AddInt32(&calls, 1)
		return nil, errors.New("connection refused")
	}
	for i := 0; i < 2; i++ {
		if _, err := g.Do(context.Background(), "k", failing); !pkgerrors.IsCode(err, pkgerrors.CodeDependency) {
			t.Fatalf("expected dependency error, got %v", err)
		}
	}
	_, err := g.Do(context.Background(), "k", failing)
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Fatalf("expected open breaker, got %v", err)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("open breaker should not call through, calls=%d", calls)
	}
}

func TestGuardCollapsesConcurrentCalls(t *testing.T) {
	g := NewGuard("catalog", config.LookupConfig{Timeout: time.Second}, nil)
	var calls int32
	release := make(chan struct{})
	started := make(chan struct{})
	var once sync.Once

	fn := func(ctx context.Context) (any, error) {
		atomic.AddInt32(&calls, 1)
		once.Do(func() { close(started) })
		<-release
		return "item", nil
	}

	var wg sync.WaitGroup
	results := make([]any, 5)
	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0], _ = g.Do(context.Background(), "same", fn)
	}()
	<-started
	for i := 1; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = g.Do(context.Background(), "same", fn)
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected a single underlying call, got %d", calls)
	}
	for i, r := range results {
		if r != "item" {
			t.Fatalf("result %d = %v", i, r)
		}
	}
}

func TestGuardCallerCancellation(t *testing.T) {
	g := NewGuard("catalog", config.LookupConfig{Timeout: time.Second}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := g.Do(ctx, "k", func(ctx context.Context) (any, error) {
		time.Sleep(10 * time.Millisecond)
		return 1, nil
	})
	if !pkgerrors.IsCode(err, pkgerrors.CodeDependency) {
		t.Fatalf("expected dependency error for cancelled caller, got %v", err)
	}
}
