package health

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
)

func TestRegistryEmpty(t *testing.T) {
	r := NewRegistry()
	healthy, statuses := r.CheckAll(context.Background())
	if !healthy {
		t.Fatal("empty registry should be healthy")
	}
	if len(statuses) != 0 {
		t.Fatalf("expected 0 statuses, got %d", len(statuses))
	}
}

func TestRegistryAllHealthy(t *testing.T) {
	r := NewRegistry()
	r.Register("events", func(_ context.Context) Status {
		return Status{Name: "events", Healthy: true}
	})
	r.Register("corpus", func(_ context.Context) Status {
		return Status{Name: "corpus", Healthy: true, Detail: "ok"}
	})

	healthy, statuses := r.CheckAll(context.Background())
	if !healthy {
		t.Fatal("all-healthy registry should report healthy")
	}
	if len(statuses) != 2 {
		t.Fatalf("expected 2 statuses, got %d", len(statuses))
	}
}

func TestRegistryOneUnhealthy(t *testing.T) {
	r := NewRegistry()
	r.Register("events", func(_ context.Context) Status {
		return Status{Name: "events", Healthy: true}
	})
	r.Register("corpus", func(_ context.Context) Status {
		return Status{Name: "corpus", Healthy: false, Detail: "connection refused"}
	})

	healthy, statuses := r.CheckAll(context.Background())
	if healthy {
		t.Fatal("registry with unhealthy checker should report unhealthy")
	}
	if len(statuses) != 2 {
		t.Fatalf("expected 2 statuses, got %d", len(statuses))
	}
	if statuses[1].Detail != "connection refused" {
		t.Fatalf("expected detail 'connection refused', got %q", statuses[1].Detail)
	}
}

func TestRegistryConcurrentRegisterAndCheck(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup

	// Register concurrently
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			r.Register("checker", func(_ context.Context) Status {
				return Status{Name: "checker", Healthy: true}
			})
		}(i)
	}

	// Check concurrently
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.CheckAll(context.Background())
		}()
	}

	wg.Wait()
}

func TestPing(t *testing.T) {
	ok := Ping("events", func(ctx context.Context) error {
		if _, has := ctx.Deadline(); !has {
			t.Error("ping should run with a deadline")
		}
		return nil
	})(context.Background())
	if !ok.Healthy || ok.Name != "events" {
		t.Fatalf("expected healthy events status, got %+v", ok)
	}

	failed := Ping("corpus", func(context.Context) error {
		return errors.New("dial tcp: connection refused")
	})(context.Background())
	if failed.Healthy || failed.Detail != "dial tcp: connection refused" {
		t.Fatalf("expected unhealthy corpus status with detail, got %+v", failed)
	}
}

func TestCondition(t *testing.T) {
	var loaded atomic.Bool
	r := NewRegistry()
	r.Register("model", Condition("model", loaded.Load, "no model loaded"))

	healthy, statuses := r.CheckAll(context.Background())
	if healthy || statuses[0].Detail != "no model loaded" {
		t.Fatalf("expected unhealthy model, got %+v", statuses)
	}

	loaded.Store(true)
	if healthy, _ := r.CheckAll(context.Background()); !healthy {
		t.Fatal("expected healthy once the model is loaded")
	}
}
