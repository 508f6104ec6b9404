package health

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func TestCheckAll_EmptyRegistryIsHealthy(t *testing.T) {
	r := NewRegistry()
	healthy, statuses := r.CheckAll(context.Background())
	if !healthy {
		t.Fatal("empty registry should report healthy")
	}
	if len(statuses) != 0 {
		t.Fatalf("statuses = %d, want 0", len(statuses))
	}
}

func TestCheckAll_AggregatesSubsystems(t *testing.T) {
	r := NewRegistry()
	r.Register("database", func(_ context.Context) Status {
		return Status{Name: "database", Healthy: true}
	})
	r.Register("stripe", func(_ context.Context) Status {
		return Status{Name: "stripe", Healthy: true, Detail: "reachable"}
	})

	healthy, statuses := r.CheckAll(context.Background())
	if !healthy {
		t.Fatal("all subsystems healthy, registry should agree")
	}
	if len(statuses) != 2 {
		t.Fatalf("statuses = %d, want 2", len(statuses))
	}
	if statuses[0].Name != "database" || statuses[1].Name != "stripe" {
		t.Fatalf("statuses out of registration order: %+v", statuses)
	}
}

func TestCheckAll_OneFailureTurnsUnhealthy(t *testing.T) {
	r := NewRegistry()
	r.Register("database", func(_ context.Context) Status {
		return Status{Name: "database", Healthy: false, Detail: "connection refused"}
	})
	r.Register("stripe", func(_ context.Context) Status {
		return Status{Name: "stripe", Healthy: true}
	})

	healthy, statuses := r.CheckAll(context.Background())
	if healthy {
		t.Fatal("one failing subsystem should make the registry unhealthy")
	}
	if statuses[0].Detail != "connection refused" {
		t.Fatalf("Detail = %q, want %q", statuses[0].Detail, "connection refused")
	}
}

func TestPing_TranslatesErrors(t *testing.T) {
	ok := Ping("database", func(_ context.Context) error { return nil })
	st := ok(context.Background())
	if !st.Healthy || st.Name != "database" || st.Detail != "" {
		t.Fatalf("healthy ping produced %+v", st)
	}

	down := Ping("database", func(_ context.Context) error {
		return errors.New("dial tcp: connection refused")
	})
	st = down(context.Background())
	if st.Healthy {
		t.Fatal("failing ping should be unhealthy")
	}
	if st.Detail != "dial tcp: connection refused" {
		t.Fatalf("Detail = %q, want the probe error text", st.Detail)
	}
}

func TestRegistry_ConcurrentRegisterAndCheck(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Register("database", Ping("database", func(_ context.Context) error { return nil }))
		}()
	}
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.CheckAll(context.Background())
		}()
	}

	wg.Wait()
}
