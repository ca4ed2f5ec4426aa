// Package registrytest provides a conformance suite that every
// registry.Registry implementation must pass.
package registrytest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/wsconnect-go/registry"
)

// Factory returns a fresh, empty registry for one subtest.
type Factory func(t *testing.T) registry.Registry

// RunRegistryTests runs the conformance suite against registries produced by
// newRegistry.
func RunRegistryTests(t *testing.T, newRegistry Factory) {
	t.Helper()

	t.Run("PutAndGet", func(t *testing.T) { testPutAndGet(t, newRegistry(t)) })
	t.Run("GetMissing", func(t *testing.T) { testGetMissing(t, newRegistry(t)) })
	t.Run("OverwriteSameConnection", func(t *testing.T) { testOverwrite(t, newRegistry(t)) })
	t.Run("OptionalFields", func(t *testing.T) { testOptionalFields(t, newRegistry(t)) })
	t.Run("RejectsInvalidRecord", func(t *testing.T) { testInvalid(t, newRegistry(t)) })
	t.Run("TTL", func(t *testing.T) { testTTL(t, newRegistry(t)) })
	t.Run("ConcurrentPutsSameConnection", func(t *testing.T) { testConcurrentPuts(t, newRegistry(t)) })
}

func record(conn, principal, tenant string) *registry.ConnectionRecord {
	return &registry.ConnectionRecord{
		ConnectionID: conn,
		PrincipalID:  principal,
		TenantID:     tenant,
		DisplayName:  principal + "-name",
		ConnectedAt:  time.Now().UTC().Truncate(time.Millisecond),
	}
}

func mustGet(t *testing.T, r registry.Registry, conn string) *registry.ConnectionRecord {
	t.Helper()
	got, err := r.Get(context.Background(), conn)
	if err != nil {
		t.Fatalf("get %s: %v", conn, err)
	}
	return got
}

func testPutAndGet(t *testing.T, r registry.Registry) {
	ctx := context.Background()
	want := record("c1", "u1", "t1")
	if err := r.Put(ctx, want); err != nil {
		t.Fatalf("put: %v", err)
	}

	got := mustGet(t, r, "c1")
	if got == nil {
		t.Fatal("expected record to exist, got nil")
	}
	if got.ConnectionID != want.ConnectionID || got.PrincipalID != want.PrincipalID ||
		got.TenantID != want.TenantID || got.DisplayName != want.DisplayName {
		t.Fatalf("record mismatch: got %+v, want %+v", got, want)
	}
	if !got.ConnectedAt.Equal(want.ConnectedAt) {
		t.Fatalf("connectedAt = %v, want %v", got.ConnectedAt, want.ConnectedAt)
	}
	if got.ExpiresAt != nil {
		t.Fatalf("expected no expiry without TTL, got %v", got.ExpiresAt)
	}
}

func testGetMissing(t *testing.T, r registry.Registry) {
	if got := mustGet(t, r, "does-not-exist"); got != nil {
		t.Fatalf("expected nil for missing connection, got %+v", got)
	}
}

func testOverwrite(t *testing.T, r registry.Registry) {
	ctx := context.Background()
	if err := r.Put(ctx, record("c1", "u1", "t1")); err != nil {
		t.Fatalf("first put: %v", err)
	}
	if err := r.Put(ctx, record("c1", "u2", "")); err != nil {
		t.Fatalf("second put: %v", err)
	}

	got := mustGet(t, r, "c1")
	if got == nil {
		t.Fatal("expected record after overwrite")
	}
	if got.PrincipalID != "u2" {
		t.Fatalf("want most recent principal u2, got %s", got.PrincipalID)
	}
	if got.TenantID != "" {
		t.Fatalf("overwrite must replace the whole record, tenant still %q", got.TenantID)
	}
}

func testOptionalFields(t *testing.T, r registry.Registry) {
	ctx := context.Background()
	rec := &registry.ConnectionRecord{ConnectionID: "c2", PrincipalID: "u1"}
	if err := r.Put(ctx, rec); err != nil {
		t.Fatalf("put: %v", err)
	}
	got := mustGet(t, r, "c2")
	if got == nil {
		t.Fatal("expected record")
	}
	if got.TenantID != "" || got.DisplayName != "" {
		t.Fatalf("expected empty optional fields, got %+v", got)
	}
}

func testInvalid(t *testing.T, r registry.Registry) {
	ctx := context.Background()
	for _, rec := range []*registry.ConnectionRecord{
		{PrincipalID: "u1"},
		{ConnectionID: "c1"},
	} {
		if err := r.Put(ctx, rec); !errors.Is(err, registry.ErrInvalidRecord) {
			t.Fatalf("want ErrInvalidRecord for %+v, got %v", rec, err)
		}
	}
}

func testTTL(t *testing.T, r registry.Registry) {
	ctx := context.Background()
	if err := r.Put(ctx, record("long", "u1", ""), registry.WithTTL(time.Hour)); err != nil {
		t.Fatalf("put: %v", err)
	}
	got := mustGet(t, r, "long")
	if got == nil {
		t.Fatal("expected unexpired record")
	}
	if got.ExpiresAt == nil {
		t.Fatal("expected expiry to be recorded")
	}

	if err := r.Put(ctx, record("short", "u1", ""), registry.WithTTL(100*time.Millisecond)); err != nil {
		t.Fatalf("put: %v", err)
	}
	time.Sleep(1100 * time.Millisecond)
	if got := mustGet(t, r, "short"); got != nil {
		t.Fatalf("expected expired record to be gone, got %+v", got)
	}
}

func testConcurrentPuts(t *testing.T, r registry.Registry) {
	ctx := context.Background()
	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := r.Put(ctx, record("shared", fmt.Sprintf("u%d", i), "")); err != nil {
				t.Errorf("put %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	got := mustGet(t, r, "shared")
	if got == nil {
		t.Fatal("expected a record after concurrent puts")
	}
	var ok bool
	for i := 0; i < n; i++ {
		if got.PrincipalID == fmt.Sprintf("u%d", i) {
			ok = true
		}
	}
	if !ok {
		t.Fatalf("unexpected principal %q", got.PrincipalID)
	}
}
