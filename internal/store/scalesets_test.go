package store_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/microsoft/onefuzz/internal/store"
)

func TestInsertScaleset_RejectsMissingPool(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	sc := &store.Scaleset{PoolName: "ghost-pool", VMSku: "Standard_D2s_v3", Image: "canonical:ubuntu", Region: "eastus"}
	err := st.InsertScaleset(ctx, sc)
	if !errors.Is(err, store.ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
	if !strings.Contains(err.Error(), "ghost-pool") {
		t.Fatalf("expected the error to name the missing pool, got %q", err.Error())
	}
}

func TestInsertScaleset_RejectsUnmanagedPool(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	pool := &store.Pool{Name: "unmanaged", OS: "linux", Arch: "x64", Managed: false, State: store.PoolStateRunning}
	if err := st.InsertPool(ctx, pool); err != nil {
		t.Fatalf("insert pool: %v", err)
	}

	sc := &store.Scaleset{PoolName: pool.Name, VMSku: "Standard_D2s_v3", Image: "canonical:ubuntu", Region: "eastus"}
	err := st.InsertScaleset(ctx, sc)
	if !errors.Is(err, store.ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest for an unmanaged pool, got %v", err)
	}
}

func TestInsertScaleset_RejectsPoolNotYetRunning(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	pool := &store.Pool{Name: "still-init", OS: "linux", Arch: "x64", Managed: true}
	if err := st.InsertPool(ctx, pool); err != nil {
		t.Fatalf("insert pool: %v", err)
	}

	sc := &store.Scaleset{PoolName: pool.Name, VMSku: "Standard_D2s_v3", Image: "canonical:ubuntu", Region: "eastus"}
	err := st.InsertScaleset(ctx, sc)
	if !errors.Is(err, store.ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest for a pool still in init, got %v", err)
	}
}

func TestGetScaleset_UnknownIDIsNotFound(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	_, err := st.GetScaleset(ctx, "no-such-scaleset")
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for an unknown scaleset id, got %v", err)
	}
}

func TestInsertScaleset_SucceedsAgainstManagedRunningPool(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	pool := &store.Pool{Name: "managed-running", OS: "linux", Arch: "x64", Managed: true}
	if err := st.InsertPool(ctx, pool); err != nil {
		t.Fatalf("insert pool: %v", err)
	}
	if err := st.ReplacePoolState(ctx, pool.Name, store.PoolStateRunning, pool.RowVer); err != nil {
		t.Fatalf("pool -> running: %v", err)
	}

	sc := &store.Scaleset{ID: "ss1", PoolName: pool.Name, VMSku: "Standard_D2s_v3", Image: "canonical:ubuntu", Region: "eastus", Size: 4}
	if err := st.InsertScaleset(ctx, sc); err != nil {
		t.Fatalf("insert scaleset: %v", err)
	}

	got, err := st.GetScaleset(ctx, sc.ID)
	if err != nil {
		t.Fatalf("get scaleset: %v", err)
	}
	if got.PoolName != pool.Name || got.Size != 4 {
		t.Fatalf("unexpected scaleset record: %+v", got)
	}
}
