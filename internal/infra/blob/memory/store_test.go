package memory

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"testing"

	"mslt/internal/blob/core"
)

func TestStoreMissingHeadGet(t *testing.T) {
	store := New()
	ctx := context.Background()
	if _, err := store.Head(ctx, "missing"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected ErrNotFound from head, got %v", err)
	}
	if _, _, err := store.Get(ctx, "missing"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected ErrNotFound from get, got %v", err)
	}
	if ok, err := store.Delete(ctx, "missing"); err != nil || ok {
		t.Fatalf("expected delete false")
	}
}

func TestStorePutGetListDelete(t *testing.T) {
	store := New()
	ctx := context.Background()
	md := map[string]string{"run": "r1"}
	if _, err := store.Put(ctx, "runs/r1/mm/2020.csv", bytes.NewReader([]byte("a,b\n")), core.PutOptions{ContentType: "text/csv", Metadata: md}); err != nil {
		t.Fatalf("put: %v", err)
	}
	md["run"] = "mutated"
	if _, err := store.Put(ctx, "runs/r1/mm/2020.csv", bytes.NewReader([]byte("x")), core.PutOptions{}); !errors.Is(err, core.ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}
	if _, err := store.Put(ctx, "runs/r2/summary.csv", bytes.NewReader(nil), core.PutOptions{}); err != nil {
		t.Fatalf("put second: %v", err)
	}

	info, rc, err := store.Get(ctx, "runs/r1/mm/2020.csv")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	body, _ := io.ReadAll(rc)
	_ = rc.Close()
	if string(body) != "a,b\n" || info.ContentType != "text/csv" || info.Metadata["run"] != "r1" {
		t.Fatalf("unexpected blob %+v %q", info, body)
	}

	list, err := store.List(ctx, "runs/r1/")
	if err != nil || len(list) != 1 {
		t.Fatalf("list prefix: %v %d", err, len(list))
	}
	all, _ := store.List(ctx, "")
	if len(all) != 2 || all[0].Key > all[1].Key {
		t.Fatalf("expected two sorted keys, got %+v", all)
	}
	if ok, err := store.Delete(ctx, "runs/r2/summary.csv"); err != nil || !ok {
		t.Fatalf("expected delete true")
	}
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, fmt.Errorf("fail") }

func TestStorePutReadErrorAndDriver(t *testing.T) {
	store := New()
	if store.Driver() != core.DriverMemory {
		t.Fatalf("expected memory driver")
	}
	if _, err := store.Put(context.Background(), "bad", failingReader{}, core.PutOptions{}); err == nil {
		t.Fatalf("expected read error")
	}
}
