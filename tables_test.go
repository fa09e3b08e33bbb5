package mapweb

import (
	"context"
	"testing"
	"time"
)

func TestExportTableExportDedupsByIdentityAndIncrementsRefcount(t *testing.T) {
	table := NewExportTable()
	h := newCountingHook(new([]string), "h")

	id1 := table.Export(h)
	id2 := table.Export(h)
	if id1 != id2 {
		t.Fatalf("expected same export id for the same hook identity, got %d and %d", id1, id2)
	}

	// Two Exports -> refcount 2; one release of 1 must not remove the entry.
	if err := table.Release(id1, 1); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, err := table.Lookup(id1); err != nil {
		t.Fatalf("expected entry to survive one release of two references: %v", err)
	}
	if err := table.Release(id1, 1); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, err := table.Lookup(id1); err == nil {
		t.Fatal("expected entry removed after refcount reaches zero")
	}
}

func TestExportTableReleaseUnderflowErrors(t *testing.T) {
	table := NewExportTable()
	h := newCountingHook(new([]string), "h")
	id := table.Export(h)

	if err := table.Release(id, 5); err == nil {
		t.Fatal("expected refcount underflow error")
	}
}

func TestExportTableBootstrapCannotBeReleased(t *testing.T) {
	table := NewExportTable()
	h := newCountingHook(new([]string), "boot")
	table.SetBootstrap(h)

	if err := table.Release(BootstrapExportId, 1); err == nil {
		t.Fatal("expected error releasing the bootstrap export")
	}
}

func TestExportTableRegisterAtUsesExplicitId(t *testing.T) {
	table := NewExportTable()
	h := newCountingHook(new([]string), "h")

	table.registerAt(ExportId(7), h)
	got, err := table.Lookup(ExportId(7))
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if got != Hook(h) {
		t.Fatal("expected the registered hook back by its explicit id")
	}
}

func TestImportTableSettleAndPullFlow(t *testing.T) {
	table := NewImportTable()
	slot, hook := table.Open(ImportId(1), nil)

	if table.IsPending(ImportId(1)) != true {
		t.Fatal("expected import 1 to be pending before settle")
	}

	go func() {
		slot.settle(NewPayload("done"), nil)
	}()

	p, err := hook.Pull(context.Background())
	if err != nil {
		t.Fatalf("Pull: %v", err)
	}
	if p.Value != "done" {
		t.Fatalf("got %v, want done", p.Value)
	}
	if table.IsPending(ImportId(1)) {
		t.Fatal("expected import 1 no longer pending after settle")
	}
}

func TestImportTablePullTimesOutViaContext(t *testing.T) {
	table := NewImportTable()
	_, hook := table.Open(ImportId(1), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := hook.Pull(ctx)
	if err == nil {
		t.Fatal("expected context deadline error")
	}
}

func TestImportTableReleaseDisposesAtZero(t *testing.T) {
	var released []ImportId
	table := NewImportTable()
	_, _ = table.Open(ImportId(1), func(id ImportId, n int) {
		released = append(released, id)
	})

	// Open again to bump refcount to 2.
	_, _ = table.Open(ImportId(1), nil)

	if err := table.Release(ImportId(1), 1); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if len(released) != 0 {
		t.Fatalf("expected no release callback yet, got %v", released)
	}

	if err := table.Release(ImportId(1), 1); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if len(released) != 1 || released[0] != ImportId(1) {
		t.Fatalf("expected one release callback for import 1, got %v", released)
	}
}

func TestImportTableReleaseUnknownIdErrors(t *testing.T) {
	table := NewImportTable()
	if err := table.Release(ImportId(99), 1); err == nil {
		t.Fatal("expected error releasing an unknown import id")
	}
}

func TestImportTableBreakAllUnblocksPendingPulls(t *testing.T) {
	table := NewImportTable()
	_, hook := table.Open(ImportId(1), nil)

	done := make(chan error, 1)
	go func() {
		_, err := hook.Pull(context.Background())
		done <- err
	}()

	// Give the goroutine a moment to start waiting, then break the table.
	time.Sleep(5 * time.Millisecond)
	table.breakAll(newProtocolError("transport closed"))

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected an error after breakAll")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Pull did not unblock after breakAll")
	}
}

func TestRefCountPanicsOnUnderflow(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected panic on refcount underflow")
		}
	}()
	rc := newRefCount(nil)
	rc.dec()
	rc.dec()
}
