package sweeper

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"happysrt/api/internal/store"
)

type fakeLedger struct {
	batches [][]store.MediaObject
	err     error
	limits  []int
}

func (f *fakeLedger) ExpirePendingMedia(_ context.Context, limit int) ([]store.MediaObject, error) {
	f.limits = append(f.limits, limit)
	if f.err != nil {
		return nil, f.err
	}
	if len(f.batches) == 0 {
		return nil, nil
	}
	next := f.batches[0]
	f.batches = f.batches[1:]
	return next, nil
}

type fakeObjects struct {
	deleted []string
	failKey string
}

func (f *fakeObjects) Delete(_ context.Context, key string) error {
	if key == f.failKey {
		return errors.New("boom")
	}
	f.deleted = append(f.deleted, key)
	return nil
}

func objects(prefix string, n int) []store.MediaObject {
	out := make([]store.MediaObject, n)
	for i := range out {
		out[i] = store.MediaObject{ObjectKey: fmt.Sprintf("%s-%d", prefix, i)}
	}
	return out
}

func TestNewRejectsInvalidCron(t *testing.T) {
	if _, err := New(&fakeLedger{}, nil, "every tuesday", 10, nil); err == nil {
		t.Fatal("expected invalid cron error")
	}
}

func TestRunOnceDrainsBatches(t *testing.T) {
	ledger := &fakeLedger{batches: [][]store.MediaObject{objects("a", 2), objects("b", 1)}}
	objs := &fakeObjects{failKey: "a-1"}
	s, err := New(ledger, objs, "*/5 * * * *", 2, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	swept, err := s.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if swept != 3 {
		t.Fatalf("expected 3 swept, got %d", swept)
	}
	if len(objs.deleted) != 2 {
		t.Fatalf("expected 2 successful deletes, got %v", objs.deleted)
	}
	if len(ledger.limits) != 2 || ledger.limits[0] != 2 {
		t.Fatalf("unexpected ledger calls %v", ledger.limits)
	}
}

func TestRunOnceSurfacesLedgerError(t *testing.T) {
	s, err := New(&fakeLedger{err: errors.New("db down")}, nil, "* * * * *", 5, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if _, err := s.RunOnce(context.Background()); err == nil {
		t.Fatal("expected ledger error")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	s, err := New(&fakeLedger{}, nil, "* * * * *", 5, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	<-done
}
