package parallel

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
)

func collectArgs(mu *sync.Mutex, seen *[]int) Task {
	return func(ctx context.Context, arg interface{}) error {
		mu.Lock()
		defer mu.Unlock()
		*seen = append(*seen, arg.(int))
		return nil
	}
}

func TestSerialVisitsAllArgsInOrder(t *testing.T) {
	var seen []int
	args := []interface{}{1, 2, 3, 4}
	if err := (Serial{}).Map(context.Background(), args, collectArgs(&sync.Mutex{}, &seen)); err != nil {
		t.Fatal(err)
	}
	if len(seen) != 4 {
		t.Fatalf("expected 4 visits, got %d", len(seen))
	}
	for i, v := range seen {
		if v != i+1 {
			t.Fatalf("expected in-order visit, got %v", seen)
		}
	}
}

func TestSerialPropagatesTaskError(t *testing.T) {
	args := []interface{}{1, 2, 3}
	wantErr := errors.New("boom")
	err := (Serial{}).Map(context.Background(), args, func(ctx context.Context, arg interface{}) error {
		if arg.(int) == 2 {
			return wantErr
		}
		return nil
	})
	if err != wantErr {
		t.Fatalf("expected %v, got %v", wantErr, err)
	}
}

func TestWorkerPoolVisitsEveryArgExactlyOnce(t *testing.T) {
	var mu sync.Mutex
	var seen []int
	args := make([]interface{}, 0, 100)
	for i := 0; i < 100; i++ {
		args = append(args, i)
	}
	wp := WorkerPool{Workers: 8}
	if err := wp.Map(context.Background(), args, collectArgs(&mu, &seen)); err != nil {
		t.Fatal(err)
	}
	sort.Ints(seen)
	if len(seen) != 100 {
		t.Fatalf("expected 100 visits, got %d", len(seen))
	}
	for i, v := range seen {
		if v != i {
			t.Fatalf("expected every arg visited exactly once, missing or duplicated around index %d", i)
		}
	}
}

func TestWorkerPoolEmptyArgsIsNoop(t *testing.T) {
	called := false
	wp := WorkerPool{Workers: 4}
	if err := wp.Map(context.Background(), nil, func(ctx context.Context, arg interface{}) error {
		called = true
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if called {
		t.Fatal("expected task to never be called for an empty argument list")
	}
}

func TestWorkerPoolSurfacesTaskError(t *testing.T) {
	args := []interface{}{1, 2, 3, 4, 5}
	err := WorkerPool{Workers: 2}.Map(context.Background(), args, func(ctx context.Context, arg interface{}) error {
		if arg.(int) == 3 {
			return errors.New("bad arg")
		}
		return nil
	})
	if err == nil {
		t.Fatal("expected an error to propagate from a failing task")
	}
}
