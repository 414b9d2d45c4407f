package core

import (
	"context"
	"testing"
	"time"
)

// flush waits until every task posted before it has run.
func flush(t *testing.T, d *Dispatcher) {
	t.Helper()
	done := make(chan struct{})
	d.Post(func() { close(done) })
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not drain in time")
	}
}

func TestDispatcherRunsTasksInOrder(t *testing.T) {
	d := NewDispatcher(16)
	d.Run(context.Background())
	defer d.Stop()

	var got []int
	for i := 0; i < 5; i++ {
		i := i
		d.Post(func() { got = append(got, i) })
	}
	flush(t, d)

	for i, v := range got {
		if v != i {
			t.Fatalf("task order = %v", got)
		}
	}
}

func TestDispatcherPostAfterStop(t *testing.T) {
	d := NewDispatcher(16)
	d.Run(context.Background())
	d.Stop()

	ran := false
	d.Post(func() { ran = true }) // must not block or run
	time.Sleep(20 * time.Millisecond)
	if ran {
		t.Error("task ran after Stop")
	}
}

func TestDispatcherPostDelayed(t *testing.T) {
	d := NewDispatcher(16)
	d.Run(context.Background())
	defer d.Stop()

	fired := make(chan struct{})
	d.PostDelayed(10*time.Millisecond, func() { close(fired) })

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("delayed task never fired")
	}
}

func TestDispatcherPostDelayedDisarm(t *testing.T) {
	d := NewDispatcher(16)
	d.Run(context.Background())
	defer d.Stop()

	ran := false
	timer := d.PostDelayed(50*time.Millisecond, func() { ran = true })
	timer.Stop()

	time.Sleep(100 * time.Millisecond)
	flush(t, d)
	if ran {
		t.Error("disarmed timer still ran")
	}
}

func TestDispatcherDrain(t *testing.T) {
	d := NewDispatcher(16)
	d.Run(context.Background())
	defer d.Stop()

	for i := 0; i < 10; i++ {
		d.Post(func() {})
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := d.Drain(ctx); err != nil {
		t.Errorf("Drain() error = %v", err)
	}
}
