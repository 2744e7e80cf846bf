package debounce

import (
	"testing"
	"time"
)

func TestFiresOnceWithLatestArgs(t *testing.T) {
	fired := make(chan int, 4)
	d := New(50*time.Millisecond, func(v int) { fired <- v })

	if !d.UpdateArgs(1) {
		t.Fatal("UpdateArgs(1) = false, want true")
	}
	if !d.UpdateArgs(2) {
		t.Fatal("UpdateArgs(2) = false, want true")
	}

	select {
	case v := <-fired:
		if v != 2 {
			t.Errorf("fired with %d, want latest args 2", v)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("debounce never fired")
	}

	select {
	case v := <-fired:
		t.Errorf("debounce fired twice, second value %d", v)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestRearmDelaysFire(t *testing.T) {
	fired := make(chan int, 1)
	d := New(400*time.Millisecond, func(v int) { fired <- v })

	d.UpdateArgs(1)
	time.Sleep(200 * time.Millisecond)
	d.UpdateArgs(2)

	// Quiet window spanning the original deadline: a fire here means the
	// rearm did not cancel the first timer.
	select {
	case <-fired:
		t.Fatal("debounce fired at the original deadline despite rearm")
	case <-time.After(300 * time.Millisecond):
	}

	select {
	case v := <-fired:
		if v != 2 {
			t.Errorf("fired with %d, want 2", v)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("debounce never fired after rearm")
	}
}

func TestUpdateArgsAfterFire(t *testing.T) {
	fired := make(chan int, 2)
	d := New(20*time.Millisecond, func(v int) { fired <- v })

	d.UpdateArgs(1)
	<-fired

	if d.UpdateArgs(2) {
		t.Error("UpdateArgs = true after the debounce fired, want false")
	}
}

func TestRescheduleAfterFire(t *testing.T) {
	fired := make(chan int, 2)
	d := New(20*time.Millisecond, func(v int) { fired <- v })

	d.UpdateArgs(7)
	<-fired

	if !d.Reschedule() {
		t.Fatal("Reschedule() = false after fire, want true")
	}

	select {
	case v := <-fired:
		if v != 7 {
			t.Errorf("rescheduled fire got %d, want stored args 7", v)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("rescheduled debounce never fired")
	}

	// A completed fire makes UpdateArgs usable again only via Reschedule.
	if d.UpdateArgs(9) {
		t.Error("UpdateArgs = true after rescheduled fire completed, want false")
	}
}

func TestRescheduleWithoutArgs(t *testing.T) {
	d := New(20*time.Millisecond, func(int) {})
	if d.Reschedule() {
		t.Error("Reschedule() = true with no stored args, want false")
	}
}

func TestStopCancelsPendingFire(t *testing.T) {
	fired := make(chan int, 1)
	d := New(50*time.Millisecond, func(v int) { fired <- v })

	d.UpdateArgs(1)
	d.Stop()

	select {
	case <-fired:
		t.Fatal("debounce fired after Stop")
	case <-time.After(200 * time.Millisecond):
	}
}
