package core

import "testing"

func TestTimerOrdering(t *testing.T) {
	resetCoreState(t)

	var fired []int
	mk := func(id int, wake uint32) *Timer {
		timer := &Timer{WakeTime: wake}
		timer.Handler = func(*Timer) uint8 {
			fired = append(fired, id)
			return SF_DONE
		}
		return timer
	}

	// Insert out of order
	ScheduleTimer(mk(3, 300))
	ScheduleTimer(mk(1, 100))
	ScheduleTimer(mk(2, 200))

	SetTime(250)
	ProcessTimers()

	if len(fired) != 2 || fired[0] != 1 || fired[1] != 2 {
		t.Errorf("fired = %v, want [1 2]", fired)
	}

	SetTime(300)
	ProcessTimers()
	if len(fired) != 3 || fired[2] != 3 {
		t.Errorf("fired = %v, want trailing 3", fired)
	}
}

func TestTimerReschedule(t *testing.T) {
	resetCoreState(t)

	count := 0
	timer := &Timer{WakeTime: 10}
	timer.Handler = func(tm *Timer) uint8 {
		count++
		if count < 3 {
			tm.WakeTime += 10
			return SF_RESCHEDULE
		}
		return SF_DONE
	}
	ScheduleTimer(timer)

	SetTime(100)
	ProcessTimers()
	if count != 3 {
		t.Errorf("handler ran %d times, want 3", count)
	}
}

func TestDeleteTimer(t *testing.T) {
	resetCoreState(t)

	fired := map[int]bool{}
	mk := func(id int, wake uint32) *Timer {
		timer := &Timer{WakeTime: wake}
		timer.Handler = func(*Timer) uint8 {
			fired[id] = true
			return SF_DONE
		}
		return timer
	}

	head := mk(1, 10)
	mid := mk(2, 20)
	tail := mk(3, 30)
	ScheduleTimer(head)
	ScheduleTimer(mid)
	ScheduleTimer(tail)

	DeleteTimer(mid)
	DeleteTimer(head)
	// Deleting an unscheduled timer is a no-op
	DeleteTimer(mk(4, 40))

	SetTime(100)
	ProcessTimers()

	if fired[1] || fired[2] {
		t.Errorf("deleted timers fired: %v", fired)
	}
	if !fired[3] {
		t.Error("remaining timer did not fire")
	}
}

func TestTimerOrderingAcrossWraparound(t *testing.T) {
	resetCoreState(t)

	var fired []int
	mk := func(id int, wake uint32) *Timer {
		timer := &Timer{WakeTime: wake}
		timer.Handler = func(*Timer) uint8 {
			fired = append(fired, id)
			return SF_DONE
		}
		return timer
	}

	// A wake time just past the counter wrap sorts after one just before
	SetTime(0xFFFFFFF0)
	ScheduleTimer(mk(2, 0x00000005))
	ScheduleTimer(mk(1, 0xFFFFFFFA))

	ProcessTimers()
	if len(fired) != 0 {
		t.Fatalf("timers fired early: %v", fired)
	}

	SetTime(0xFFFFFFFA)
	ProcessTimers()
	SetTime(0x00000005)
	ProcessTimers()

	if len(fired) != 2 || fired[0] != 1 || fired[1] != 2 {
		t.Errorf("fired = %v, want [1 2]", fired)
	}
}

func TestTaskWake(t *testing.T) {
	var w TaskWake

	if w.Check() {
		t.Error("fresh TaskWake reports pending work")
	}
	w.Wake()
	if !w.Check() {
		t.Error("Wake not observed by Check")
	}
	// Check consumes the flag
	if w.Check() {
		t.Error("Check did not clear the flag")
	}
	// Multiple wakes coalesce into one
	w.Wake()
	w.Wake()
	if !w.Check() || w.Check() {
		t.Error("coalesced wakes not consumed exactly once")
	}
}
