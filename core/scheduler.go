package core

import "sync/atomic"

// Timer represents a scheduled event
type Timer struct {
	WakeTime uint32
	Handler  func(*Timer) uint8
	Next     *Timer
}

const (
	SF_DONE       = 0
	SF_RESCHEDULE = 1
)

var (
	timerList   *Timer
	currentTime uint32
)

// timerBefore orders wake times with wraparound-safe signed comparison,
// valid as long as no timer is scheduled more than half a counter period
// out.
func timerBefore(a, b uint32) bool {
	return int32(a-b) < 0
}

// ScheduleTimer adds a timer to the schedule
func ScheduleTimer(t *Timer) {
	state := disableInterrupts()
	defer restoreInterrupts(state)

	insertTimer(t)
}

// insertTimer inserts a timer in sorted order by WakeTime
func insertTimer(t *Timer) {
	if timerList == nil || timerBefore(t.WakeTime, timerList.WakeTime) {
		t.Next = timerList
		timerList = t
		return
	}

	current := timerList
	for current.Next != nil && timerBefore(current.Next.WakeTime, t.WakeTime) {
		current = current.Next
	}

	t.Next = current.Next
	current.Next = t
}

// DeleteTimer removes a timer from the schedule if present. Safe to call
// for timers that are not scheduled.
func DeleteTimer(t *Timer) {
	state := disableInterrupts()
	defer restoreInterrupts(state)

	if timerList == t {
		timerList = t.Next
		t.Next = nil
		return
	}
	for current := timerList; current != nil; current = current.Next {
		if current.Next == t {
			current.Next = t.Next
			t.Next = nil
			return
		}
	}
}

// TimerDispatch processes due timers
func TimerDispatch() {
	state := disableInterrupts()
	defer restoreInterrupts(state)

	// Process all timers with WakeTime at or before currentTime
	for timerList != nil && !timerBefore(currentTime, timerList.WakeTime) {
		timer := timerList
		timerList = timer.Next
		timer.Next = nil // Clear Next pointer to avoid circular references

		// Call handler
		result := timer.Handler(timer)

		// Reschedule if requested
		if result == SF_RESCHEDULE {
			insertTimer(timer)
		}
	}
}

// ProcessTimers samples the clock and runs all due timers. Called from the
// main loop on every iteration.
func ProcessTimers() {
	currentTime = GetTime()
	TimerDispatch()
}

// ResetTimers drops every scheduled timer. Used on shutdown and firmware
// reset.
func ResetTimers() {
	state := disableInterrupts()
	defer restoreInterrupts(state)

	timerList = nil
}

// TaskWake is a one-shot wake flag connecting a timer interrupt context to
// background task code. Wake may run with interrupts masked; Check consumes
// the flag.
type TaskWake struct {
	flag uint32
}

// Wake marks the task as having pending work.
func (w *TaskWake) Wake() {
	atomic.StoreUint32(&w.flag, 1)
}

// Check reports and clears the pending-work flag.
func (w *TaskWake) Check() bool {
	return atomic.SwapUint32(&w.flag, 0) != 0
}
