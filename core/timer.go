package core

// TimerFreq is the nominal tick rate used for duration conversions. Targets
// whose hardware timer runs at a different rate register CLOCK_FREQ in the
// dictionary so the host scales rest_ticks accordingly.
const TimerFreq = 12000000 // 12MHz

// tickSource, when set by a target, reads the hardware timer directly so
// busy-waits observe real time. Without it GetTime reads the stored tick
// value (host builds and tests, advanced via SetTime).
var tickSource func() uint32

// SetTickSource installs a hardware tick reader.
func SetTickSource(fn func() uint32) {
	tickSource = fn
}

// GetTime returns the current time in timer ticks.
func GetTime() uint32 {
	if tickSource != nil {
		return tickSource()
	}
	return getSystemTicks()
}

// SetTime stores the current tick value (simulation and hardware glue).
func SetTime(ticks uint32) {
	setSystemTicks(ticks)
}

// GetUptime returns the 64-bit uptime in ticks. Targets with a wide
// hardware counter override via SetUptimeSource.
func GetUptime() uint64 {
	if uptimeSource != nil {
		return uptimeSource()
	}
	return uint64(GetTime())
}

var uptimeSource func() uint64

func SetUptimeSource(fn func() uint64) {
	uptimeSource = fn
}

// TimerFromUS converts microseconds to ticks.
func TimerFromUS(us uint32) uint32 {
	return us * (TimerFreq / 1000000)
}

// TimerToUS converts ticks to microseconds.
func TimerToUS(ticks uint32) uint32 {
	return ticks / (TimerFreq / 1000000)
}

// NsecsToTicks converts nanoseconds to ticks, rounding down. Sub-tick
// durations convert to zero on slow timers.
func NsecsToTicks(ns uint32) uint32 {
	return TimerFromUS(ns*1000) / 1000000
}

// CheckElapsed reports whether at least ticks have passed between t1 and
// t2. Unsigned subtraction keeps it correct across counter wraparound.
func CheckElapsed(t1, t2, ticks uint32) bool {
	return t2-t1 >= ticks
}

// waitElapsed busy-waits until ticks have elapsed since start, invoking
// poll (when non-nil) on every iteration.
func waitElapsed(start, ticks uint32, poll func()) {
	for !CheckElapsed(start, GetTime(), ticks) {
		if poll != nil {
			poll()
		}
	}
}

// DelayTicksNoIRQ busy-waits with interrupts assumed masked by the caller.
// On coarse-timer platforms the wait collapses to a no-op; instruction
// timing alone satisfies the minimum pulse width there.
func DelayTicksNoIRQ(start, ticks uint32) {
	if timerCoarse {
		return
	}
	waitElapsed(start, ticks, nil)
}

// DelayTicks busy-waits while still servicing pending interrupt work.
func DelayTicks(start, ticks uint32) {
	if timerCoarse {
		return
	}
	waitElapsed(start, ticks, pollInterrupts)
}
