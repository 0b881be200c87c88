//go:build !tinygo

package core

// Host builds have no cycle-accurate tick source; delays degrade to no-ops
// the same way the AVR build of the C firmware handles its coarse timer.
const timerCoarse = true

var systemTicks uint32

func getSystemTicks() uint32 {
	return systemTicks
}

func setSystemTicks(ticks uint32) {
	systemTicks = ticks
}
