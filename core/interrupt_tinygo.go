//go:build tinygo

package core

import "runtime/interrupt"

// State aliases the runtime interrupt state
type State = interrupt.State

// disableInterrupts disables interrupts and returns the previous state
func disableInterrupts() State {
	return interrupt.Disable()
}

// restoreInterrupts restores the interrupt state
func restoreInterrupts(state State) {
	interrupt.Restore(state)
}

// pollInterrupts is a scheduling point during unmasked waits. Hardware
// interrupts preempt on their own, so there is nothing to drain here.
func pollInterrupts() {
}
