// Trigger synchronization for coordinated endstop triggers
package core

import (
	"loadsense/protocol"
)

// TriggerSync flags
const (
	TSF_CAN_TRIGGER = 1 << 0 // Trigger is enabled
	TSF_TRIGGERED   = 1 << 1 // Trigger has fired
)

// TriggerSignal represents a callback registered with a TriggerSync
type TriggerSignal struct {
	Callback func(reason uint8) // Called when trigger fires
	Next     *TriggerSignal
}

// TriggerSync coordinates endstops during a homing move
type TriggerSync struct {
	OID           uint8
	Flags         uint8 // State flags (TSF_*)
	TriggerReason uint8
	ExpireReason  uint8 // Reason code if timeout expires
	ReportTicks   uint32
	ReportTimer   Timer
	ExpireTimer   Timer
	Signals       *TriggerSignal
}

// TrsyncTable is the explicit OID registry for trigger sync objects
type TrsyncTable struct {
	syncs map[uint8]*TriggerSync
}

// NewTrsyncTable creates an empty table
func NewTrsyncTable() *TrsyncTable {
	return &TrsyncTable{syncs: make(map[uint8]*TriggerSync)}
}

// Lookup returns the trigger sync configured under oid
func (tb *TrsyncTable) Lookup(oid uint8) (*TriggerSync, bool) {
	ts, ok := tb.syncs[oid]
	return ts, ok
}

// InitCommands registers trsync-related commands against this table
func (tb *TrsyncTable) InitCommands() {
	RegisterCommand("trsync_start",
		"oid=%c report_clock=%u report_ticks=%u expire_reason=%c",
		tb.handleStart)
	RegisterCommand("trsync_set_timeout", "oid=%c clock=%u", tb.handleSetTimeout)
	RegisterCommand("trsync_trigger", "oid=%c reason=%c", tb.handleTrigger)
	RegisterResponse("trsync_state",
		"oid=%c can_trigger=%c trigger_reason=%c clock=%u")
}

// handleStart begins a trigger synchronization session
// Format: trsync_start oid=%c report_clock=%u report_ticks=%u expire_reason=%c
func (tb *TrsyncTable) handleStart(data *[]byte) error {
	oid, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	reportClock, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	reportTicks, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	expireReason, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	ts, exists := tb.syncs[uint8(oid)]
	if !exists {
		ts = &TriggerSync{OID: uint8(oid)}
		tb.syncs[uint8(oid)] = ts
	}

	DeleteTimer(&ts.ReportTimer)
	DeleteTimer(&ts.ExpireTimer)

	// Reset state
	ts.Flags = TSF_CAN_TRIGGER
	ts.TriggerReason = 0
	ts.ExpireReason = uint8(expireReason)
	ts.ReportTicks = reportTicks

	if reportTicks > 0 {
		ts.ReportTimer.WakeTime = reportClock
		ts.ReportTimer.Handler = func(t *Timer) uint8 {
			ts.report()
			if ts.Flags&TSF_CAN_TRIGGER != 0 {
				t.WakeTime = GetTime() + ts.ReportTicks
				return SF_RESCHEDULE
			}
			return SF_DONE
		}
		ScheduleTimer(&ts.ReportTimer)
	}

	return nil
}

// handleSetTimeout arms the expiration timer
// Format: trsync_set_timeout oid=%c clock=%u
func (tb *TrsyncTable) handleSetTimeout(data *[]byte) error {
	oid, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	clock, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	ts, exists := tb.syncs[uint8(oid)]
	if !exists {
		return nil // Silently ignore if not configured
	}

	DeleteTimer(&ts.ExpireTimer)
	ts.ExpireTimer.WakeTime = clock
	ts.ExpireTimer.Handler = func(t *Timer) uint8 {
		ts.DoTrigger(ts.ExpireReason)
		return SF_DONE
	}
	ScheduleTimer(&ts.ExpireTimer)

	return nil
}

// handleTrigger manually fires a trsync
// Format: trsync_trigger oid=%c reason=%c
func (tb *TrsyncTable) handleTrigger(data *[]byte) error {
	oid, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	reason, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	ts, exists := tb.syncs[uint8(oid)]
	if !exists {
		return nil // Silently ignore if not configured
	}

	ts.DoTrigger(uint8(reason))
	return nil
}

// DoTrigger fires the trigger once and notifies every registered signal.
// Called by endstops when their trigger condition holds and by the
// expiration timer.
func (ts *TriggerSync) DoTrigger(reason uint8) {
	state := disableInterrupts()

	if ts.Flags&TSF_CAN_TRIGGER == 0 {
		restoreInterrupts(state)
		return
	}

	ts.Flags &^= TSF_CAN_TRIGGER
	ts.Flags |= TSF_TRIGGERED
	ts.TriggerReason = reason

	signal := ts.Signals
	for signal != nil {
		if signal.Callback != nil {
			signal.Callback(reason)
		}
		signal = signal.Next
	}
	restoreInterrupts(state)

	RecordTiming(EvtTrigger, ts.OID, GetTime(), uint32(reason), 0)

	// The host learns of the trigger from an immediate state report
	ts.report()
}

// AddSignal registers a callback to run when the trigger fires
func (ts *TriggerSync) AddSignal(callback func(reason uint8)) *TriggerSignal {
	state := disableInterrupts()
	defer restoreInterrupts(state)

	signal := &TriggerSignal{
		Callback: callback,
		Next:     ts.Signals,
	}
	ts.Signals = signal

	return signal
}

// report sends the current trigger state to the host
func (ts *TriggerSync) report() {
	oid := ts.OID
	var canTrigger uint32
	if ts.Flags&TSF_CAN_TRIGGER != 0 {
		canTrigger = 1
	}
	reason := ts.TriggerReason

	SendResponse("trsync_state", func(output protocol.OutputBuffer) {
		protocol.EncodeVLQUint(output, uint32(oid))
		protocol.EncodeVLQUint(output, canTrigger)
		protocol.EncodeVLQUint(output, uint32(reason))
		protocol.EncodeVLQUint(output, GetTime())
	})
}
