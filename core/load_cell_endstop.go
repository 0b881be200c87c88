// Load-cell endstop: turns the summed load-cell reading into a homing
// trigger when it leaves a calibrated safe range
package core

import (
	"loadsense/protocol"
)

// LoadCellEndstop watches samples reported by an acquisition cycle and
// fires its bound trigger sync after enough consecutive out-of-range
// readings
type LoadCellEndstop struct {
	OID uint8

	// Safe range relative to the tare point; a sample whose tare-adjusted
	// value falls outside [TriggerMin, TriggerMax] counts toward a trigger
	TriggerMin int32
	TriggerMax int32
	TareCounts int32
	// Consecutive out-of-range samples needed before triggering
	TriggerCount uint8

	trsync        *TriggerSync
	triggerReason uint8
	errorReason   uint8
	homing        bool

	trigCount       uint8 // consecutive out-of-range samples seen
	homingTriggered bool
	triggerTicks    uint32
	lastCounts      int32
	lastSampleTicks uint32
}

// EndstopTable is the explicit OID registry for load-cell endstops
type EndstopTable struct {
	endstops map[uint8]*LoadCellEndstop
	trsyncs  *TrsyncTable
}

// NewEndstopTable creates an empty table bound to a trsync registry
func NewEndstopTable(trsyncs *TrsyncTable) *EndstopTable {
	return &EndstopTable{
		endstops: make(map[uint8]*LoadCellEndstop),
		trsyncs:  trsyncs,
	}
}

// Lookup returns the endstop configured under oid
func (et *EndstopTable) Lookup(oid uint8) (*LoadCellEndstop, bool) {
	lce, ok := et.endstops[oid]
	return lce, ok
}

// InitCommands registers endstop commands against this table
func (et *EndstopTable) InitCommands() {
	RegisterCommand("config_load_cell_endstop", "oid=%c", et.handleConfig)
	RegisterCommand("set_range_load_cell_endstop",
		"oid=%c trigger_max=%i trigger_min=%i tare=%i trigger_count=%c",
		et.handleSetRange)
	RegisterCommand("load_cell_endstop_home",
		"oid=%c trsync_oid=%c trigger_reason=%c error_reason=%c",
		et.handleHome)
	RegisterCommand("load_cell_endstop_query_state", "oid=%c", et.handleQueryState)
	RegisterResponse("load_cell_endstop_state",
		"oid=%c homing=%c homing_triggered=%c is_triggered=%c"+
			" trigger_ticks=%u sample=%i sample_ticks=%u")
}

// handleConfig allocates an endstop entry
// Format: config_load_cell_endstop oid=%c
func (et *EndstopTable) handleConfig(data *[]byte) error {
	oid, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	et.endstops[uint8(oid)] = &LoadCellEndstop{OID: uint8(oid)}
	return nil
}

// handleSetRange calibrates the safe range
// Format: set_range_load_cell_endstop oid=%c trigger_max=%i trigger_min=%i
// tare=%i trigger_count=%c
func (et *EndstopTable) handleSetRange(data *[]byte) error {
	oid, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	triggerMax, err := protocol.DecodeVLQInt(data)
	if err != nil {
		return err
	}
	triggerMin, err := protocol.DecodeVLQInt(data)
	if err != nil {
		return err
	}
	tare, err := protocol.DecodeVLQInt(data)
	if err != nil {
		return err
	}
	triggerCount, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	lce, ok := et.endstops[uint8(oid)]
	if !ok {
		TryShutdown("Load cell endstop oid not configured")
		return nil
	}
	if triggerCount == 0 {
		TryShutdown("Load cell endstop trigger_count must be nonzero")
		return nil
	}

	lce.TriggerMax = triggerMax
	lce.TriggerMin = triggerMin
	lce.TareCounts = tare
	lce.TriggerCount = uint8(triggerCount)
	lce.trigCount = 0
	return nil
}

// handleHome binds the endstop to a trsync for a homing move. A zero
// trsync_oid with no session started clears the binding.
// Format: load_cell_endstop_home oid=%c trsync_oid=%c trigger_reason=%c
// error_reason=%c
func (et *EndstopTable) handleHome(data *[]byte) error {
	oid, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	trsyncOid, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	triggerReason, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	errorReason, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	lce, ok := et.endstops[uint8(oid)]
	if !ok {
		TryShutdown("Load cell endstop oid not configured")
		return nil
	}

	lce.homing = false
	lce.homingTriggered = false
	lce.triggerTicks = 0
	lce.trigCount = 0
	lce.trsync = nil

	if trsyncOid == 0 {
		return nil
	}

	ts, ok := et.trsyncs.Lookup(uint8(trsyncOid))
	if !ok {
		TryShutdown("Load cell endstop trsync oid not configured")
		return nil
	}

	lce.trsync = ts
	lce.triggerReason = uint8(triggerReason)
	lce.errorReason = uint8(errorReason)
	lce.homing = true
	return nil
}

// handleQueryState reports the endstop state
// Format: load_cell_endstop_query_state oid=%c
func (et *EndstopTable) handleQueryState(data *[]byte) error {
	oid, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	lce, ok := et.endstops[uint8(oid)]
	if !ok {
		TryShutdown("Load cell endstop oid not configured")
		return nil
	}

	bit := func(b bool) uint32 {
		if b {
			return 1
		}
		return 0
	}
	homing := lce.homing
	homingTriggered := lce.homingTriggered
	isTriggered := lce.isSampleTriggered(lce.lastCounts)
	triggerTicks := lce.triggerTicks
	sample := lce.lastCounts
	sampleTicks := lce.lastSampleTicks

	SendResponse("load_cell_endstop_state", func(output protocol.OutputBuffer) {
		protocol.EncodeVLQUint(output, uint32(lce.OID))
		protocol.EncodeVLQUint(output, bit(homing))
		protocol.EncodeVLQUint(output, bit(homingTriggered))
		protocol.EncodeVLQUint(output, bit(isTriggered))
		protocol.EncodeVLQUint(output, triggerTicks)
		protocol.EncodeVLQInt(output, sample)
		protocol.EncodeVLQUint(output, sampleTicks)
	})
	return nil
}

// isSampleTriggered reports whether the tare-adjusted counts lie outside
// the safe range
func (lce *LoadCellEndstop) isSampleTriggered(counts int32) bool {
	delta := counts - lce.TareCounts
	return delta < lce.TriggerMin || delta > lce.TriggerMax
}

// ReportSample feeds one summed conversion into the endstop. Called from
// the acquisition cycle for every completed read.
func (lce *LoadCellEndstop) ReportSample(counts int32, ticks uint32) {
	lce.lastCounts = counts
	lce.lastSampleTicks = ticks

	if !lce.homing || lce.homingTriggered || lce.trsync == nil {
		return
	}

	if !lce.isSampleTriggered(counts) {
		// A sample back in range restarts the consecutive count
		lce.trigCount = 0
		return
	}

	lce.trigCount++
	if lce.trigCount >= lce.TriggerCount {
		lce.homingTriggered = true
		lce.triggerTicks = ticks
		lce.trsync.DoTrigger(lce.triggerReason)
	}
}

// ReportError faults an active homing session. The acquisition driver
// calls this when it resets mid-move: the sample stream has stopped, so
// the bound trsync fires with the error reason instead of idling until
// its expire timeout.
func (lce *LoadCellEndstop) ReportError(ticks uint32) {
	if !lce.homing || lce.homingTriggered || lce.trsync == nil {
		return
	}
	lce.homingTriggered = true
	lce.triggerTicks = ticks
	lce.trsync.DoTrigger(lce.errorReason)
}
