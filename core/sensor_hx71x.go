// Bit-banged acquisition driver for HX711 and HX717 ADC chips.
// Up to four chips share one clock cadence so their conversions stay
// aligned; each chip contributes one 24-bit sample per cycle.
package core

import (
	"loadsense/protocol"
)

// HX71x flags
const (
	hxPending       = 1 << 0 // A read cycle is due
	hxResetRequired = 1 << 1 // Chip error latched; host must re-arm
)

// BytesPerSample is the on-wire size of one chip's conversion
const BytesPerSample = 4

// Both HX711 and HX717 need a 200ns minimum clock high/low time
var minPulseTicks = NsecsToTicks(200)

// 24-bit two's complement limits. A conversion outside this window means
// the read desynchronized from the chip.
const (
	hxCountsMax = 0x7FFFFF
	hxCountsMin = -0x7FFFFF
)

// HX71x is one configured bank entry: 1-4 chips read in lock-step
type HX71x struct {
	OID         uint8
	Timer       Timer
	RestTicks   uint32
	Dout        [4]GPIOPin // data lines, one per chip
	Sclk        [4]GPIOPin // clock lines, one per chip
	ChipCount   uint8
	GainChannel uint8 // trailing pulse count selecting gain+channel (1-4)
	TrailDelay  bool  // unmasked settle delay between trailing pulses
	flags       uint8
	Bulk        SensorBulk
	Endstop     *LoadCellEndstop
}

func (hx *HX71x) isFlagSet(mask uint8) bool {
	return hx.flags&mask != 0
}

func (hx *HX71x) setFlag(mask uint8) {
	hx.flags |= mask
}

// SignExtend24 widens a raw 24-bit two's complement conversion to 32 bits
func SignExtend24(raw uint32) int32 {
	if raw >= 0x800000 {
		return int32(raw | 0xFF000000)
	}
	return int32(raw)
}

// isDataReady reports whether every chip has a conversion waiting.
// A chip holds its data line high until its conversion completes.
func (hx *HX71x) isDataReady(gpio GPIODriver) bool {
	for i := uint8(0); i < hx.ChipCount; i++ {
		if gpio.ReadPin(hx.Dout[i]) {
			return false
		}
	}
	return true
}

// pulseClocks drives all clock lines high then low to advance every chip
// by one bit. Interrupts stay masked so the high phase cannot stretch past
// the chip's 60us power-down threshold.
func (hx *HX71x) pulseClocks(gpio GPIODriver) {
	state := disableInterrupts()
	startTime := GetTime()
	for i := uint8(0); i < hx.ChipCount; i++ {
		gpio.SetPin(hx.Sclk[i], true)
	}
	DelayTicksNoIRQ(startTime, minPulseTicks)
	for i := uint8(0); i < hx.ChipCount; i++ {
		gpio.SetPin(hx.Sclk[i], false)
	}
	restoreInterrupts(state)
}

// SensorBank is the explicit OID registry for HX71x entries plus the wake
// flag shared between timer and task context
type SensorBank struct {
	sensors  map[uint8]*HX71x
	endstops *EndstopTable
	wake     TaskWake
}

// NewSensorBank creates an empty bank. endstops may be nil when no
// load-cell endstop is wired.
func NewSensorBank(endstops *EndstopTable) *SensorBank {
	return &SensorBank{
		sensors:  make(map[uint8]*HX71x),
		endstops: endstops,
	}
}

// Lookup returns the sensor configured under oid
func (b *SensorBank) Lookup(oid uint8) (*HX71x, bool) {
	hx, ok := b.sensors[oid]
	return hx, ok
}

// InitCommands registers the HX71x command set against this bank
func (b *SensorBank) InitCommands() {
	RegisterCommand("config_hx71x",
		"oid=%c chip_count=%c gain_channel=%c trail_delay=%c"+
			" load_cell_endstop_oid=%c"+
			" dout1_pin=%u sclk1_pin=%u dout2_pin=%u sclk2_pin=%u"+
			" dout3_pin=%u sclk3_pin=%u dout4_pin=%u sclk4_pin=%u",
		b.handleConfig)
	RegisterCommand("query_hx71x", "oid=%c rest_ticks=%u", b.handleQuery)
	RegisterCommand("query_hx71x_status", "oid=%c", b.handleQueryStatus)
	RegisterResponse("reset_hx71x", "oid=%c")

	RegisterShutdownHook(b.shutdownAll)
}

// handleConfig creates a sensor entry and claims its pins
func (b *SensorBank) handleConfig(data *[]byte) error {
	oid, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	chipCount, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	gainChannel, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	trailDelay, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	lceOid, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	if chipCount < 1 || chipCount > 4 {
		TryShutdown("HX71x only supports 1 to 4 sensors")
		return nil
	}
	if gainChannel < 1 || gainChannel > 4 {
		TryShutdown("HX71x gain/channel out of range 1-4")
		return nil
	}

	hx := &HX71x{
		OID:         uint8(oid),
		ChipCount:   uint8(chipCount),
		GainChannel: uint8(gainChannel),
		TrailDelay:  trailDelay != 0,
	}
	hx.Timer.Handler = func(t *Timer) uint8 {
		hx.setFlag(hxPending)
		b.wake.Wake()
		return SF_DONE
	}

	// Optional endstop binding
	if lceOid != 0 {
		if b.endstops == nil {
			TryShutdown("HX71x endstop oid with no endstop table")
			return nil
		}
		lce, ok := b.endstops.Lookup(uint8(lceOid))
		if !ok {
			TryShutdown("HX71x endstop oid not configured")
			return nil
		}
		hx.Endstop = lce
	}

	// Pin pairs for all four slots arrive regardless of chip_count; the
	// unused slots repeat the first pair and are ignored.
	gpio := MustGPIO()
	for chip := uint32(0); chip < 4; chip++ {
		doutPin, err := protocol.DecodeVLQUint(data)
		if err != nil {
			return err
		}
		sclkPin, err := protocol.DecodeVLQUint(data)
		if err != nil {
			return err
		}
		if chip >= chipCount {
			continue
		}
		hx.Dout[chip] = GPIOPin(doutPin)
		hx.Sclk[chip] = GPIOPin(sclkPin)
		if err := gpio.ConfigureInput(hx.Dout[chip]); err != nil {
			return err
		}
		if err := gpio.ConfigureOutput(hx.Sclk[chip]); err != nil {
			return err
		}
		gpio.SetPin(hx.Sclk[chip], false)
	}

	b.sensors[uint8(oid)] = hx
	return nil
}

// handleQuery starts or stops capture
// Format: query_hx71x oid=%c rest_ticks=%u
func (b *SensorBank) handleQuery(data *[]byte) error {
	oid, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	restTicks, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	hx, ok := b.Lookup(uint8(oid))
	if !ok {
		TryShutdown("HX71x oid not configured")
		return nil
	}

	DeleteTimer(&hx.Timer)
	hx.flags = 0
	hx.RestTicks = restTicks
	if restTicks == 0 {
		// End measurements
		return nil
	}

	// Start new measurements
	hx.Bulk.Reset()
	// Put all chips in run mode, in case they were reset
	gpio := MustGPIO()
	for i := uint8(0); i < hx.ChipCount; i++ {
		gpio.SetPin(hx.Sclk[i], false)
	}
	b.rescheduleTimer(hx)
	return nil
}

// handleQueryStatus reports buffer state without touching a conversion
// Format: query_hx71x_status oid=%c
func (b *SensorBank) handleQueryStatus(data *[]byte) error {
	oid, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	hx, ok := b.Lookup(uint8(oid))
	if !ok {
		TryShutdown("HX71x oid not configured")
		return nil
	}

	startTime := GetTime()
	var pendingBytes uint8
	// A stopped or reset sensor never reports pending chip data, even
	// when a stale conversion sits on the lines
	if hx.RestTicks != 0 && !hx.isFlagSet(hxResetRequired) && hx.isDataReady(MustGPIO()) {
		pendingBytes = BytesPerSample * hx.ChipCount
	}
	endTime := GetTime()

	hx.Bulk.Status(uint8(oid), startTime, endTime-startTime, pendingBytes)
	return nil
}

// rescheduleTimer arms the acquisition timer one rest interval out
func (b *SensorBank) rescheduleTimer(hx *HX71x) {
	// The timer may still be queued when a restart arrives between cycles
	DeleteTimer(&hx.Timer)
	state := disableInterrupts()
	hx.setFlag(hxPending)
	hx.Timer.WakeTime = GetTime() + hx.RestTicks
	insertTimer(&hx.Timer)
	restoreInterrupts(state)
	RecordTiming(EvtTimerSchedule, hx.OID, GetTime(), hx.Timer.WakeTime, 0)
}

// reset stops acquisition and powers the chips down. Driving the clock
// lines high for over 60us resets both chip types; the host round trip is
// always longer than that. No automatic restart: the host decides.
func (b *SensorBank) reset(hx *HX71x) {
	DeleteTimer(&hx.Timer)
	hx.flags = 0
	hx.setFlag(hxResetRequired)
	gpio := MustGPIO()
	for i := uint8(0); i < hx.ChipCount; i++ {
		gpio.SetPin(hx.Sclk[i], true)
	}

	// A homing move cannot finish without samples; fault the bound
	// trsync instead of waiting for its expire timeout
	if hx.Endstop != nil {
		hx.Endstop.ReportError(GetTime())
	}

	oid := hx.OID
	SendResponse("reset_hx71x", func(output protocol.OutputBuffer) {
		protocol.EncodeVLQUint(output, uint32(oid))
	})
}

// readSensor performs one full acquisition cycle
func (b *SensorBank) readSensor(hx *HX71x) {
	gpio := MustGPIO()
	if !hx.isDataReady(gpio) {
		// Conversions still in flight; poll again next interval
		b.rescheduleTimer(hx)
		return
	}

	var raw [4]uint32
	startTime := GetTime()
	for bit := 0; bit < 24; bit++ {
		hx.pulseClocks(gpio)
		DelayTicks(GetTime(), minPulseTicks)
		for i := uint8(0); i < hx.ChipCount; i++ {
			var v uint32
			if gpio.ReadPin(hx.Dout[i]) {
				v = 1
			}
			raw[i] = raw[i]<<1 | v
		}
	}

	// 1 to 4 extra pulses select gain & channel for the next conversion.
	// Pulses before the last always get their spacing delay; the chips
	// need the minimum low time between pulses. The delay after the final
	// pulse is the configurable part.
	for g := uint8(0); g < hx.GainChannel; g++ {
		hx.pulseClocks(gpio)
		if hx.TrailDelay || g < hx.GainChannel-1 {
			DelayTicks(GetTime(), minPulseTicks)
		}
	}

	elapsed := GetTime() - startTime
	if elapsed >= hx.RestTicks {
		// An interrupt stretched this read past the timing budget; the
		// clock lines may have sat high long enough to power chips down
		RecordTiming(EvtTimingReset, hx.OID, GetTime(), elapsed, hx.RestTicks)
		b.reset(hx)
		return
	}

	// Validate every chip before touching the buffer: an abort on any
	// chip must never leave a partial sample block behind
	var totalCounts int32
	var samples [4]int32
	for i := uint8(0); i < hx.ChipCount; i++ {
		counts := SignExtend24(raw[i])
		// After a full cycle every data line must be high again; a low
		// line or out-of-range value means the read lost sync
		if !gpio.ReadPin(hx.Dout[i]) || counts < hxCountsMin || counts > hxCountsMax {
			b.reset(hx)
			return
		}
		samples[i] = counts
		totalCounts += counts
	}
	for i := uint8(0); i < hx.ChipCount; i++ {
		hx.Bulk.AppendLE32(uint32(samples[i]))
	}

	RecordTiming(EvtSampleRead, hx.OID, startTime, uint32(totalCounts), elapsed)

	// endstop is optional, report if enabled
	if hx.Endstop != nil {
		hx.Endstop.ReportSample(totalCounts, startTime)
	}

	hx.flushSamples()
	b.rescheduleTimer(hx)
}

// flushSamples reports when the next full sample block would overflow
func (hx *HX71x) flushSamples() {
	blockSize := BytesPerSample * hx.ChipCount
	if hx.Bulk.DataCount+blockSize > SensorBulkDataSize {
		hx.Bulk.Report(hx.OID)
	}
}

// CaptureTask runs pending acquisition cycles. Called from the main loop;
// returns immediately unless a timer has fired since the last call.
func (b *SensorBank) CaptureTask() {
	if !b.wake.Check() {
		return
	}
	for _, hx := range b.sensors {
		if hx.isFlagSet(hxPending) {
			b.readSensor(hx)
		}
	}
}

// shutdownAll parks every configured sensor: timers stopped, clock lines
// high so the chips power down
func (b *SensorBank) shutdownAll() {
	gpio := MustGPIO()
	for _, hx := range b.sensors {
		DeleteTimer(&hx.Timer)
		hx.flags = 0
		hx.setFlag(hxResetRequired)
		for i := uint8(0); i < hx.ChipCount; i++ {
			gpio.SetPin(hx.Sclk[i], true)
		}
		if hx.Endstop != nil {
			hx.Endstop.ReportError(GetTime())
		}
	}
}
