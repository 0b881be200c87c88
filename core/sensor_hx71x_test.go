package core

import (
	"bytes"
	"testing"

	"loadsense/protocol"
)

// encodeConfig builds a config_hx71x argument buffer. Unused pin slots
// repeat the first pair, matching what hosts send.
func encodeConfig(oid, chips, gain, trail, lceOid uint32, pairs [][2]uint32) []byte {
	out := protocol.NewScratchOutput()
	protocol.EncodeVLQUint(out, oid)
	protocol.EncodeVLQUint(out, chips)
	protocol.EncodeVLQUint(out, gain)
	protocol.EncodeVLQUint(out, trail)
	protocol.EncodeVLQUint(out, lceOid)
	for i := 0; i < 4; i++ {
		pair := pairs[0]
		if i < len(pairs) {
			pair = pairs[i]
		}
		protocol.EncodeVLQUint(out, pair[0])
		protocol.EncodeVLQUint(out, pair[1])
	}
	return out.Result()
}

func encodeQuery(oid, restTicks uint32) []byte {
	out := protocol.NewScratchOutput()
	protocol.EncodeVLQUint(out, oid)
	protocol.EncodeVLQUint(out, restTicks)
	return out.Result()
}

// newTestBank wires one sensor with one simulated chip and starts capture
func newTestBank(t *testing.T, value uint32, restTicks uint32) (*SensorBank, *HX71x, *mockGPIO, *mockChip) {
	t.Helper()
	resetCoreState(t)
	gpio := newMockGPIO()
	SetGPIODriver(gpio)
	InitSensorBulkResponses()

	bank := NewSensorBank(nil)
	bank.InitCommands()
	chip := gpio.attachChip(2, 3, value, true)

	data := encodeConfig(1, 1, 1, 1, 0, [][2]uint32{{2, 3}})
	if err := bank.handleConfig(&data); err != nil {
		t.Fatalf("config_hx71x: %v", err)
	}
	data = encodeQuery(1, restTicks)
	if err := bank.handleQuery(&data); err != nil {
		t.Fatalf("query_hx71x: %v", err)
	}

	hx, ok := bank.Lookup(1)
	if !ok {
		t.Fatal("sensor not created")
	}
	return bank, hx, gpio, chip
}

func TestSignExtend24(t *testing.T) {
	cases := []struct {
		raw  uint32
		want int32
	}{
		{0x000000, 0},
		{0x000001, 1},
		{0x7FFFFF, 8388607},
		{0x800000, -8388608},
		{0x800001, -8388607},
		{0xFFFFFF, -1},
	}
	for _, c := range cases {
		if got := SignExtend24(c.raw); got != c.want {
			t.Errorf("SignExtend24(0x%06X) = %d, want %d", c.raw, got, c.want)
		}
	}
}

func TestConfigValidation(t *testing.T) {
	for _, c := range []struct {
		name        string
		chips, gain uint32
	}{
		{"zero chips", 0, 1},
		{"five chips", 5, 1},
		{"zero gain", 1, 0},
		{"gain five", 1, 5},
	} {
		t.Run(c.name, func(t *testing.T) {
			resetCoreState(t)
			SetGPIODriver(newMockGPIO())
			InitCoreCommands()
			InitSensorBulkResponses()
			bank := NewSensorBank(nil)
			bank.InitCommands()

			data := encodeConfig(1, c.chips, c.gain, 1, 0, [][2]uint32{{2, 3}})
			if err := bank.handleConfig(&data); err != nil {
				t.Fatalf("handler error: %v", err)
			}
			if !IsShutdown() {
				t.Error("out-of-range config did not shut down")
			}
			if _, ok := bank.Lookup(1); ok {
				t.Error("invalid sensor was stored")
			}
		})
	}
}

func TestReadSinglePositiveSample(t *testing.T) {
	bank, hx, gpio, _ := newTestBank(t, 0x123456, 100000)

	bank.readSensor(hx)

	want := []byte{0x56, 0x34, 0x12, 0x00}
	if hx.Bulk.DataCount != 4 || !bytes.Equal(hx.Bulk.Data[:4], want) {
		t.Errorf("buffer = %v (count %d), want %v", hx.Bulk.Data[:4], hx.Bulk.DataCount, want)
	}
	// 24 data pulses plus one gain/channel trailing pulse
	if gpio.pulses[3] != 25 {
		t.Errorf("clock pulses = %d, want 25", gpio.pulses[3])
	}
	if hx.isFlagSet(hxResetRequired) {
		t.Error("clean read latched reset-required")
	}
}

func TestReadNegativeSampleSignExtended(t *testing.T) {
	bank, hx, _, _ := newTestBank(t, 0xFEDCBA, 100000)

	bank.readSensor(hx)

	want := []byte{0xBA, 0xDC, 0xFE, 0xFF}
	if !bytes.Equal(hx.Bulk.Data[:4], want) {
		t.Errorf("buffer = %v, want %v", hx.Bulk.Data[:4], want)
	}
}

func TestReadBoundaryValues(t *testing.T) {
	// Extremes of the valid range pass; 0x800000 (-0x800000) is outside
	// and forces a reset
	for _, c := range []struct {
		raw   uint32
		valid bool
	}{
		{0x7FFFFF, true},
		{0x800001, true},
		{0x800000, false},
	} {
		bank, hx, _, _ := newTestBank(t, c.raw, 100000)
		bank.readSensor(hx)
		gotReset := hx.isFlagSet(hxResetRequired)
		if gotReset == c.valid {
			t.Errorf("raw 0x%06X: reset=%v, want valid=%v", c.raw, gotReset, c.valid)
		}
	}
}

func TestGainChannelTrailingPulses(t *testing.T) {
	for gain := uint32(1); gain <= 4; gain++ {
		resetCoreState(t)
		gpio := newMockGPIO()
		SetGPIODriver(gpio)
		InitSensorBulkResponses()
		bank := NewSensorBank(nil)
		bank.InitCommands()
		gpio.attachChip(2, 3, 0x1000, true)

		data := encodeConfig(1, 1, gain, 1, 0, [][2]uint32{{2, 3}})
		if err := bank.handleConfig(&data); err != nil {
			t.Fatalf("config: %v", err)
		}
		data = encodeQuery(1, 100000)
		if err := bank.handleQuery(&data); err != nil {
			t.Fatalf("query: %v", err)
		}
		hx, _ := bank.Lookup(1)

		bank.readSensor(hx)
		if got := gpio.pulses[3]; got != 24+int(gain) {
			t.Errorf("gain %d: pulses = %d, want %d", gain, got, 24+int(gain))
		}
	}
}

func TestMultiChipLockstep(t *testing.T) {
	resetCoreState(t)
	gpio := newMockGPIO()
	SetGPIODriver(gpio)
	InitSensorBulkResponses()
	bank := NewSensorBank(nil)
	bank.InitCommands()
	gpio.attachChip(2, 3, 0x000100, true)
	gpio.attachChip(4, 5, 0xFFFFFF, true)

	data := encodeConfig(1, 2, 1, 1, 0, [][2]uint32{{2, 3}, {4, 5}})
	if err := bank.handleConfig(&data); err != nil {
		t.Fatalf("config: %v", err)
	}
	data = encodeQuery(1, 100000)
	if err := bank.handleQuery(&data); err != nil {
		t.Fatalf("query: %v", err)
	}
	hx, _ := bank.Lookup(1)

	bank.readSensor(hx)

	want := []byte{
		0x00, 0x01, 0x00, 0x00, // chip 1: 256
		0xFF, 0xFF, 0xFF, 0xFF, // chip 2: -1
	}
	if hx.Bulk.DataCount != 8 || !bytes.Equal(hx.Bulk.Data[:8], want) {
		t.Errorf("buffer = %v (count %d), want %v", hx.Bulk.Data[:8], hx.Bulk.DataCount, want)
	}
	// Both chips see the same clock cadence
	if gpio.pulses[3] != gpio.pulses[5] {
		t.Errorf("clock pulses diverge: %d vs %d", gpio.pulses[3], gpio.pulses[5])
	}
}

func TestNotReadySkipsCycle(t *testing.T) {
	bank, hx, gpio, chip := newTestBank(t, 0x1234, 100000)
	chip.ready = false

	bank.readSensor(hx)

	if gpio.pulses[3] != 0 {
		t.Errorf("pulses = %d on not-ready cycle, want 0", gpio.pulses[3])
	}
	if hx.Bulk.DataCount != 0 {
		t.Errorf("buffer collected %d bytes without a conversion", hx.Bulk.DataCount)
	}
	// The poll is rescheduled, not abandoned
	if timerList != &hx.Timer {
		t.Error("acquisition timer not rescheduled")
	}
}

func TestPostCycleLowLineForcesReset(t *testing.T) {
	bank, hx, gpio, chip := newTestBank(t, 0x1234, 100000)
	chip.stuckLow = true
	out := captureResponses(t)

	bank.readSensor(hx)

	if !hx.isFlagSet(hxResetRequired) {
		t.Fatal("reset-required not latched")
	}
	if hx.Bulk.DataCount != 0 {
		t.Errorf("buffer changed on faulted read: %d bytes", hx.Bulk.DataCount)
	}
	// Clock parked high powers the chip down
	if !gpio.pinState[3] {
		t.Error("clock line not parked high after reset")
	}
	if timerList != nil {
		t.Error("timer still scheduled after reset")
	}

	id, args := lastResponse(t, out)
	if id != responseID(t, "reset_hx71x") {
		t.Fatalf("response id = %d, want reset_hx71x", id)
	}
	if vals := decodeUints(t, &args, 1); vals[0] != 1 {
		t.Errorf("reset oid = %d, want 1", vals[0])
	}
}

func TestAbortedCycleNeverKeepsPartialBlock(t *testing.T) {
	resetCoreState(t)
	gpio := newMockGPIO()
	SetGPIODriver(gpio)
	InitSensorBulkResponses()
	bank := NewSensorBank(nil)
	bank.InitCommands()

	// First chip reads clean; the second faults after the cycle. None of
	// the first chip's bytes may survive the abort.
	gpio.attachChip(2, 3, 0x1234, true)
	faulty := gpio.attachChip(4, 5, 0x5678, true)
	faulty.stuckLow = true

	data := encodeConfig(1, 2, 1, 1, 0, [][2]uint32{{2, 3}, {4, 5}})
	if err := bank.handleConfig(&data); err != nil {
		t.Fatalf("config: %v", err)
	}
	data = encodeQuery(1, 100000)
	if err := bank.handleQuery(&data); err != nil {
		t.Fatalf("query: %v", err)
	}
	hx, _ := bank.Lookup(1)

	bank.readSensor(hx)

	if !hx.isFlagSet(hxResetRequired) {
		t.Fatal("faulted second chip did not latch reset-required")
	}
	if hx.Bulk.DataCount != 0 {
		t.Errorf("buffer holds %d bytes after aborted cycle, want 0", hx.Bulk.DataCount)
	}
}

func TestTimingBudgetOverrunForcesReset(t *testing.T) {
	bank, hx, _, _ := newTestBank(t, 0x1234, 50)

	// Each clock read advances time by 10 ticks, so the 24-bit cycle
	// vastly exceeds the 50 tick budget
	ticks := uint32(0)
	SetTickSource(func() uint32 {
		ticks += 10
		return ticks
	})

	bank.readSensor(hx)

	if !hx.isFlagSet(hxResetRequired) {
		t.Error("budget overrun did not latch reset-required")
	}
	if hx.Bulk.DataCount != 0 {
		t.Errorf("buffer changed on overrun read: %d bytes", hx.Bulk.DataCount)
	}
}

func TestBufferFlushOnFullBlock(t *testing.T) {
	bank, hx, gpio, _ := newTestBank(t, 0x1234, 100000)
	out := captureResponses(t)

	// 13 four-byte samples fill the 52-byte buffer exactly; the 13th
	// read flushes
	for i := 0; i < 13; i++ {
		gpio.newConversion()
		bank.readSensor(hx)
	}

	if hx.Bulk.DataCount != 0 {
		t.Errorf("DataCount = %d after flush, want 0", hx.Bulk.DataCount)
	}
	payloads := sentPayloads(t, out)
	if len(payloads) != 1 {
		t.Fatalf("%d reports on wire, want 1", len(payloads))
	}
	id, args := lastResponse(t, out)
	if id != responseID(t, "sensor_bulk_data") {
		t.Fatalf("response id = %d, want sensor_bulk_data", id)
	}
	vals := decodeUints(t, &args, 2)
	data, err := protocol.DecodeVLQBytes(&args)
	if err != nil || len(data) != 52 {
		t.Fatalf("flushed %d bytes (%v), want 52", len(data), err)
	}
	if vals[1] != 0 {
		t.Errorf("first flush sequence = %d, want 0", vals[1])
	}
}

func TestQueryStopClearsState(t *testing.T) {
	bank, hx, _, chip := newTestBank(t, 0x1234, 100000)
	out := captureResponses(t)

	data := encodeQuery(1, 0)
	if err := bank.handleQuery(&data); err != nil {
		t.Fatalf("stop query: %v", err)
	}

	if hx.flags != 0 {
		t.Errorf("flags = %#x after stop, want 0", hx.flags)
	}
	if timerList != nil {
		t.Error("timer still scheduled after stop")
	}

	// A stopped sensor reports nothing pending even with a stale
	// conversion sitting on the lines
	chip.ready = true
	req := protocol.NewScratchOutput()
	protocol.EncodeVLQUint(req, 1)
	d := req.Result()
	if err := bank.handleQueryStatus(&d); err != nil {
		t.Fatalf("status query: %v", err)
	}
	id, args := lastResponse(t, out)
	if id != responseID(t, "sensor_bulk_status") {
		t.Fatalf("response id = %d, want sensor_bulk_status", id)
	}
	if vals := decodeUints(t, &args, 6); vals[4] != 0 {
		t.Errorf("buffered = %d after stop, want 0", vals[4])
	}
}

func TestStatusQuery(t *testing.T) {
	bank, hx, _, chip := newTestBank(t, 0x1234, 100000)
	out := captureResponses(t)

	statusArgs := func() []uint32 {
		req := protocol.NewScratchOutput()
		protocol.EncodeVLQUint(req, 1)
		d := req.Result()
		if err := bank.handleQueryStatus(&d); err != nil {
			t.Fatalf("status query: %v", err)
		}
		id, args := lastResponse(t, out)
		if id != responseID(t, "sensor_bulk_status") {
			t.Fatalf("response id = %d, want sensor_bulk_status", id)
		}
		return decodeUints(t, &args, 6)
	}

	vals := statusArgs()
	if vals[4] != uint32(BytesPerSample) {
		t.Errorf("buffered = %d with ready conversion, want %d", vals[4], BytesPerSample)
	}

	// No conversion ready: nothing pending
	chip.ready = false
	vals = statusArgs()
	if vals[4] != 0 {
		t.Errorf("buffered = %d with no conversion, want 0", vals[4])
	}

	// While reset-required the status never reports pending chip data
	chip.ready = true
	hx.flags = hxResetRequired
	vals = statusArgs()
	if vals[4] != 0 {
		t.Errorf("buffered = %d while reset-required, want 0", vals[4])
	}
}

func TestCaptureTaskFlow(t *testing.T) {
	bank, hx, gpio, _ := newTestBank(t, 0x123456, 1000)

	// Nothing runs until the timer fires
	bank.CaptureTask()
	if gpio.pulses[3] != 0 {
		t.Error("capture ran before timer wake")
	}

	SetTime(1000)
	ProcessTimers()
	bank.CaptureTask()

	if hx.Bulk.DataCount != 4 {
		t.Errorf("DataCount = %d after capture, want 4", hx.Bulk.DataCount)
	}
	// A second pass without a new wake is a no-op
	pulses := gpio.pulses[3]
	bank.CaptureTask()
	if gpio.pulses[3] != pulses {
		t.Error("capture ran without a pending wake")
	}
}

func TestEndstopReceivesSum(t *testing.T) {
	resetCoreState(t)
	gpio := newMockGPIO()
	SetGPIODriver(gpio)
	InitCoreCommands()
	InitSensorBulkResponses()

	trsyncs := NewTrsyncTable()
	trsyncs.InitCommands()
	endstops := NewEndstopTable(trsyncs)
	endstops.InitCommands()
	bank := NewSensorBank(endstops)
	bank.InitCommands()

	// Configure endstop oid 9 first so the bank can bind it
	req := protocol.NewScratchOutput()
	protocol.EncodeVLQUint(req, 9)
	d := req.Result()
	if err := endstops.handleConfig(&d); err != nil {
		t.Fatalf("config endstop: %v", err)
	}

	gpio.attachChip(2, 3, 0x000100, true)
	gpio.attachChip(4, 5, 0x000001, true)
	data := encodeConfig(1, 2, 1, 1, 9, [][2]uint32{{2, 3}, {4, 5}})
	if err := bank.handleConfig(&data); err != nil {
		t.Fatalf("config: %v", err)
	}
	data = encodeQuery(1, 100000)
	if err := bank.handleQuery(&data); err != nil {
		t.Fatalf("query: %v", err)
	}
	hx, _ := bank.Lookup(1)

	bank.readSensor(hx)

	lce, _ := endstops.Lookup(9)
	if lce.lastCounts != 257 {
		t.Errorf("endstop saw %d counts, want 257", lce.lastCounts)
	}
}

func TestResetDuringHomingFiresErrorReason(t *testing.T) {
	resetCoreState(t)
	gpio := newMockGPIO()
	SetGPIODriver(gpio)
	InitCoreCommands()
	InitSensorBulkResponses()

	trsyncs := NewTrsyncTable()
	trsyncs.InitCommands()
	endstops := NewEndstopTable(trsyncs)
	endstops.InitCommands()
	bank := NewSensorBank(endstops)
	bank.InitCommands()

	startTrsync(t, trsyncs, 3, 0, 0, 9)

	req := protocol.NewScratchOutput()
	protocol.EncodeVLQUint(req, 9)
	d := req.Result()
	if err := endstops.handleConfig(&d); err != nil {
		t.Fatalf("config endstop: %v", err)
	}

	// Homing session: trigger reason 4, error reason 5
	req = protocol.NewScratchOutput()
	protocol.EncodeVLQUint(req, 9)
	protocol.EncodeVLQUint(req, 3)
	protocol.EncodeVLQUint(req, 4)
	protocol.EncodeVLQUint(req, 5)
	d = req.Result()
	if err := endstops.handleHome(&d); err != nil {
		t.Fatalf("home: %v", err)
	}

	chip := gpio.attachChip(2, 3, 0x1234, true)
	chip.stuckLow = true
	data := encodeConfig(1, 1, 1, 1, 9, [][2]uint32{{2, 3}})
	if err := bank.handleConfig(&data); err != nil {
		t.Fatalf("config: %v", err)
	}
	data = encodeQuery(1, 100000)
	if err := bank.handleQuery(&data); err != nil {
		t.Fatalf("query: %v", err)
	}
	hx, _ := bank.Lookup(1)

	// The faulted read resets the sensor mid-move; the homing session
	// cannot finish, so the trsync fires with the error reason
	bank.readSensor(hx)

	ts, _ := trsyncs.Lookup(3)
	if ts.Flags&TSF_TRIGGERED == 0 {
		t.Fatal("sensor reset did not fault the homing trsync")
	}
	if ts.TriggerReason != 5 {
		t.Errorf("trigger reason = %d, want error reason 5", ts.TriggerReason)
	}
	lce, _ := endstops.Lookup(9)
	if !lce.homingTriggered {
		t.Error("endstop not marked triggered after reset fault")
	}
}

func TestShutdownParksClockLines(t *testing.T) {
	bank, hx, gpio, _ := newTestBank(t, 0x1234, 100000)
	InitCoreCommands()
	_ = bank

	TryShutdown("test")

	if !gpio.pinState[3] {
		t.Error("clock line not parked high on shutdown")
	}
	if !hx.isFlagSet(hxResetRequired) {
		t.Error("sensor not marked reset-required on shutdown")
	}
	if timerList != nil {
		t.Error("timers survived shutdown")
	}
}
