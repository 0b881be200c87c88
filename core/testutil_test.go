package core

import (
	"testing"

	"loadsense/protocol"
)

// mockChip simulates one HX71x chip attached to a dout/sclk pin pair.
// Each rising edge on sclk advances the bit the data line presents.
type mockChip struct {
	sclk     GPIOPin
	value    uint32 // 24-bit raw conversion, MSB first
	ready    bool   // data line low before the cycle starts
	stuckLow bool   // data line stays low after the cycle (fault)
}

// mockGPIO implements GPIODriver with scripted chip behavior
type mockGPIO struct {
	pinState map[GPIOPin]bool
	pulses   map[GPIOPin]int // rising edges per pin
	chips    map[GPIOPin]*mockChip
}

func newMockGPIO() *mockGPIO {
	return &mockGPIO{
		pinState: make(map[GPIOPin]bool),
		pulses:   make(map[GPIOPin]int),
		chips:    make(map[GPIOPin]*mockChip),
	}
}

// attachChip wires a simulated chip between a dout and sclk pin
func (m *mockGPIO) attachChip(dout, sclk GPIOPin, value uint32, ready bool) *mockChip {
	chip := &mockChip{sclk: sclk, value: value & 0xFFFFFF, ready: ready}
	m.chips[dout] = chip
	return chip
}

// newConversion rearms every chip for another read cycle
func (m *mockGPIO) newConversion() {
	for pin := range m.pulses {
		m.pulses[pin] = 0
	}
	for _, chip := range m.chips {
		chip.ready = true
	}
}

func (m *mockGPIO) ConfigureOutput(pin GPIOPin) error        { return nil }
func (m *mockGPIO) ConfigureInput(pin GPIOPin) error         { return nil }
func (m *mockGPIO) ConfigureInputPullUp(pin GPIOPin) error   { return nil }
func (m *mockGPIO) ConfigureInputPullDown(pin GPIOPin) error { return nil }

func (m *mockGPIO) SetPin(pin GPIOPin, value bool) error {
	if value && !m.pinState[pin] {
		m.pulses[pin]++
	}
	m.pinState[pin] = value
	return nil
}

func (m *mockGPIO) GetPin(pin GPIOPin) (bool, error) {
	return m.ReadPin(pin), nil
}

func (m *mockGPIO) ReadPin(pin GPIOPin) bool {
	chip, ok := m.chips[pin]
	if !ok {
		return m.pinState[pin]
	}
	n := m.pulses[chip.sclk]
	switch {
	case n == 0:
		// Idle: low means a conversion is ready
		return !chip.ready
	case n >= 1 && n <= 24:
		// Data bits, MSB first, valid after each clock pulse
		return chip.value>>(24-uint(n))&1 == 1
	default:
		// Past the data bits the line goes high until the next
		// conversion completes, unless the chip is faulted
		return !chip.stuckLow
	}
}

// resetCoreState gives each test a clean registry, schedule, and clock
func resetCoreState(t *testing.T) {
	t.Helper()
	globalRegistry = NewCommandRegistry()
	globalDictionary = NewDictionary(globalRegistry)
	globalTransport = nil
	shutdownHooks = nil
	ResetTimers()
	ResetFirmwareState()
	SetTickSource(nil)
	SetTime(0)
	ClearTimingRing()
	t.Cleanup(func() {
		SetTickSource(nil)
		globalTransport = nil
		gpioDriver = nil
		ResetTimers()
	})
}

// captureResponses installs a transport writing to a scratch buffer and
// returns it for later decoding
func captureResponses(t *testing.T) *protocol.ScratchOutput {
	t.Helper()
	out := protocol.NewScratchOutput()
	SetGlobalTransport(protocol.NewTransport(out, nil))
	return out
}

// sentPayloads splits the raw wire bytes into per-frame payloads
func sentPayloads(t *testing.T, out *protocol.ScratchOutput) [][]byte {
	t.Helper()
	var payloads [][]byte
	raw := out.Result()
	for len(raw) > 0 {
		frameLen := int(raw[protocol.MessagePosLen])
		if frameLen < protocol.MessageLengthMin || frameLen > len(raw) {
			t.Fatalf("malformed frame on wire: len=%d remaining=%d", frameLen, len(raw))
		}
		payload := raw[protocol.MessageHeaderSize : frameLen-protocol.MessageTrailerSize]
		payloads = append(payloads, payload)
		raw = raw[frameLen:]
	}
	return payloads
}

// lastResponse returns the command ID and remaining argument bytes of the
// most recent frame on the wire
func lastResponse(t *testing.T, out *protocol.ScratchOutput) (uint32, []byte) {
	t.Helper()
	payloads := sentPayloads(t, out)
	if len(payloads) == 0 {
		t.Fatalf("no responses on wire")
	}
	payload := payloads[len(payloads)-1]
	id, err := protocol.DecodeVLQUint(&payload)
	if err != nil {
		t.Fatalf("response id decode: %v", err)
	}
	return id, payload
}

// responseID looks up the wire ID a response name was registered under
func responseID(t *testing.T, name string) uint32 {
	t.Helper()
	cmd, ok := globalRegistry.GetCommandByName(name)
	if !ok {
		t.Fatalf("response %s not registered", name)
	}
	return uint32(cmd.ID)
}

// decodeUints decodes n VLQ unsigned values from data, advancing it
func decodeUints(t *testing.T, data *[]byte, n int) []uint32 {
	t.Helper()
	vals := make([]uint32, 0, n)
	for i := 0; i < n; i++ {
		v, err := protocol.DecodeVLQUint(data)
		if err != nil {
			t.Fatalf("arg %d decode: %v", i, err)
		}
		vals = append(vals, v)
	}
	return vals
}
