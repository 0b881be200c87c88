//go:build rp2040

package main

import (
	"errors"
	"machine"
	"time"

	rp2pio "github.com/tinygo-org/pio/rp2-pio"
)

// ClockBurst generates trains of clock pulses on one pin using a PIO state
// machine. Used by the boot self-test to step a chip through a conversion
// without the bit-bang path, which verifies the board wiring end to end.
type ClockBurst struct {
	sm     rp2pio.StateMachine
	offset uint8
}

var errBurstQueueFull = errors.New("ClockBurst: queue full")

// buildBurstProgram assembles the pulse-train program.
// Each FIFO word is a pulse count; the state machine emits that many
// pulses with 8 PIO cycles high and 8 low.
func buildBurstProgram() []uint16 {
	asm := rp2pio.AssemblerV0{SidesetBits: 0}
	return []uint16{
		// .wrap_target
		asm.Pull(false, true).Encode(),        // 0: pull block (pulse count)
		asm.Out(rp2pio.OutDestX, 32).Encode(), // 1: out x, 32
		// pulse_loop:
		asm.Set(rp2pio.SetDestPins, 1).Delay(7).Encode(), // 2: set pins, 1 [7]
		asm.Set(rp2pio.SetDestPins, 0).Delay(6).Encode(), // 3: set pins, 0 [6]
		asm.Jmp(2, rp2pio.JmpXNZeroDec).Encode(),         // 4: jmp x--, 2
		// .wrap
	}
}

const burstPIOOrigin = 0 // Load at offset 0 for correct jump addresses

// NewClockBurst claims the state machine and binds it to the clock pin
func NewClockBurst(sm rp2pio.StateMachine, pin machine.Pin) (*ClockBurst, error) {
	sm.TryClaim()
	Pio := sm.PIO()

	program := buildBurstProgram()
	offset, err := Pio.AddProgram(program, burstPIOOrigin)
	if err != nil {
		return nil, err
	}

	pin.Configure(machine.PinConfig{Mode: Pio.PinMode()})

	cfg := rp2pio.DefaultStateMachineConfig()
	cfg.SetSetPins(pin, 1)
	// Shift right, no autopull; the program pulls explicitly
	cfg.SetOutShift(true, false, 32)
	cfg.SetWrap(offset+uint8(len(program))-1, offset)
	// 125MHz / 125 = 1MHz PIO clock: 8us per pulse phase, comfortably
	// above the 200ns chip minimum and below the 60us power-down limit
	cfg.SetClkDivIntFrac(125, 0)

	sm.Init(offset, cfg)
	sm.SetPindirsConsecutive(pin, 1, true)
	sm.SetPinsConsecutive(pin, 1, false)
	sm.SetEnabled(true)

	return &ClockBurst{sm: sm, offset: offset}, nil
}

// Queue schedules a train of count pulses. Returns an error when the TX
// FIFO has no room.
func (c *ClockBurst) Queue(count uint32) error {
	if count == 0 {
		return nil
	}
	if c.sm.IsTxFIFOFull() {
		return errBurstQueueFull
	}
	c.sm.TxPut(count - 1)
	return nil
}

// Stop disables the state machine and drops queued bursts
func (c *ClockBurst) Stop() {
	c.sm.SetEnabled(false)
	c.sm.ClearFIFOs()
	c.sm.Restart()
}

// Self-test wiring: first chip pair plus a strap pin that selects the
// test at boot
const (
	selfTestStrapPin = machine.Pin(22)
	selfTestDoutPin  = machine.Pin(2)
	selfTestSclkPin  = machine.Pin(3)
)

// selfTestRequested reads the strap pin; holding it low at boot selects
// the line self-test instead of the protocol loop
func selfTestRequested() bool {
	selfTestStrapPin.Configure(machine.PinConfig{Mode: machine.PinInputPullup})
	time.Sleep(1 * time.Millisecond) // let the pull settle
	return !selfTestStrapPin.Get()
}

// RunLineSelfTest clocks the first chip through one conversion using the
// PIO burst generator and reports the result on the LED: three slow
// blinks for pass, fast blinking forever for fail.
func RunLineSelfTest(gpio *RPGPIODriver) {
	led := machine.LED
	led.Configure(machine.PinConfig{Mode: machine.PinOutput})

	selfTestDoutPin.Configure(machine.PinConfig{Mode: machine.PinInput})

	burst, err := NewClockBurst(rp2pio.PIO0.StateMachine(0), selfTestSclkPin)
	if err != nil {
		blinkForever(led)
	}

	// Wait for a conversion: data line goes low when one is ready
	deadline := time.Now().Add(2 * time.Second)
	for selfTestDoutPin.Get() {
		if time.Now().After(deadline) {
			burst.Stop()
			blinkForever(led)
		}
		time.Sleep(1 * time.Millisecond)
	}

	// 24 data bits plus one gain/channel pulse
	if err := burst.Queue(25); err != nil {
		burst.Stop()
		blinkForever(led)
	}
	// 25 pulses at 16us each finish well within this
	time.Sleep(5 * time.Millisecond)

	// After a full cycle the data line must be high again
	pass := selfTestDoutPin.Get()
	burst.Stop()
	if !pass {
		blinkForever(led)
	}

	for i := 0; i < 3; i++ {
		led.High()
		time.Sleep(300 * time.Millisecond)
		led.Low()
		time.Sleep(300 * time.Millisecond)
	}
}

// blinkForever signals a self-test failure and never returns
func blinkForever(led machine.Pin) {
	for {
		led.High()
		time.Sleep(100 * time.Millisecond)
		led.Low()
		time.Sleep(100 * time.Millisecond)
	}
}
