package mcu

import (
	"fmt"

	"loadsense/protocol"
)

// MaxChips is the largest chip count one bank command configures
const MaxChips = 4

// BankConfig describes one bank of HX71x chips sharing a capture timer
type BankConfig struct {
	OID         uint8
	ChipCount   uint8
	GainChannel uint8
	TrailDelay  bool

	// EndstopOID binds the summed samples to a load-cell endstop;
	// zero leaves the bank unbound
	EndstopOID uint8

	// Pin pairs for chips 0..ChipCount-1; remaining entries are ignored
	DoutPins [MaxChips]uint32
	SclkPins [MaxChips]uint32
}

// ConfigureBank sends config_hx71x for one bank
func (m *MCU) ConfigureBank(cfg *BankConfig) error {
	if cfg.ChipCount < 1 || cfg.ChipCount > MaxChips {
		return fmt.Errorf("chip count %d out of range 1..%d", cfg.ChipCount, MaxChips)
	}
	if cfg.GainChannel < 1 || cfg.GainChannel > 4 {
		return fmt.Errorf("gain channel %d out of range 1..4", cfg.GainChannel)
	}

	trail := uint32(0)
	if cfg.TrailDelay {
		trail = 1
	}

	return m.SendCommand("config_hx71x", func(output protocol.OutputBuffer) {
		protocol.EncodeVLQUint(output, uint32(cfg.OID))
		protocol.EncodeVLQUint(output, uint32(cfg.ChipCount))
		protocol.EncodeVLQUint(output, uint32(cfg.GainChannel))
		protocol.EncodeVLQUint(output, trail)
		protocol.EncodeVLQUint(output, uint32(cfg.EndstopOID))
		// Unused slots repeat the first pair; the board ignores slots
		// past chip_count but the command always carries four pairs
		for i := 0; i < MaxChips; i++ {
			slot := i
			if slot >= int(cfg.ChipCount) {
				slot = 0
			}
			protocol.EncodeVLQUint(output, cfg.DoutPins[slot])
			protocol.EncodeVLQUint(output, cfg.SclkPins[slot])
		}
	})
}

// StartCapture schedules periodic conversions every restTicks clock ticks
func (m *MCU) StartCapture(oid uint8, restTicks uint32) error {
	if restTicks == 0 {
		return fmt.Errorf("rest ticks must be non-zero to start")
	}
	return m.sendQuery(oid, restTicks)
}

// StopCapture stops the capture timer and discards buffered samples
func (m *MCU) StopCapture(oid uint8) error {
	return m.sendQuery(oid, 0)
}

func (m *MCU) sendQuery(oid uint8, restTicks uint32) error {
	return m.SendCommand("query_hx71x", func(output protocol.OutputBuffer) {
		protocol.EncodeVLQUint(output, uint32(oid))
		protocol.EncodeVLQUint(output, restTicks)
	})
}

// QueryStatus requests a sensor_bulk_status response for the bank
func (m *MCU) QueryStatus(oid uint8) error {
	return m.SendCommand("query_hx71x_status", func(output protocol.OutputBuffer) {
		protocol.EncodeVLQUint(output, uint32(oid))
	})
}

// RestTicksForRate converts a target samples-per-second rate into the
// rest tick period. The capture timer runs slightly faster than the chip
// conversion rate so a ready sample is never left waiting; the chip's
// own data-ready line paces the actual reads.
func RestTicksForRate(clockFreq uint32, sps float64) uint32 {
	if sps <= 0 {
		return 0
	}
	return uint32(0.7 / sps * float64(clockFreq))
}

// DecodeSamples unpacks a sensor_bulk_data payload into signed counts.
// Samples are 32-bit little-endian, already sign-extended by the board,
// interleaved across the bank's chips in configuration order.
func DecodeSamples(data []byte) ([]int32, error) {
	if len(data)%4 != 0 {
		return nil, fmt.Errorf("sample block length %d not a multiple of 4", len(data))
	}
	samples := make([]int32, len(data)/4)
	for i := range samples {
		b := data[i*4:]
		samples[i] = int32(uint32(b[0]) | uint32(b[1])<<8 |
			uint32(b[2])<<16 | uint32(b[3])<<24)
	}
	return samples, nil
}

// ConfigureEndstop creates a load-cell endstop object on the board
func (m *MCU) ConfigureEndstop(oid uint8) error {
	return m.SendCommand("config_load_cell_endstop", func(output protocol.OutputBuffer) {
		protocol.EncodeVLQUint(output, uint32(oid))
	})
}

// SetEndstopRange arms the trigger window. Samples whose tare-adjusted
// value falls outside [triggerMin, triggerMax] count toward the trigger;
// triggerCount consecutive out-of-range samples fire it.
func (m *MCU) SetEndstopRange(oid uint8, triggerMin, triggerMax, tare int32, triggerCount uint8) error {
	if triggerCount == 0 {
		return fmt.Errorf("trigger count must be non-zero")
	}
	return m.SendCommand("set_range_load_cell_endstop", func(output protocol.OutputBuffer) {
		protocol.EncodeVLQUint(output, uint32(oid))
		protocol.EncodeVLQInt(output, triggerMax)
		protocol.EncodeVLQInt(output, triggerMin)
		protocol.EncodeVLQInt(output, tare)
		protocol.EncodeVLQUint(output, uint32(triggerCount))
	})
}
