// Bulk sample buffering shared by streaming sensors
package core

import (
	"loadsense/protocol"
)

// SensorBulkDataSize is the buffer capacity in bytes. Sized so a full
// report fits in one wire frame with headroom for the message header.
const SensorBulkDataSize = 52

// SensorBulk accumulates raw sample bytes between reports to the host.
// The sequence counter lets the host detect dropped report messages.
type SensorBulk struct {
	Sequence          uint16
	PossibleOverflows uint16
	DataCount         uint8
	Data              [SensorBulkDataSize]byte
}

// InitSensorBulkResponses registers the shared bulk-sensor responses
func InitSensorBulkResponses() {
	RegisterResponse("sensor_bulk_data", "oid=%c sequence=%hu data=%*s")
	RegisterResponse("sensor_bulk_status",
		"oid=%c clock=%u query_ticks=%u next_sequence=%hu buffered=%c possible_overflows=%hu")
}

// Reset clears the buffer and counters at the start of a capture session
func (sb *SensorBulk) Reset() {
	sb.Sequence = 0
	sb.PossibleOverflows = 0
	sb.DataCount = 0
}

// AppendLE32 appends a 32-bit value in little-endian byte order.
// The caller flushes before the buffer can overflow.
func (sb *SensorBulk) AppendLE32(v uint32) {
	sb.Data[sb.DataCount] = byte(v)
	sb.Data[sb.DataCount+1] = byte(v >> 8)
	sb.Data[sb.DataCount+2] = byte(v >> 16)
	sb.Data[sb.DataCount+3] = byte(v >> 24)
	sb.DataCount += 4
}

// NoteOverflow records that samples may have been lost
func (sb *SensorBulk) NoteOverflow() {
	sb.PossibleOverflows++
}

// Report sends the buffered bytes to the host and advances the sequence
func (sb *SensorBulk) Report(oid uint8) {
	// Copy out before the send closure runs; the buffer is reused
	// immediately for the next samples.
	data := make([]byte, sb.DataCount)
	copy(data, sb.Data[:sb.DataCount])
	sequence := sb.Sequence

	sb.DataCount = 0
	sb.Sequence++

	RecordTiming(EvtBufferFlush, oid, GetTime(), uint32(len(data)), uint32(sequence))

	SendResponse("sensor_bulk_data", func(output protocol.OutputBuffer) {
		protocol.EncodeVLQUint(output, uint32(oid))
		protocol.EncodeVLQUint(output, uint32(sequence))
		protocol.EncodeVLQBytes(output, data)
	})
}

// Status sends a non-blocking status snapshot. pendingBytes counts sample
// bytes ready in the sensor itself but not yet read into the buffer.
func (sb *SensorBulk) Status(oid uint8, clock, queryTicks uint32, pendingBytes uint8) {
	buffered := uint32(sb.DataCount) + uint32(pendingBytes)
	nextSequence := sb.Sequence
	possibleOverflows := sb.PossibleOverflows

	SendResponse("sensor_bulk_status", func(output protocol.OutputBuffer) {
		protocol.EncodeVLQUint(output, uint32(oid))
		protocol.EncodeVLQUint(output, clock)
		protocol.EncodeVLQUint(output, queryTicks)
		protocol.EncodeVLQUint(output, uint32(nextSequence))
		protocol.EncodeVLQUint(output, buffered)
		protocol.EncodeVLQUint(output, uint32(possibleOverflows))
	})
}
