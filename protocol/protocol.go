// Package protocol implements the Klipper MCU wire protocol used between
// the loadsense firmware and its host.
package protocol

// Version is reported in the data dictionary.
const Version = "loadsense-0.1.0"

// Wire framing. A message block is:
//
//	<length> <sequence> <payload...> <crc16 hi> <crc16 lo> <sync>
//
// Length covers the whole block. Sequence is 4 bits wide with the high
// nibble fixed at MessageDest.
const (
	MessageHeaderSize  = 2
	MessageTrailerSize = 3
	MessageLengthMin   = MessageHeaderSize + MessageTrailerSize
	MessageLengthMax   = 64

	MessagePosLen = 0
	MessagePosSeq = 1

	MessageTrailerCRC  = 3
	MessageTrailerSync = 1

	MessageSyncByte = 0x7E
	MessageDest     = 0x10
	MessageSeqMask  = 0x0F

	// MessageMax sizes the scratch output buffer; several blocks may be
	// pending between main-loop flushes.
	MessageMax = 512
)

// Message is one parsed wire block.
type Message struct {
	Length   uint8
	Sequence uint8
	Payload  []byte
	CRC      uint16
}

// EncodeFrame builds a complete wire block around payload with the given
// sequence byte. Used by the host transport and by tests; the MCU side
// streams frames directly into its output buffer instead.
func EncodeFrame(seq uint8, payload []byte) []byte {
	n := MessageHeaderSize + len(payload) + MessageTrailerSize
	msg := make([]byte, 0, n)
	msg = append(msg, uint8(n), seq)
	msg = append(msg, payload...)
	crc := CRC16(msg)
	msg = append(msg, uint8(crc>>8), uint8(crc&0xFF), MessageSyncByte)
	return msg
}
