package protocol

import "sync/atomic"

// CommandDispatcher handles one decoded command; the handler consumes its
// own arguments from the remaining frame data.
type CommandDispatcher func(cmdID uint16, data *[]byte) error

// Transport is the MCU side of the link: it frames incoming host blocks,
// tracks the 4-bit sequence window, dispatches commands and acks every
// block, and streams response frames into the shared output buffer.
type Transport struct {
	synced   uint32 // atomic bool
	nextSeq  uint32 // atomic; expected host sequence (0x10-0x1F)
	output   OutputBuffer
	dispatch CommandDispatcher
	onReset  func() // host re-sync detected
	onAck    func() // flush hook so acks reach the wire before responses
}

func NewTransport(output OutputBuffer, dispatch CommandDispatcher) *Transport {
	return &Transport{
		synced:   1,
		nextSeq:  MessageDest,
		output:   output,
		dispatch: dispatch,
	}
}

// Receive consumes as many complete blocks from input as are available.
// Partial blocks stay buffered; framing errors drop to resync mode.
func (t *Transport) Receive(input InputBuffer) {
	data := input.Data()

	for len(data) > 0 {
		if !t.isSynced() {
			idx := -1
			for i, b := range data {
				if b == MessageSyncByte {
					idx = i
					break
				}
			}
			if idx < 0 {
				data = nil
				break
			}
			data = data[idx+1:]
			t.setSynced(true)
			t.sendAck()
			continue
		}

		if data[0] == MessageSyncByte {
			data = data[1:]
			continue
		}
		if len(data) < MessageLengthMin {
			break
		}

		msgLen := int(data[MessagePosLen])
		if msgLen < MessageLengthMin || msgLen > MessageLengthMax {
			t.setSynced(false)
			continue
		}
		seq := data[MessagePosSeq]
		if seq&^uint8(MessageSeqMask) != MessageDest {
			t.setSynced(false)
			continue
		}
		if len(data) < msgLen {
			break
		}
		if data[msgLen-MessageTrailerSync] != MessageSyncByte {
			t.setSynced(false)
			continue
		}
		wantCRC := uint16(data[msgLen-MessageTrailerCRC])<<8 |
			uint16(data[msgLen-MessageTrailerCRC+1])
		if wantCRC != CRC16(data[:msgLen-MessageTrailerSize]) {
			t.setSynced(false)
			continue
		}

		frame := data[MessageHeaderSize : msgLen-MessageTrailerSize]
		data = data[msgLen:]

		expect := uint8(atomic.LoadUint32(&t.nextSeq))
		if seq == MessageDest && expect != MessageDest {
			// Host restarted its sequence counter.
			atomic.StoreUint32(&t.nextSeq, MessageDest)
			expect = MessageDest
			if t.onReset != nil {
				t.onReset()
			}
		}
		if seq == expect {
			next := (seq+1)&MessageSeqMask | MessageDest
			atomic.StoreUint32(&t.nextSeq, uint32(next))
			_ = t.parseFrame(frame)
		}
		// Ack regardless; a mismatched sequence makes this a nak
		// carrying the sequence we expect.
		t.sendAck()
	}

	if consumed := input.Available() - len(data); consumed > 0 {
		input.Pop(consumed)
	}
}

func (t *Transport) parseFrame(frame []byte) (err error) {
	defer func() {
		if recover() != nil {
			t.setSynced(false)
		}
	}()

	for len(frame) > 0 {
		cmdID, err := DecodeVLQUint(&frame)
		if err != nil {
			t.setSynced(false)
			return err
		}
		if t.dispatch != nil {
			if err := t.dispatch(uint16(cmdID), &frame); err != nil {
				return err
			}
		}
	}
	return nil
}

func (t *Transport) sendAck() {
	seq := uint8(atomic.LoadUint32(&t.nextSeq))
	crc := CRC16([]byte{MessageLengthMin, seq})
	t.output.Output([]byte{
		MessageLengthMin,
		seq,
		uint8(crc >> 8),
		uint8(crc & 0xFF),
		MessageSyncByte,
	})
	// The host serialqueue expects the ack on the wire before any
	// response frame; flush immediately rather than from the main loop.
	if t.onAck != nil {
		t.onAck()
	}
}

// SendFrame streams one response block into the output buffer. The length
// byte is patched once the payload size is known.
func (t *Transport) SendFrame(payload func(output OutputBuffer)) {
	start := t.output.CurPosition()
	seq := uint8(atomic.LoadUint32(&t.nextSeq))
	t.output.Output([]byte{0, seq})

	payload(t.output)

	written := len(t.output.DataSince(start))
	t.output.Update(start, uint8(written+MessageTrailerSize))

	crc := CRC16(t.output.DataSince(start))
	t.output.Output([]byte{uint8(crc >> 8), uint8(crc & 0xFF), MessageSyncByte})
}

// SendCommand emits one response message: command id plus encoded args.
func (t *Transport) SendCommand(cmdID uint16, args func(output OutputBuffer)) {
	t.SendFrame(func(output OutputBuffer) {
		EncodeVLQUint(output, uint32(cmdID))
		if args != nil {
			args(output)
		}
	})
}

// Reset restores post-connect state (USB replug, host restart).
func (t *Transport) Reset() {
	atomic.StoreUint32(&t.synced, 1)
	atomic.StoreUint32(&t.nextSeq, MessageDest)
	if t.onReset != nil {
		t.onReset()
	}
}

func (t *Transport) SetResetCallback(fn func()) { t.onReset = fn }
func (t *Transport) SetAckFlushCallback(fn func()) { t.onAck = fn }

func (t *Transport) isSynced() bool {
	return atomic.LoadUint32(&t.synced) != 0
}

func (t *Transport) setSynced(v bool) {
	if v {
		atomic.StoreUint32(&t.synced, 1)
	} else {
		atomic.StoreUint32(&t.synced, 0)
	}
}
