package protocol

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

// ResponseHandler receives MCU responses as they arrive on the reader
// goroutine. The handler consumes its own arguments from *data.
type ResponseHandler func(cmdID uint16, data *[]byte) error

// HostTransport is the host side of the link: it sends sequenced command
// blocks, waits for the MCU's ack, and routes response blocks either to a
// registered handler or to a pull channel.
type HostTransport struct {
	port io.ReadWriteCloser

	curSeq uint32 // atomic; next sequence to send (0x10-0x1F)
	synced uint32 // atomic bool

	input *FifoBuffer

	acks      chan *Message
	responses chan *Message
	handler   ResponseHandler

	writeMu sync.Mutex

	stop chan struct{}
	done chan struct{}
}

func NewHostTransport(port io.ReadWriteCloser) *HostTransport {
	t := &HostTransport{
		port:      port,
		curSeq:    MessageDest,
		synced:    1,
		input:     NewFifoBuffer(1024),
		acks:      make(chan *Message, 1),
		responses: make(chan *Message, 16),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	go t.readLoop()
	return t
}

// SendCommand transmits one command block and waits for its ack.
func (t *HostTransport) SendCommand(cmdID uint16, args func(output OutputBuffer)) error {
	return t.SendCommandTimeout(cmdID, args, 2*time.Second)
}

func (t *HostTransport) SendCommandTimeout(cmdID uint16, args func(output OutputBuffer), timeout time.Duration) error {
	scratch := NewScratchOutput()
	EncodeVLQUint(scratch, uint32(cmdID))
	if args != nil {
		args(scratch)
	}
	payload := scratch.Result()
	if MessageHeaderSize+len(payload)+MessageTrailerSize > MessageLengthMax {
		return fmt.Errorf("command %d payload too long: %d bytes", cmdID, len(payload))
	}

	seq := uint8(atomic.LoadUint32(&t.curSeq))
	msg := EncodeFrame(seq, payload)

	t.writeMu.Lock()
	n, err := t.port.Write(msg)
	t.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("serial write: %w", err)
	}
	if n != len(msg) {
		return fmt.Errorf("short serial write: %d/%d bytes", n, len(msg))
	}

	return t.waitAck(timeout)
}

func (t *HostTransport) waitAck(timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case ack := <-t.acks:
			seq := uint8(atomic.LoadUint32(&t.curSeq))
			want := (seq+1)&MessageSeqMask | MessageDest
			if ack.Sequence != want {
				// Stale ack from a previous exchange; keep waiting.
				continue
			}
			atomic.StoreUint32(&t.curSeq, uint32(want))
			return nil
		case <-timer.C:
			return fmt.Errorf("no ack within %v", timeout)
		case <-t.stop:
			return fmt.Errorf("transport closed")
		}
	}
}

// ReceiveResponse pulls the next response block not consumed by the
// registered handler.
func (t *HostTransport) ReceiveResponse(timeout time.Duration) (*Message, error) {
	select {
	case msg := <-t.responses:
		return msg, nil
	case <-time.After(timeout):
		return nil, fmt.Errorf("no response within %v", timeout)
	case <-t.stop:
		return nil, fmt.Errorf("transport closed")
	}
}

// SetResponseHandler routes responses to fn instead of the pull channel.
func (t *HostTransport) SetResponseHandler(fn ResponseHandler) {
	t.handler = fn
}

func (t *HostTransport) Close() error {
	select {
	case <-t.stop:
	default:
		close(t.stop)
	}
	err := t.port.Close()
	<-t.done
	return err
}

func (t *HostTransport) readLoop() {
	defer close(t.done)
	buf := make([]byte, 256)
	for {
		select {
		case <-t.stop:
			return
		default:
		}
		n, err := t.port.Read(buf)
		if err != nil {
			if err == io.EOF {
				return
			}
			// Serial read timeouts surface as errors on some
			// platforms; back off briefly and retry.
			time.Sleep(10 * time.Millisecond)
			continue
		}
		if n > 0 {
			t.input.Write(buf[:n])
			t.parseInput()
		}
	}
}

func (t *HostTransport) parseInput() {
	data := t.input.Data()

	for len(data) > 0 {
		if atomic.LoadUint32(&t.synced) == 0 {
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
			atomic.StoreUint32(&t.synced, 1)
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
			atomic.StoreUint32(&t.synced, 0)
			continue
		}
		if len(data) < msgLen {
			break
		}
		if data[msgLen-MessageTrailerSync] != MessageSyncByte {
			atomic.StoreUint32(&t.synced, 0)
			continue
		}
		crc := uint16(data[msgLen-MessageTrailerCRC])<<8 |
			uint16(data[msgLen-MessageTrailerCRC+1])
		if crc != CRC16(data[:msgLen-MessageTrailerSize]) {
			atomic.StoreUint32(&t.synced, 0)
			continue
		}

		payload := make([]byte, msgLen-MessageHeaderSize-MessageTrailerSize)
		copy(payload, data[MessageHeaderSize:msgLen-MessageTrailerSize])
		msg := &Message{
			Length:   data[MessagePosLen],
			Sequence: data[MessagePosSeq],
			Payload:  payload,
			CRC:      crc,
		}
		data = data[msgLen:]
		t.route(msg)
	}

	if consumed := t.input.Available() - len(data); consumed > 0 {
		t.input.Pop(consumed)
	}
}

func (t *HostTransport) route(msg *Message) {
	if len(msg.Payload) == 0 {
		// Empty payload is the MCU's ack/nak.
		select {
		case t.acks <- msg:
		default:
		}
		return
	}

	if t.handler != nil {
		payload := msg.Payload
		for len(payload) > 0 {
			cmdID, err := DecodeVLQUint(&payload)
			if err != nil {
				return
			}
			if err := t.handler(uint16(cmdID), &payload); err != nil {
				return
			}
		}
		return
	}

	select {
	case t.responses <- msg:
	default:
		// Consumer not keeping up; drop rather than block the reader.
	}
}
