package protocol

import "errors"

var (
	ErrVLQTruncated = errors.New("truncated VLQ value")
	ErrVLQShortData = errors.New("data shorter than VLQ length prefix")
)

// Klipper's variable length quantity: 7 data bits per byte, high bit set on
// continuation bytes, most significant group first. Signed values ride on
// the same encoding; the first byte's 0x60 bits mark negative numbers.

// EncodeVLQInt appends the VLQ encoding of v to output.
func EncodeVLQInt(output OutputBuffer, v int32) {
	if !(-(1<<26) <= v && v < (3 << 26)) {
		output.Output([]byte{byte((v>>28)&0x7F) | 0x80})
	}
	if !(-(1<<19) <= v && v < (3 << 19)) {
		output.Output([]byte{byte((v>>21)&0x7F) | 0x80})
	}
	if !(-(1<<12) <= v && v < (3 << 12)) {
		output.Output([]byte{byte((v>>14)&0x7F) | 0x80})
	}
	if !(-(1<<5) <= v && v < (3 << 5)) {
		output.Output([]byte{byte((v>>7)&0x7F) | 0x80})
	}
	output.Output([]byte{byte(v & 0x7F)})
}

// EncodeVLQUint appends the VLQ encoding of v to output.
func EncodeVLQUint(output OutputBuffer, v uint32) {
	EncodeVLQInt(output, int32(v))
}

// DecodeVLQInt consumes one VLQ value from *data, advancing the slice.
func DecodeVLQInt(data *[]byte) (int32, error) {
	d := *data
	if len(d) == 0 {
		return 0, ErrVLQTruncated
	}
	c := uint32(d[0])
	d = d[1:]
	v := c & 0x7F
	if c&0x60 == 0x60 {
		// First byte of a negative value; extend the sign.
		v |= ^uint32(0x1F)
	}
	for c&0x80 != 0 {
		if len(d) == 0 {
			return 0, ErrVLQTruncated
		}
		c = uint32(d[0])
		d = d[1:]
		v = v<<7 | c&0x7F
	}
	*data = d
	return int32(v), nil
}

// DecodeVLQUint consumes one VLQ value from *data, advancing the slice.
func DecodeVLQUint(data *[]byte) (uint32, error) {
	v, err := DecodeVLQInt(data)
	return uint32(v), err
}

// EncodeVLQBytes appends a length-prefixed byte buffer (%*s argument).
func EncodeVLQBytes(output OutputBuffer, buf []byte) {
	EncodeVLQUint(output, uint32(len(buf)))
	output.Output(buf)
}

// DecodeVLQBytes consumes a length-prefixed byte buffer from *data.
func DecodeVLQBytes(data *[]byte) ([]byte, error) {
	n, err := DecodeVLQUint(data)
	if err != nil {
		return nil, err
	}
	if uint32(len(*data)) < n {
		return nil, ErrVLQShortData
	}
	buf := (*data)[:n]
	*data = (*data)[n:]
	return buf, nil
}
