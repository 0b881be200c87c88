package mcu

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"loadsense/host/serial"
	"loadsense/protocol"
)

// MCU represents a connection to a sensor board
type MCU struct {
	// Transport layer
	transport *protocol.HostTransport

	// Serial port
	port serial.Port

	// Dictionary data
	dictionary     *Dictionary
	dictionaryData []byte

	// Lookup tables built from the dictionary
	commandsByName map[string]uint16
	responsesByID  map[uint16]*messageSpec

	// Decoded-response callbacks keyed by response name
	handlers map[string]func(*DecodedResponse)

	// Connection state
	connected bool
}

// Dictionary represents the parsed MCU dictionary
type Dictionary struct {
	Version       string                    `json:"version"`
	BuildVersions string                    `json:"build_versions"`
	Config        map[string]string         `json:"config"`
	Commands      map[string]int            `json:"commands"`
	Responses     map[string]int            `json:"responses"`
	Enumerations  map[string]map[string]int `json:"enumerations,omitempty"`
}

// DecodedResponse is one response message decoded against its dictionary
// format string
type DecodedResponse struct {
	Name   string
	Values map[string]int64
	Bytes  map[string][]byte
}

// messageSpec is a parsed format string: the message name plus its
// positional fields
type messageSpec struct {
	name   string
	fields []fieldSpec
}

type fieldSpec struct {
	name string
	typ  fieldType
}

type fieldType int

const (
	fieldUint  fieldType = iota // %c, %u, %hu
	fieldInt                    // %i, %hi
	fieldBytes                  // %*s
)

// NewMCU creates a new MCU instance (not yet connected)
func NewMCU() *MCU {
	return &MCU{
		handlers:  make(map[string]func(*DecodedResponse)),
		connected: false,
	}
}

// Connect connects to an MCU via serial port
func (m *MCU) Connect(device string) error {
	return m.ConnectWithConfig(serial.DefaultConfig(device))
}

// ConnectWithConfig connects to an MCU with a custom serial config
func (m *MCU) ConnectWithConfig(cfg *serial.Config) error {
	port, err := serial.Open(cfg)
	if err != nil {
		return fmt.Errorf("failed to open serial port: %w", err)
	}

	m.port = port
	m.transport = protocol.NewHostTransport(port)
	m.connected = true

	// Give the board time to initialize if it just powered on.
	// The response handler is installed later, after the dictionary is
	// parsed: until then responses flow through the pull channel that
	// RetrieveDictionary reads from.
	time.Sleep(100 * time.Millisecond)

	return nil
}

// Close closes the connection to the MCU
func (m *MCU) Close() error {
	if m.transport != nil {
		if err := m.transport.Close(); err != nil {
			return err
		}
	}
	m.connected = false
	return nil
}

// RetrieveDictionary retrieves the complete dictionary from the MCU and
// starts dispatching decoded responses to registered handlers
func (m *MCU) RetrieveDictionary() error {
	if !m.connected {
		return fmt.Errorf("not connected to MCU")
	}

	// The dictionary is retrieved in chunks: offset 0, 40 bytes at a time
	var dictBuffer bytes.Buffer
	offset := uint32(0)
	chunkSize := uint8(40)
	maxIterations := 1000 // Safety limit

	for i := 0; i < maxIterations; i++ {
		chunk, err := m.sendIdentify(offset, chunkSize)
		if err != nil {
			return fmt.Errorf("failed to retrieve dictionary chunk at offset %d: %w", offset, err)
		}

		if len(chunk) == 0 {
			break
		}

		dictBuffer.Write(chunk)
		offset += uint32(len(chunk))

		// A short chunk means we reached the end
		if len(chunk) < int(chunkSize) {
			break
		}
	}

	// The board always serves the dictionary as plain JSON, never
	// zlib-compressed, so parse it directly.
	m.dictionaryData = dictBuffer.Bytes()
	if err := m.parseDictionary(); err != nil {
		return fmt.Errorf("failed to parse dictionary: %w", err)
	}

	// Now that response formats are known, route everything through the
	// decoding handler.
	m.transport.SetResponseHandler(m.handleResponse)

	return nil
}

// sendIdentify sends an identify command and waits for response
func (m *MCU) sendIdentify(offset uint32, count uint8) ([]byte, error) {
	// identify is bootstrap command ID 1; its response is ID 0
	err := m.transport.SendCommand(1, func(output protocol.OutputBuffer) {
		protocol.EncodeVLQUint(output, offset)
		protocol.EncodeVLQUint(output, uint32(count))
	})
	if err != nil {
		return nil, fmt.Errorf("failed to send identify command: %w", err)
	}

	resp, err := m.transport.ReceiveResponse(1 * time.Second)
	if err != nil {
		return nil, fmt.Errorf("failed to receive identify response: %w", err)
	}

	// Response payload: cmdID (VLQ), offset (VLQ), data (VLQ bytes)
	payload := resp.Payload

	cmdID, err := protocol.DecodeVLQUint(&payload)
	if err != nil {
		return nil, fmt.Errorf("failed to decode response command ID: %w", err)
	}
	if cmdID != 0 {
		return nil, fmt.Errorf("unexpected response command ID: %d (expected 0)", cmdID)
	}

	respOffset, err := protocol.DecodeVLQUint(&payload)
	if err != nil {
		return nil, fmt.Errorf("failed to decode response offset: %w", err)
	}
	if respOffset != offset {
		return nil, fmt.Errorf("offset mismatch: expected %d, got %d", offset, respOffset)
	}

	data, err := protocol.DecodeVLQBytes(&payload)
	if err != nil {
		return nil, fmt.Errorf("failed to decode response data: %w", err)
	}

	return data, nil
}

// parseDictionary parses the dictionary JSON and builds the name and
// format lookup tables
func (m *MCU) parseDictionary() error {
	dict := &Dictionary{}
	if err := json.Unmarshal(m.dictionaryData, dict); err != nil {
		return fmt.Errorf("failed to unmarshal JSON: %w", err)
	}
	m.dictionary = dict

	m.commandsByName = make(map[string]uint16, len(dict.Commands))
	for format, id := range dict.Commands {
		spec, err := parseFormat(format)
		if err != nil {
			return fmt.Errorf("bad command format %q: %w", format, err)
		}
		m.commandsByName[spec.name] = uint16(id)
	}

	m.responsesByID = make(map[uint16]*messageSpec, len(dict.Responses))
	for format, id := range dict.Responses {
		spec, err := parseFormat(format)
		if err != nil {
			return fmt.Errorf("bad response format %q: %w", format, err)
		}
		m.responsesByID[uint16(id)] = spec
	}

	return nil
}

// parseFormat parses "name field1=%c field2=%u ..." into a messageSpec
func parseFormat(format string) (*messageSpec, error) {
	parts := strings.Fields(format)
	if len(parts) == 0 {
		return nil, fmt.Errorf("empty format")
	}

	spec := &messageSpec{name: parts[0]}
	for _, part := range parts[1:] {
		eq := strings.IndexByte(part, '=')
		if eq < 0 {
			return nil, fmt.Errorf("field %q has no type", part)
		}
		field := fieldSpec{name: part[:eq]}
		switch part[eq+1:] {
		case "%c", "%u", "%hu":
			field.typ = fieldUint
		case "%i", "%hi":
			field.typ = fieldInt
		case "%*s", "%s":
			field.typ = fieldBytes
		default:
			return nil, fmt.Errorf("field %q has unknown type", part)
		}
		spec.fields = append(spec.fields, field)
	}
	return spec, nil
}

// handleResponse decodes one response in a block against its dictionary
// format. It must consume exactly the response's arguments so the
// transport can parse the rest of the block.
func (m *MCU) handleResponse(cmdID uint16, data *[]byte) error {
	spec, ok := m.responsesByID[cmdID]
	if !ok {
		return fmt.Errorf("unknown response ID %d", cmdID)
	}

	decoded := &DecodedResponse{
		Name:   spec.name,
		Values: make(map[string]int64, len(spec.fields)),
	}

	for _, field := range spec.fields {
		switch field.typ {
		case fieldUint:
			v, err := protocol.DecodeVLQUint(data)
			if err != nil {
				return fmt.Errorf("%s.%s: %w", spec.name, field.name, err)
			}
			decoded.Values[field.name] = int64(v)
		case fieldInt:
			v, err := protocol.DecodeVLQInt(data)
			if err != nil {
				return fmt.Errorf("%s.%s: %w", spec.name, field.name, err)
			}
			decoded.Values[field.name] = int64(v)
		case fieldBytes:
			v, err := protocol.DecodeVLQBytes(data)
			if err != nil {
				return fmt.Errorf("%s.%s: %w", spec.name, field.name, err)
			}
			if decoded.Bytes == nil {
				decoded.Bytes = make(map[string][]byte, 1)
			}
			decoded.Bytes[field.name] = v
		}
	}

	if fn, ok := m.handlers[spec.name]; ok {
		fn(decoded)
	}
	return nil
}

// OnResponse registers a callback for a response by name. Callbacks run
// on the transport's read goroutine and must not block.
func (m *MCU) OnResponse(name string, fn func(*DecodedResponse)) {
	m.handlers[name] = fn
}

// SendCommand sends a command to the MCU by name
func (m *MCU) SendCommand(name string, args func(output protocol.OutputBuffer)) error {
	if !m.connected {
		return fmt.Errorf("not connected to MCU")
	}
	if m.dictionary == nil {
		return fmt.Errorf("dictionary not loaded")
	}

	cmdID, ok := m.commandsByName[name]
	if !ok {
		return fmt.Errorf("unknown command: %s", name)
	}

	return m.transport.SendCommand(cmdID, args)
}

// ConfigUint looks up a numeric dictionary constant like CLOCK_FREQ
func (m *MCU) ConfigUint(name string) (uint32, error) {
	if m.dictionary == nil {
		return 0, fmt.Errorf("dictionary not loaded")
	}
	raw, ok := m.dictionary.Config[name]
	if !ok {
		return 0, fmt.Errorf("constant %s not in dictionary", name)
	}
	v, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("constant %s is not numeric: %w", name, err)
	}
	return uint32(v), nil
}

// GetDictionary returns the parsed dictionary
func (m *MCU) GetDictionary() *Dictionary {
	return m.dictionary
}

// GetDictionaryRaw returns the raw dictionary data
func (m *MCU) GetDictionaryRaw() []byte {
	return m.dictionaryData
}

// IsConnected returns whether the MCU is connected
func (m *MCU) IsConnected() bool {
	return m.connected
}

// PrintDictionary prints a summary of the dictionary
func (m *MCU) PrintDictionary() {
	if m.dictionary == nil {
		fmt.Println("No dictionary loaded")
		return
	}

	fmt.Println("\n=== MCU Dictionary ===")
	fmt.Printf("Version: %s\n", m.dictionary.Version)
	fmt.Printf("Build: %s\n", m.dictionary.BuildVersions)

	fmt.Println("\nConfig:")
	for k, v := range m.dictionary.Config {
		fmt.Printf("  %s = %s\n", k, v)
	}

	fmt.Printf("\nCommands (%d):\n", len(m.dictionary.Commands))
	for name, id := range m.dictionary.Commands {
		fmt.Printf("  [%d] %s\n", id, name)
	}

	fmt.Printf("\nResponses (%d):\n", len(m.dictionary.Responses))
	for name, id := range m.dictionary.Responses {
		fmt.Printf("  [%d] %s\n", id, name)
	}

	if len(m.dictionary.Enumerations) > 0 {
		fmt.Printf("\nEnumerations (%d):\n", len(m.dictionary.Enumerations))
		for name, values := range m.dictionary.Enumerations {
			fmt.Printf("  %s: %d values\n", name, len(values))
		}
	}

	fmt.Println("======================")
}
