package core

import (
	"bytes"
	"testing"

	"loadsense/protocol"
)

func TestSensorBulkAppendLE32(t *testing.T) {
	var sb SensorBulk
	sb.AppendLE32(0x00123456)

	want := []byte{0x56, 0x34, 0x12, 0x00}
	if !bytes.Equal(sb.Data[:4], want) {
		t.Errorf("Data = %v, want %v", sb.Data[:4], want)
	}
	if sb.DataCount != 4 {
		t.Errorf("DataCount = %d, want 4", sb.DataCount)
	}

	// Negative samples carry their sign-extension bytes
	sb.AppendLE32(0xFFFEDCBA)
	want = []byte{0xBA, 0xDC, 0xFE, 0xFF}
	if !bytes.Equal(sb.Data[4:8], want) {
		t.Errorf("Data = %v, want %v", sb.Data[4:8], want)
	}
}

func TestSensorBulkReport(t *testing.T) {
	resetCoreState(t)
	InitSensorBulkResponses()
	out := captureResponses(t)

	var sb SensorBulk
	sb.Reset()
	sb.AppendLE32(0x00000001)
	sb.AppendLE32(0x00000002)

	sb.Report(7)

	if sb.DataCount != 0 {
		t.Errorf("DataCount = %d after report, want 0", sb.DataCount)
	}
	if sb.Sequence != 1 {
		t.Errorf("Sequence = %d after report, want 1", sb.Sequence)
	}

	id, args := lastResponse(t, out)
	if id != responseID(t, "sensor_bulk_data") {
		t.Fatalf("response id = %d, want sensor_bulk_data", id)
	}
	vals := decodeUints(t, &args, 2)
	if vals[0] != 7 || vals[1] != 0 {
		t.Errorf("oid/sequence = %v, want [7 0]", vals)
	}
	data, err := protocol.DecodeVLQBytes(&args)
	if err != nil || len(data) != 8 {
		t.Fatalf("data len = %d (%v), want 8", len(data), err)
	}
	if data[0] != 1 || data[4] != 2 {
		t.Errorf("report data = %v", data)
	}

	// A second report advances the sequence
	sb.AppendLE32(0x00000003)
	sb.Report(7)
	_, args = lastResponse(t, out)
	vals = decodeUints(t, &args, 2)
	if vals[1] != 1 {
		t.Errorf("second report sequence = %d, want 1", vals[1])
	}
}

func TestSensorBulkStatus(t *testing.T) {
	resetCoreState(t)
	InitSensorBulkResponses()
	out := captureResponses(t)

	var sb SensorBulk
	sb.Reset()
	sb.AppendLE32(0x00000001)
	sb.Sequence = 5
	sb.PossibleOverflows = 2

	sb.Status(3, 1000, 4, 8)

	id, args := lastResponse(t, out)
	if id != responseID(t, "sensor_bulk_status") {
		t.Fatalf("response id = %d, want sensor_bulk_status", id)
	}
	vals := decodeUints(t, &args, 6)
	want := []uint32{3, 1000, 4, 5, 4 + 8, 2}
	for i := range want {
		if vals[i] != want[i] {
			t.Errorf("status arg %d = %d, want %d (%v)", i, vals[i], want[i], vals)
		}
	}
}

func TestSensorBulkReset(t *testing.T) {
	var sb SensorBulk
	sb.AppendLE32(9)
	sb.Sequence = 3
	sb.PossibleOverflows = 1

	sb.Reset()
	if sb.DataCount != 0 || sb.Sequence != 0 || sb.PossibleOverflows != 0 {
		t.Errorf("Reset left state: %+v", sb)
	}
}
