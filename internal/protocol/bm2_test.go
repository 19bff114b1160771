package protocol

import (
	"context"
	"testing"
	"time"

	"github.com/batteryhawk/battery-hawk/internal/model"
)

func buildBM2Frame(cmd byte, payload []byte) []byte {
	frame := []byte{0xAA, 0x55, cmd, byte(len(payload))}
	frame = append(frame, payload...)
	frame = append(frame, bm2Checksum(frame))
	return frame
}

func TestBM2OnNotifyDecodesReading(t *testing.T) {
	d := newBM2()

	// voltage=1250 (12.50V), current=-50 (-0.50A), temp byte=65 (25C), soc=80%
	payload := []byte{0x04, 0xE2, 0xFF, 0xCE, 65, 80}
	d.onNotify(buildBM2Frame(bm2CmdReadData, payload))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	reading, err := d.ReadData(ctx)
	if err != nil {
		t.Fatalf("ReadData: %v", err)
	}
	if reading.VoltageV != 12.50 {
		t.Errorf("voltage = %v, want 12.50", reading.VoltageV)
	}
	if reading.CurrentA != -0.50 {
		t.Errorf("current = %v, want -0.50", reading.CurrentA)
	}
	if reading.TemperatureC != 25 {
		t.Errorf("temperature = %v, want 25", reading.TemperatureC)
	}
	if reading.StateOfCharge != 80 {
		t.Errorf("soc = %v, want 80", reading.StateOfCharge)
	}
}

func TestBM2OnNotifyRejectsBadChecksum(t *testing.T) {
	d := newBM2()
	frame := buildBM2Frame(bm2CmdReadData, []byte{0, 0, 0, 0, 65, 50})
	frame[len(frame)-1] ^= 0xFF // corrupt checksum

	d.onNotify(frame)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := d.ReadData(ctx); err == nil {
		t.Fatal("expected timeout error for a frame with a bad checksum")
	}
}

func TestBM2OnNotifyIgnoresShortFrame(t *testing.T) {
	d := newBM2()
	d.onNotify([]byte{0xAA, 0x55})

	select {
	case <-d.readyCh:
		t.Fatal("short frame should not mark data ready")
	default:
	}
}

func TestBM2Metadata(t *testing.T) {
	d := newBM2()
	if d.ProtocolVersion() != "bm2-v1" {
		t.Errorf("ProtocolVersion = %q", d.ProtocolVersion())
	}
	if d.DeviceType() != model.FamilyBM2 {
		t.Errorf("DeviceType = %v, want %v", d.DeviceType(), model.FamilyBM2)
	}
	if len(d.Capabilities()) == 0 {
		t.Error("expected non-empty capabilities")
	}
}
