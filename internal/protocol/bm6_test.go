package protocol

import (
	"context"
	"testing"
	"time"

	"github.com/batteryhawk/battery-hawk/internal/model"
)

// bm6Encrypt XORs plain against the same fixed key used to decrypt,
// since the cipher is its own inverse.
func bm6Encrypt(plain []byte) []byte {
	return bm6Decrypt(plain)
}

func TestBM6OnNotifyDoesNotLatchOnVoltageAlone(t *testing.T) {
	d := newBM6()

	// voltage=1320 (13.20V), current=150 (1.50A), soc=90%
	voltageFrame := []byte{bm6FrameVoltage, 0x05, 0x28, 0x00, 0x96, 90, 0x00}
	d.onNotify(bm6Encrypt(voltageFrame))

	select {
	case <-d.readyCh:
		t.Fatal("should not be ready after only a voltage frame")
	default:
	}
}

func TestBM6OnNotifyLatchesOnBothFrames(t *testing.T) {
	d := newBM6()

	go func() {
		time.Sleep(20 * time.Millisecond)
		// voltage=1320 (13.20V), current=150 (1.50A), soc=90%
		voltageFrame := []byte{bm6FrameVoltage, 0x05, 0x28, 0x00, 0x96, 90, 0x00}
		d.onNotify(bm6Encrypt(voltageFrame))
		// temp byte=60 (20C), capacity=4500mAh, cycles=12
		tempFrame := []byte{bm6FrameTemp, 60, 0x11, 0x94, 12}
		d.onNotify(bm6Encrypt(tempFrame))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	reading, err := d.ReadData(ctx)
	if err != nil {
		t.Fatalf("ReadData: %v", err)
	}

	if reading.VoltageV != 13.20 {
		t.Errorf("voltage = %v, want 13.20", reading.VoltageV)
	}
	if reading.CurrentA != 1.50 {
		t.Errorf("current = %v, want 1.50", reading.CurrentA)
	}
	if reading.StateOfCharge != 90 {
		t.Errorf("soc = %v, want 90", reading.StateOfCharge)
	}
	if reading.TemperatureC != 20 {
		t.Errorf("temperature = %v, want 20", reading.TemperatureC)
	}
	if reading.CapacityMAh == nil || *reading.CapacityMAh != 4500 {
		t.Errorf("capacity = %v, want 4500", reading.CapacityMAh)
	}
	if reading.Cycles == nil || *reading.Cycles != 12 {
		t.Errorf("cycles = %v, want 12", reading.Cycles)
	}
}

func TestBM6OnNotifyIgnoresUnknownFrameType(t *testing.T) {
	d := newBM6()
	d.onNotify(bm6Encrypt([]byte{0xFF, 0, 0, 0, 0, 0, 0}))

	select {
	case <-d.readyCh:
		t.Fatal("unknown frame type should not mark data ready")
	default:
	}
}

func TestBM6ReadDataReturnsBestEffortSnapshotWithoutBothFrames(t *testing.T) {
	orig := bm6DataTimeout
	bm6DataTimeout = 30 * time.Millisecond
	defer func() { bm6DataTimeout = orig }()

	d := newBM6()
	d.onNotify(bm6Encrypt([]byte{bm6FrameVoltage, 0x05, 0x28, 0x00, 0x96, 90, 0x00}))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	reading, err := d.ReadData(ctx)
	if err != nil {
		t.Fatalf("ReadData: %v, want a best-effort snapshot instead of an error", err)
	}
	if reading.VoltageV != 13.20 {
		t.Errorf("voltage = %v, want the partial reading's 13.20", reading.VoltageV)
	}
	if reading.CapacityMAh != nil {
		t.Errorf("capacity = %v, want nil since no temp frame ever arrived", reading.CapacityMAh)
	}
}

func TestBM6ReadDataHardFailsOnContextCancellation(t *testing.T) {
	d := newBM6()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := d.ReadData(ctx); err == nil {
		t.Fatal("expected an error when the caller's context is already canceled")
	}
}

func TestBM6ReadDataResetsLatchBetweenCalls(t *testing.T) {
	orig := bm6DataTimeout
	bm6DataTimeout = 30 * time.Millisecond
	defer func() { bm6DataTimeout = orig }()

	d := newBM6()

	go func() {
		time.Sleep(10 * time.Millisecond)
		d.onNotify(bm6Encrypt([]byte{bm6FrameVoltage, 0x05, 0x28, 0x00, 0x96, 90, 0x00}))
		d.onNotify(bm6Encrypt([]byte{bm6FrameTemp, 60, 0x11, 0x94, 12}))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := d.ReadData(ctx); err != nil {
		t.Fatalf("first ReadData: %v", err)
	}

	// No further notifications arrive; the latch resets and this call
	// only succeeds by the internal timeout firing, returning the stale
	// values from the first call rather than an error.
	ctx2, cancel2 := context.WithTimeout(context.Background(), time.Second)
	defer cancel2()
	reading, err := d.ReadData(ctx2)
	if err != nil {
		t.Fatalf("second ReadData: %v, want a best-effort snapshot", err)
	}
	if reading.VoltageV != 13.20 {
		t.Errorf("voltage = %v, want the stale 13.20 snapshot to survive a second call", reading.VoltageV)
	}
}

func TestBM6Metadata(t *testing.T) {
	d := newBM6()
	if d.ProtocolVersion() != "bm6-v1" {
		t.Errorf("ProtocolVersion = %q", d.ProtocolVersion())
	}
	if d.DeviceType() != model.FamilyBM6 {
		t.Errorf("DeviceType = %v, want %v", d.DeviceType(), model.FamilyBM6)
	}
	if err := d.SendCommand(context.Background(), "anything", nil); err == nil {
		t.Error("expected BM6 SendCommand to reject every command")
	}
}
