package protocol

import (
	"context"
	"sync"
	"time"

	"github.com/batteryhawk/battery-hawk/internal/ble"
	"github.com/batteryhawk/battery-hawk/internal/bherrors"
	"github.com/batteryhawk/battery-hawk/internal/model"
)

func init() {
	Register(model.FamilyBM6, func() Device { return newBM6() })
}

const (
	bm6ServiceUUID = "0000fff0-0000-1000-8000-00805f9b34fb"
	bm6WriteUUID   = "0000fff3-0000-1000-8000-00805f9b34fb"
	bm6NotifyUUID  = "0000fff4-0000-1000-8000-00805f9b34fb"

	bm6FrameVoltage byte = 0x01
	bm6FrameTemp    byte = 0x02

	// bm6CmdRequestData is the write-characteristic command byte that
	// asks a BM6 monitor to push a fresh voltage/temperature pair.
	bm6CmdRequestData byte = 0x01
)

// bm6DataTimeout bounds how long ReadData waits for both frame types
// before falling back to a best-effort snapshot. A var, not a const, so
// tests can shrink it instead of waiting out the real default.
var bm6DataTimeout = 30 * time.Second

// bm6Cipher is the fixed byte key BM6 monitors XOR their notification
// payloads against. Unlike BM2, BM6 frames carry only a partial reading
// each; a complete Reading is assembled by merging the latest values
// seen from each frame type.
var bm6Cipher = [16]byte{
	0x10, 0x27, 0x9A, 0x4B, 0x5E, 0x7C, 0x90, 0x3D,
	0x4F, 0xB1, 0x6A, 0xE2, 0x0C, 0x55, 0x88, 0x99,
}

func bm6Decrypt(data []byte) []byte {
	out := make([]byte, len(data))
	for i, b := range data {
		out[i] = b ^ bm6Cipher[i%len(bm6Cipher)]
	}
	return out
}

// bm6Checksum is the sum of all preceding bytes, truncated to one byte,
// mirroring the BM2 frame's integrity check.
func bm6Checksum(b []byte) byte {
	var sum byte
	for _, v := range b {
		sum += v
	}
	return sum
}

// bm6Device talks to BM6-family monitors: a request/notify protocol
// where voltage/current arrive on one frame type and temperature/
// capacity on another. A reading is considered ready only once both
// frame types have been observed since the last request (the "data
// received" latch); if that never happens within bm6DataTimeout the
// best-effort values accumulated so far are returned instead.
type bm6Device struct {
	session *ble.Session

	mu            sync.Mutex
	voltage       float64
	current       float64
	temperature   float64
	soc           float64
	capacityMAh   *float64
	cycles        *int
	haveVoltage   bool
	haveTemp      bool
	lastUpdate    time.Time

	readyCh  chan struct{}
	once     *sync.Once
}

func newBM6() *bm6Device {
	return &bm6Device{readyCh: make(chan struct{}), once: &sync.Once{}}
}

func (d *bm6Device) Connect(ctx context.Context, session *ble.Session) error {
	d.session = session
	if err := session.Subscribe(d.onNotify); err != nil {
		return err
	}
	return d.writeRequest()
}

// writeRequest sends the voltage/temperature request frame on the write
// characteristic, XOR-masked with the same self-inverse cipher used for
// inbound notifications.
func (d *bm6Device) writeRequest() error {
	if d.session == nil {
		return bherrors.New(bherrors.KindConnection, "", "no session")
	}
	frame := []byte{0xAA, 0x55, bm6CmdRequestData, 0x00}
	frame = append(frame, bm6Checksum(frame))
	if _, err := d.session.Write(bm6Decrypt(frame)); err != nil {
		return bherrors.Wrap(bherrors.KindCommand, "", err)
	}
	return nil
}

func (d *bm6Device) Disconnect() error {
	if d.session != nil {
		return d.session.Unsubscribe()
	}
	return nil
}

func (d *bm6Device) ProtocolVersion() string { return "bm6-v1" }

func (d *bm6Device) Capabilities() []string {
	return []string{"voltage", "current", "temperature", "state_of_charge", "capacity", "cycles"}
}

func (d *bm6Device) DeviceType() model.Family { return model.FamilyBM6 }

func (d *bm6Device) onNotify(raw []byte) {
	if len(raw) < 3 {
		return
	}
	data := bm6Decrypt(raw)

	d.mu.Lock()
	switch data[0] {
	case bm6FrameVoltage:
		if len(data) < 7 {
			d.mu.Unlock()
			return
		}
		d.voltage = float64(uint16(data[1])<<8|uint16(data[2])) / 100.0
		d.current = float64(int16(data[3])<<8|int16(data[4])) / 100.0
		d.soc = float64(data[5])
		d.haveVoltage = true
	case bm6FrameTemp:
		if len(data) < 5 {
			d.mu.Unlock()
			return
		}
		d.temperature = float64(int8(data[1])) - 40
		capacity := float64(uint16(data[2])<<8 | uint16(data[3]))
		d.capacityMAh = &capacity
		cycles := int(data[4])
		d.cycles = &cycles
		d.haveTemp = true
	default:
		d.mu.Unlock()
		return
	}
	d.lastUpdate = time.Now()
	ready := d.haveVoltage && d.haveTemp
	readyCh := d.readyCh
	once := d.once
	d.mu.Unlock()

	if ready {
		once.Do(func() { close(readyCh) })
	}
}

// ReadData clears the data-received latch, reissues the
// voltage/temperature request, and waits for a notification to set the
// latch. If it never fires within bm6DataTimeout, the best-effort latest
// snapshot is returned instead of an error: a device that only ever
// reports one of the two frame types should still yield partial
// readings rather than fail every poll tick.
func (d *bm6Device) ReadData(ctx context.Context) (model.Reading, error) {
	d.mu.Lock()
	d.haveVoltage = false
	d.haveTemp = false
	d.readyCh = make(chan struct{})
	d.once = &sync.Once{}
	readyCh := d.readyCh
	d.mu.Unlock()

	// A failed (or absent, pre-Connect) request issuance still leaves a
	// chance the device notifies on its own; fall through to the wait
	// rather than hard-failing the read.
	_ = d.writeRequest()

	select {
	case <-readyCh:
	case <-ctx.Done():
		return model.Reading{}, bherrors.Wrap(bherrors.KindTimeout, "", ctx.Err())
	case <-time.After(bm6DataTimeout):
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	return model.Reading{
		VoltageV:      d.voltage,
		CurrentA:      d.current,
		TemperatureC:  d.temperature,
		StateOfCharge: d.soc,
		CapacityMAh:   d.capacityMAh,
		Cycles:        d.cycles,
		Timestamp:     d.lastUpdate,
	}, nil
}

func (d *bm6Device) SendCommand(ctx context.Context, name string, args map[string]any) error {
	return bherrors.New(bherrors.KindCommand, "", "BM6 supports no write commands: "+name)
}
