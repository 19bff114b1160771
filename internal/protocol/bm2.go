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
	Register(model.FamilyBM2, func() Device { return newBM2() })
}

const (
	bm2ServiceUUID = "0000fff0-0000-1000-8000-00805f9b34fb"
	bm2WriteUUID   = "0000fff2-0000-1000-8000-00805f9b34fb"
	bm2NotifyUUID  = "0000fff1-0000-1000-8000-00805f9b34fb"

	bm2CmdReadData byte = 0x03
)

// bm2Device talks to BM2-family monitors, a simple request/response
// protocol framed with a leading sync byte pair and a trailing byte-sum
// checksum rather than a CRC.
type bm2Device struct {
	session *ble.Session

	mu      sync.Mutex
	latest  *model.Reading
	readyCh chan struct{}
	once    sync.Once
}

func newBM2() *bm2Device {
	return &bm2Device{readyCh: make(chan struct{})}
}

func (d *bm2Device) Connect(ctx context.Context, session *ble.Session) error {
	d.session = session
	if err := session.Subscribe(d.onNotify); err != nil {
		return err
	}
	return d.writeFrame(bm2CmdReadData, nil)
}

func (d *bm2Device) Disconnect() error {
	if d.session != nil {
		return d.session.Unsubscribe()
	}
	return nil
}

func (d *bm2Device) ProtocolVersion() string { return "bm2-v1" }

func (d *bm2Device) Capabilities() []string {
	return []string{"voltage", "current", "temperature", "state_of_charge"}
}

func (d *bm2Device) DeviceType() model.Family { return model.FamilyBM2 }

// bm2Checksum is the sum of all preceding bytes, truncated to one byte.
func bm2Checksum(b []byte) byte {
	var sum byte
	for _, v := range b {
		sum += v
	}
	return sum
}

func (d *bm2Device) writeFrame(cmd byte, payload []byte) error {
	frame := make([]byte, 0, 4+len(payload))
	frame = append(frame, 0xAA, 0x55, cmd, byte(len(payload)))
	frame = append(frame, payload...)
	frame = append(frame, bm2Checksum(frame))

	if _, err := d.session.Write(frame); err != nil {
		return bherrors.Wrap(bherrors.KindCommand, "", err)
	}
	return nil
}

// onNotify decodes a BM2 response frame: [0xAA 0x55 cmd len payload... checksum].
func (d *bm2Device) onNotify(data []byte) {
	if len(data) < 5 || data[0] != 0xAA || data[1] != 0x55 {
		return
	}
	n := int(data[3])
	if len(data) < 4+n+1 {
		return
	}
	payload := data[4 : 4+n]
	checksum := data[4+n]
	if bm2Checksum(data[:4+n]) != checksum {
		return
	}
	if data[2] != bm2CmdReadData || len(payload) < 6 {
		return
	}

	voltage := float64(int16(payload[0])<<8|int16(payload[1])) / 100.0
	current := float64(int16(payload[2])<<8|int16(payload[3])) / 100.0
	temp := float64(int8(payload[4])) - 40
	soc := float64(payload[5])

	reading := model.Reading{
		VoltageV:      voltage,
		CurrentA:      current,
		TemperatureC:  temp,
		StateOfCharge: soc,
		Timestamp:     time.Now(),
	}

	d.mu.Lock()
	d.latest = &reading
	d.mu.Unlock()

	d.once.Do(func() { close(d.readyCh) })
}

func (d *bm2Device) ReadData(ctx context.Context) (model.Reading, error) {
	select {
	case <-d.readyCh:
	case <-ctx.Done():
		return model.Reading{}, bherrors.Wrap(bherrors.KindTimeout, "", ctx.Err())
	case <-time.After(defaultReadTimeout):
		return model.Reading{}, bherrors.New(bherrors.KindTimeout, "", "no BM2 data received")
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.latest == nil {
		return model.Reading{}, bherrors.New(bherrors.KindDataParsing, "", "no reading decoded")
	}
	return *d.latest, nil
}

func (d *bm2Device) SendCommand(ctx context.Context, name string, args map[string]any) error {
	switch name {
	case "read_data":
		return d.writeFrame(bm2CmdReadData, nil)
	default:
		return bherrors.New(bherrors.KindCommand, "", "unsupported command: "+name)
	}
}
