//go:build linux

package bluez

import (
	"errors"
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/srg/wearbeat/internal/gatt"
	"github.com/srg/wearbeat/internal/sensor"
	"github.com/srg/wearbeat/internal/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"tinygo.org/x/bluetooth"
)

type recordingWriter struct {
	writes [][]byte
	err    error
}

func (w *recordingWriter) Write(p []byte) (int, error) {
	if w.err != nil {
		return 0, w.err
	}
	w.writes = append(w.writes, append([]byte(nil), p...))
	return len(p), nil
}

type fakeRadio struct {
	enableErr  error
	enables    int
	configured []bluetooth.AdvertisementOptions
	starts     int
	stops      int
	added      []gatt.UUID16
	writers    map[gatt.UUID16]map[gatt.UUID16]*recordingWriter
}

func newFakeRadio() *fakeRadio {
	return &fakeRadio{writers: make(map[gatt.UUID16]map[gatt.UUID16]*recordingWriter)}
}

func (r *fakeRadio) Enable() error {
	r.enables++
	return r.enableErr
}

// restartDaemon makes every handle handed out so far fail the way writes do
// after bluetoothd restarts.
func (r *fakeRadio) restartDaemon() {
	for _, chars := range r.writers {
		for _, w := range chars {
			w.err = errors.New("org.freedesktop.DBus.Error.ServiceUnknown: The name org.bluez was not provided by any .service files")
		}
	}
}

func (r *fakeRadio) ConfigureAdvertisement(opts bluetooth.AdvertisementOptions) error {
	r.configured = append(r.configured, opts)
	return nil
}

func (r *fakeRadio) StartAdvertisement() error {
	r.starts++
	return nil
}

func (r *fakeRadio) StopAdvertisement() error {
	r.stops++
	return nil
}

func (r *fakeRadio) AddService(svc *gatt.Service) (map[gatt.UUID16]valueWriter, error) {
	r.added = append(r.added, svc.UUID)
	out := make(map[gatt.UUID16]valueWriter)
	r.writers[svc.UUID] = make(map[gatt.UUID16]*recordingWriter)
	for _, c := range svc.Characteristics {
		w := &recordingWriter{}
		r.writers[svc.UUID][c.UUID] = w
		out[c.UUID] = w
	}
	return out, nil
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func testTree() *gatt.Tree {
	tree := gatt.NewTree()
	tree.AddCharacteristic(0x180D, 0x2A37, gatt.PropNotify, []byte{0x06, 0x00})
	tree.AddCharacteristic(0x180D, 0x2A38, gatt.PropRead, []byte{0x02})
	tree.AddCharacteristic(0x1819, 0x2A67, gatt.PropNotify, make([]byte, 14))
	return tree
}

var advConfig = gatt.AdvertisementConfig{
	Name:         "Wearbeat",
	Connectable:  true,
	Discoverable: true,
	ServiceUUIDs: []gatt.UUID16{0x180D, 0x1819},
}

func TestStack_RegisterTwiceReusesHandles(t *testing.T) {
	r := newFakeRadio()
	st, err := open(r, quietLogger())
	require.NoError(t, err)

	require.NoError(t, st.Advertise(advConfig))
	require.NoError(t, st.DeclareServices(testTree()))
	require.NoError(t, st.Notify(0x180D, 0x2A37, []byte{0x06, 0x48}))

	require.NoError(t, st.Advertise(advConfig))
	require.NoError(t, st.DeclareServices(testTree()))

	assert.Len(t, r.configured, 1, "advertisement is configured once")
	assert.Equal(t, "Wearbeat", r.configured[0].LocalName)
	assert.Equal(t, 2, r.starts)
	assert.Equal(t, 1, r.stops)
	assert.Equal(t, []gatt.UUID16{0x180D, 0x1819}, r.added, "services are added once")

	hrm := r.writers[0x180D][0x2A37].writes
	assert.Equal(t, [][]byte{{0x06, 0x48}, {0x06, 0x00}}, hrm, "re-declare resets the value")
}

func TestStack_AdvertiseCannotChange(t *testing.T) {
	st, err := open(newFakeRadio(), quietLogger())
	require.NoError(t, err)
	require.NoError(t, st.Advertise(advConfig))

	changed := advConfig
	changed.Name = "Other"
	err = st.Advertise(changed)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot be reconfigured")
}

func TestStack_NotifyErrors(t *testing.T) {
	r := newFakeRadio()
	st, err := open(r, quietLogger())
	require.NoError(t, err)

	assert.ErrorIs(t, st.Notify(0x180D, 0x2A37, nil), gatt.ErrRestartRequired)

	require.NoError(t, st.DeclareServices(testTree()))
	assert.ErrorIs(t, st.Notify(0x180F, 0x2A19, nil), gatt.ErrInvalidUUID)
	assert.Equal(t, gatt.KindOther, gatt.KindOf(st.Notify(0x180D, 0x2A38, []byte{0x01})))

	r.writers[0x1819][0x2A67].err = errors.New("org.bluez.Error.NotReady: Resource Not Ready")
	assert.ErrorIs(t, st.Notify(0x1819, 0x2A67, make([]byte, 14)), gatt.ErrRestartRequired)

	require.NoError(t, st.Close())
	assert.ErrorIs(t, st.Notify(0x180D, 0x2A37, nil), gatt.ErrClosed)
}

func TestOpen_EnableFailure(t *testing.T) {
	r := newFakeRadio()
	r.enableErr = errors.New("org.freedesktop.DBus.Error.ServiceUnknown: bluez not running")
	_, err := open(r, quietLogger())
	require.Error(t, err)
	assert.ErrorIs(t, err, gatt.ErrRestartRequired)
}

func TestStack_ReregistersAfterDaemonRestart(t *testing.T) {
	r := newFakeRadio()
	st, err := open(r, quietLogger())
	require.NoError(t, err)
	require.NoError(t, st.Advertise(advConfig))
	require.NoError(t, st.DeclareServices(testTree()))

	r.restartDaemon()
	err = st.Notify(0x180D, 0x2A37, []byte{0x06, 0x48})
	require.ErrorIs(t, err, gatt.ErrRestartRequired)

	assert.ErrorIs(t, st.DeclareServices(testTree()), gatt.ErrRestartRequired, "declare MUST wait for the adapter to be enabled again")

	require.NoError(t, st.Advertise(advConfig))
	require.NoError(t, st.DeclareServices(testTree()))
	require.NoError(t, st.Notify(0x180D, 0x2A37, []byte{0x06, 0x50}))

	assert.Equal(t, 2, r.enables, "adapter MUST be enabled again")
	assert.Len(t, r.configured, 2, "advertisement MUST be configured again")
	assert.Equal(t, []gatt.UUID16{0x180D, 0x1819, 0x180D, 0x1819}, r.added, "services MUST be added again")
	assert.Equal(t, [][]byte{{0x06, 0x50}}, r.writers[0x180D][0x2A37].writes)
}

func TestStack_DeclareFailureDropsHandles(t *testing.T) {
	r := newFakeRadio()
	st, err := open(r, quietLogger())
	require.NoError(t, err)
	require.NoError(t, st.Advertise(advConfig))
	require.NoError(t, st.DeclareServices(testTree()))

	r.writers[0x180D][0x2A37].err = errors.New("org.freedesktop.DBus.Error.UnknownObject: Unknown object '/org/bluez/hci0/service0'")
	require.NoError(t, st.Advertise(advConfig))
	assert.ErrorIs(t, st.DeclareServices(testTree()), gatt.ErrInvalidUUID)

	require.NoError(t, st.Advertise(advConfig))
	require.NoError(t, st.DeclareServices(testTree()))
	assert.Len(t, r.added, 4)
}

func TestStack_ErrorHandlerRecoversAfterDaemonRestart(t *testing.T) {
	r := newFakeRadio()
	st, err := open(r, quietLogger())
	require.NoError(t, err)

	registrar := telemetry.NewRegistrar(st, telemetry.DefaultAdvertisingOptions("Wearbeat"), quietLogger())
	handler := telemetry.NewErrorHandler(registrar, quietLogger())
	publisher := telemetry.NewPublisher(st, handler, quietLogger())
	require.NoError(t, registrar.RegisterServices())

	r.restartDaemon()
	reading := telemetry.Reading{HeartRate: &sensor.HeartRateSample{BPM: 72, Confidence: 90}}

	failed := publisher.Publish(reading)
	assert.Equal(t, 1, failed.Failed)
	assert.Equal(t, telemetry.ErrorHandlerStats{Handled: 1, Recoveries: 1}, handler.Stats())

	ok := publisher.Publish(reading)
	assert.Equal(t, 0, ok.Failed)
	assert.True(t, ok.HeartRate)
	assert.Equal(t, [][]byte{{0x06, 72}}, r.writers[0x180D][0x2A37].writes,
		"the re-added characteristic MUST receive the notification")
	assert.Equal(t, 2, r.enables)
}
