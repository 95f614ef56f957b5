package peripheral

import (
	"errors"
	"testing"

	"github.com/fako1024/btmonitor/pkg/bus"
	"github.com/fako1024/btmonitor/pkg/mock"
	"github.com/fako1024/btmonitor/pkg/radio"
	"github.com/fako1024/btmonitor/pkg/tracker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testConfig = tracker.Configuration{
	ServiceID:          "6E400001-B5A3-F393-E0A9-E50E24DCCA9E",
	TxCharacteristicID: "6E400002-B5A3-F393-E0A9-E50E24DCCA9E",
	RxCharacteristicID: "6E400003-B5A3-F393-E0A9-E50E24DCCA9E",
}

func TestCompatibilityOf(t *testing.T) {
	svc, tx, rx := radio.NormalizeUUID(testConfig.ServiceID), radio.NormalizeUUID(testConfig.TxCharacteristicID), radio.NormalizeUUID(testConfig.RxCharacteristicID)

	for name, c := range map[string]struct {
		record   *Record
		expected Compatibility
	}{
		"nil":                 {nil, CompatibilityUnknown},
		"undiscovered":        {&Record{Services: map[string][]string{svc: {tx, rx}}}, CompatibilityUnknown},
		"complete":            {&Record{Discovered: true, Services: map[string][]string{svc: {tx, rx}}}, Compatible},
		"extra services":      {&Record{Discovered: true, Services: map[string][]string{"180f": {"2a19"}, svc: {"abcd", rx, tx}}}, Compatible},
		"no services":         {&Record{Discovered: true, Services: map[string][]string{}}, NotCompatible},
		"missing service":     {&Record{Discovered: true, Services: map[string][]string{"180f": {tx, rx}}}, NotCompatible},
		"missing tx":          {&Record{Discovered: true, Services: map[string][]string{svc: {rx}}}, NotCompatible},
		"missing rx":          {&Record{Discovered: true, Services: map[string][]string{svc: {tx}}}, NotCompatible},
		"rx on other service": {&Record{Discovered: true, Services: map[string][]string{svc: {tx}, "180f": {rx}}}, NotCompatible},
	} {
		assert.Equal(t, c.expected, CompatibilityOf(c.record, testConfig), name)
	}
}

func TestRecordName(t *testing.T) {
	assert.Equal(t, UnknownName, NewRecord(radio.Advertisement{ID: "a"}).DisplayName())
	assert.Equal(t, "Tracker", NewRecord(radio.Advertisement{ID: "a", Name: "Tracker"}).DisplayName())
}

// directConnector connects peripherals on the simulated radio without pooling
type directConnector struct {
	radio     *mock.Mock
	record    *Record
	onSuccess func()
	onError   func(error)
	err       error
}

func (c *directConnector) Connect(id string, onSuccess func(), onError func(error)) {
	if c.err != nil {
		onError(c.err)
		return
	}
	c.onSuccess, c.onError = onSuccess, onError
	if err := c.radio.Connect(id); err != nil {
		onError(err)
	}
}

func (c *directConnector) Disconnect(id string) error {
	return c.radio.Disconnect(id)
}

// router delivers radio events straight to the adapter under test
type router struct {
	adapter   *Adapter
	connector *directConnector
}

func (r *router) PowerStateChanged(radio.PowerState) {}
func (r *router) Discovered(radio.Advertisement)     {}
func (r *router) Connected(string) {
	r.adapter.record.State = StateConnected
	r.connector.onSuccess()
}
func (r *router) ConnectFailed(_ string, err error) { r.connector.onError(err) }
func (r *router) Disconnected(_ string, err error) {
	r.adapter.record.State = StateDisconnected
	r.adapter.HandleDisconnected(err)
}
func (r *router) ServicesDiscovered(_ string, services []string, err error) {
	r.adapter.HandleServicesDiscovered(services, err)
}
func (r *router) CharacteristicsDiscovered(_, service string, chars []string, err error) {
	r.adapter.HandleCharacteristicsDiscovered(service, chars, err)
}
func (r *router) ValueUpdated(_, char string, data []byte, err error) {
	r.adapter.HandleValueUpdated(char, data, err)
}

func setup(t *testing.T, p mock.Peripheral) (*Adapter, *mock.Mock, *bus.Bus, *directConnector) {
	t.Helper()

	m := mock.New(mock.WithPeripherals(p))
	b := bus.New()
	connector := &directConnector{radio: m}
	a := NewAdapter(NewRecord(radio.Advertisement{ID: p.ID, Name: p.Name}), m, connector, b)
	require.NoError(t, m.Init(&router{adapter: a, connector: connector}))

	return a, m, b, connector
}

func TestConnectAndDiscover(t *testing.T) {
	a, _, b, _ := setup(t, mock.TrackerPeripheral("tracker", "Activity Tracker", testConfig))

	var events []bus.Event
	b.Subscribe(func(e bus.Event) { events = append(events, e) })

	assert.Equal(t, CompatibilityUnknown, a.Compatibility(testConfig))

	var succeeded int
	a.Connect(func() {
		succeeded++
		assert.Empty(t, events, "discovery must complete before publishing")
	}, func(err error) {
		t.Fatalf("unexpected error: %s", err)
	})

	assert.Equal(t, 1, succeeded)
	assert.True(t, a.IsConnected())
	assert.Equal(t, Compatible, a.Compatibility(testConfig))
	assert.Equal(t, []bus.Event{bus.DeviceFullyDiscovered{ID: "tracker"}}, events)
	assert.Equal(t, "Activity Tracker", a.Name())
}

func TestConnectIncompatible(t *testing.T) {
	a, _, _, _ := setup(t, mock.Peripheral{
		ID:       "watch",
		Services: map[string][]string{"180d": {"2a37"}, "180f": {"2a19"}},
	})

	var succeeded bool
	a.Connect(func() { succeeded = true }, func(err error) {
		t.Fatalf("unexpected error: %s", err)
	})

	assert.True(t, succeeded)
	assert.Equal(t, NotCompatible, a.Compatibility(testConfig))
	assert.Equal(t, UnknownName, a.Name())
	assert.Len(t, a.Record().Services, 2)
}

func TestConnectNoServices(t *testing.T) {
	a, _, b, _ := setup(t, mock.Peripheral{ID: "empty"})

	var published bool
	b.Subscribe(func(bus.Event) { published = true })

	var connectErr error
	a.Connect(func() {
		t.Fatal("unexpected success")
	}, func(err error) {
		connectErr = err
	})

	assert.Equal(t, tracker.ErrNoServices, connectErr)
	assert.Equal(t, "Device offers no services", connectErr.Error())
	assert.False(t, published)
	assert.Equal(t, CompatibilityUnknown, a.Compatibility(testConfig))
}

func TestConnectorError(t *testing.T) {
	a, _, _, connector := setup(t, mock.TrackerPeripheral("tracker", "Activity Tracker", testConfig))
	connector.err = tracker.NewConnectedElsewhereError("Other")

	var connectErr error
	a.Connect(func() { t.Fatal("unexpected success") }, func(err error) { connectErr = err })
	assert.ErrorIs(t, connectErr, tracker.ErrConnectedElsewhere)
}

func TestWrite(t *testing.T) {
	a, m, _, _ := setup(t, mock.TrackerPeripheral("tracker", "Activity Tracker", testConfig))
	a.Connect(func() {}, func(err error) { t.Fatal(err) })

	var calls []error
	a.Write([]byte{0x01}, testConfig.TxCharacteristicID, func(err error) { calls = append(calls, err) })
	require.Len(t, calls, 1)
	assert.NoError(t, calls[0])
	require.Len(t, m.Writes(), 1)
	assert.Equal(t, []byte{0x01}, m.Writes()[0].Data)

	// A missing characteristic completes exactly once, with an error
	calls = nil
	a.Write([]byte{0x01}, "ffe1", func(err error) { calls = append(calls, err) })
	require.Len(t, calls, 1)
	assert.Equal(t, tracker.ErrCharacteristicNotOffered, calls[0])
	assert.Len(t, m.Writes(), 1)
}

func TestWriteTransportError(t *testing.T) {
	a, m, _, _ := setup(t, mock.TrackerPeripheral("tracker", "Activity Tracker", testConfig))
	a.Connect(func() {}, func(err error) { t.Fatal(err) })

	// Connection loss between discovery and write, with the record left stale
	require.NoError(t, m.DropConnection("tracker", nil))
	a.record.State = StateConnected
	a.record.Services = map[string][]string{radio.NormalizeUUID(testConfig.ServiceID): {radio.NormalizeUUID(testConfig.TxCharacteristicID)}}

	var calls []error
	a.Write([]byte{0x01}, testConfig.TxCharacteristicID, func(err error) { calls = append(calls, err) })
	require.Len(t, calls, 1)
	var terr *tracker.TransportError
	assert.ErrorAs(t, calls[0], &terr)
	assert.Equal(t, "write", terr.Op)
}

func TestSubscribe(t *testing.T) {
	a, m, _, _ := setup(t, mock.TrackerPeripheral("tracker", "Activity Tracker", testConfig))
	a.Connect(func() {}, func(err error) { t.Fatal(err) })

	var first, second [][]byte
	a.Subscribe(testConfig.RxCharacteristicID, func(data []byte, err error) {
		require.NoError(t, err)
		first = append(first, data)
	})
	assert.True(t, m.IsNotifying("tracker", testConfig.RxCharacteristicID))
	m.Notify("tracker", testConfig.RxCharacteristicID, []byte{0x01})

	// A later subscription replaces the former handler
	a.Subscribe(testConfig.RxCharacteristicID, func(data []byte, err error) {
		require.NoError(t, err)
		second = append(second, data)
	})
	m.Notify("tracker", testConfig.RxCharacteristicID, []byte{0x02})

	assert.Equal(t, [][]byte{{0x01}}, first)
	assert.Equal(t, [][]byte{{0x02}}, second)

	a.Unsubscribe()
	assert.False(t, m.IsNotifying("tracker", testConfig.RxCharacteristicID))
	assert.False(t, m.Notify("tracker", testConfig.RxCharacteristicID, []byte{0x03}))
}

func TestSubscribeMissingCharacteristic(t *testing.T) {
	a, _, _, _ := setup(t, mock.TrackerPeripheral("tracker", "Activity Tracker", testConfig))
	a.Connect(func() {}, func(err error) { t.Fatal(err) })

	var calls int
	a.Subscribe("ffe1", func(data []byte, err error) {
		calls++
		assert.Nil(t, data)
		assert.Equal(t, tracker.ErrCharacteristicNotOffered, err)
	})
	assert.Equal(t, 1, calls)
}

func TestValueErrorIsForwarded(t *testing.T) {
	a, _, _, _ := setup(t, mock.TrackerPeripheral("tracker", "Activity Tracker", testConfig))
	a.Connect(func() {}, func(err error) { t.Fatal(err) })

	var got error
	a.Subscribe(testConfig.RxCharacteristicID, func(_ []byte, err error) { got = err })
	a.HandleValueUpdated(testConfig.RxCharacteristicID, nil, errors.New("att error"))

	var terr *tracker.TransportError
	require.ErrorAs(t, got, &terr)
	assert.Equal(t, "subscribe", terr.Op)
}

func TestDisconnectResetsDiscovery(t *testing.T) {
	a, _, _, _ := setup(t, mock.TrackerPeripheral("tracker", "Activity Tracker", testConfig))
	a.Connect(func() {}, func(err error) { t.Fatal(err) })
	require.Equal(t, Compatible, a.Compatibility(testConfig))

	require.NoError(t, a.Disconnect())
	assert.False(t, a.IsConnected())
	assert.Equal(t, CompatibilityUnknown, a.Compatibility(testConfig))
}

func TestConnectWhenDiscovered(t *testing.T) {
	a, m, b, _ := setup(t, mock.TrackerPeripheral("tracker", "Activity Tracker", testConfig))
	a.Connect(func() {}, func(err error) { t.Fatal(err) })
	require.Equal(t, Compatible, a.Compatibility(testConfig))

	var received [][]byte
	a.Subscribe(testConfig.RxCharacteristicID, func(data []byte, err error) {
		require.NoError(t, err)
		received = append(received, data)
	})

	var events []bus.Event
	b.Subscribe(func(e bus.Event) { events = append(events, e) })

	var succeeded bool
	a.Connect(func() {
		succeeded = true
		assert.Equal(t, Compatible, a.Compatibility(testConfig))
	}, func(err error) { t.Fatal(err) })

	assert.True(t, succeeded)
	assert.Empty(t, events)
	assert.True(t, a.Record().Discovered)

	m.Notify("tracker", testConfig.RxCharacteristicID, []byte{0x01})
	assert.Equal(t, [][]byte{{0x01}}, received)
}
