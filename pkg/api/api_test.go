package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/fako1024/btmonitor/pkg/export"
	"github.com/fako1024/btmonitor/pkg/flow"
	"github.com/fako1024/btmonitor/pkg/metrics"
	"github.com/fako1024/btmonitor/pkg/monitor"
	"github.com/fako1024/btmonitor/pkg/peripheral"
	"github.com/fako1024/btmonitor/pkg/radio"
	"github.com/fako1024/btmonitor/pkg/session"
	"github.com/fako1024/btmonitor/pkg/tracker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testConfig = tracker.Configuration{
	ServiceID:          "6E400001-B5A3-F393-E0A9-E50E24DCCA9E",
	TxCharacteristicID: "6E400002-B5A3-F393-E0A9-E50E24DCCA9E",
	RxCharacteristicID: "6E400003-B5A3-F393-E0A9-E50E24DCCA9E",
}

type fakeController struct {
	status     monitor.Status
	records    []peripheral.Record
	connectErr error
	connected  []string
	recording  bool
	recordErr  error
	user       export.UserInfo
	doc        *export.Document
	exportErr  error
	syncErr    error
	calls      []string
}

func (f *fakeController) Status() (monitor.Status, error) { return f.status, nil }
func (f *fakeController) Peripherals() ([]peripheral.Record, error) {
	return f.records, nil
}
func (f *fakeController) StartScan() error {
	f.calls = append(f.calls, "start_scan")
	return nil
}
func (f *fakeController) StopScan() error {
	f.calls = append(f.calls, "stop_scan")
	return nil
}
func (f *fakeController) Connect(_ context.Context, id string) error {
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = append(f.connected, id)
	return nil
}
func (f *fakeController) Disconnect(id string) error {
	if id != "tracker" {
		return &tracker.NotFoundError{Resource: "peripheral", ID: id}
	}
	f.calls = append(f.calls, "disconnect")
	return nil
}
func (f *fakeController) Record(context.Context) (bool, error) {
	if f.recordErr != nil {
		return false, f.recordErr
	}
	f.recording = !f.recording
	return f.recording, nil
}
func (f *fakeController) Stop() error {
	f.calls = append(f.calls, "stop")
	return nil
}
func (f *fakeController) Reset() error {
	f.calls = append(f.calls, "reset")
	return nil
}
func (f *fakeController) User() (export.UserInfo, error) { return f.user, nil }
func (f *fakeController) SetUser(user export.UserInfo) error {
	f.user = user
	return nil
}
func (f *fakeController) Export() (*export.Document, error) { return f.doc, f.exportErr }
func (f *fakeController) MarkSynced() error                 { return f.syncErr }

func request(t *testing.T, api *API, method, target, body string) (int, []byte) {
	t.Helper()

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := api.App().Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, data
}

func TestStatus(t *testing.T) {
	c := &fakeController{status: monitor.Status{
		Radio:      radio.PowerOn,
		Scanning:   true,
		Device:     session.StateReady,
		Flow:       flow.Connected,
		Peripheral: "tracker",
	}}
	api := New(c, "")

	code, body := request(t, api, http.MethodGet, "/status", "")
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{
		"radio": "on",
		"scanning": true,
		"device": "ready",
		"flow": "connected",
		"recording": false,
		"peripheral": "tracker",
		"elapsed_time": 0,
		"readings": 0
	}`, string(body))
}

func TestPeripherals(t *testing.T) {
	c := &fakeController{records: []peripheral.Record{
		{
			ID:         "tracker",
			Name:       "Activity Tracker",
			RSSI:       -40,
			State:      peripheral.StateConnected,
			Discovered: true,
			Services: map[string][]string{
				radio.NormalizeUUID(testConfig.ServiceID): {
					radio.NormalizeUUID(testConfig.TxCharacteristicID),
					radio.NormalizeUUID(testConfig.RxCharacteristicID),
				},
			},
		},
		{ID: "anonymous", RSSI: -80},
	}}
	api := New(c, "", WithConfiguration(testConfig))

	code, body := request(t, api, http.MethodGet, "/peripherals", "")
	require.Equal(t, http.StatusOK, code)

	var res []Peripheral
	require.NoError(t, json.Unmarshal(body, &res))
	require.Len(t, res, 2)
	assert.Equal(t, "connected", res[0].State)
	assert.Equal(t, "compatible", res[0].Compatibility)
	assert.Equal(t, peripheral.UnknownName, res[1].Name)
	assert.Equal(t, "disconnected", res[1].State)
	assert.Equal(t, "unknown", res[1].Compatibility)
}

func TestConnect(t *testing.T) {
	c := &fakeController{}
	api := New(c, "")

	code, _ := request(t, api, http.MethodPost, "/peripherals/tracker/connect", "")
	require.Equal(t, http.StatusNoContent, code)
	require.Equal(t, []string{"tracker"}, c.connected)

	for _, tc := range []struct {
		err  error
		code int
	}{
		{err: tracker.ErrConnectionTimeout, code: http.StatusGatewayTimeout},
		{err: tracker.NewConnectedElsewhereError("Watch"), code: http.StatusBadGateway},
		{err: &tracker.NotFoundError{Resource: "peripheral"}, code: http.StatusNotFound},
		{err: tracker.ErrNoServices, code: http.StatusBadGateway},
		{err: monitor.ErrClosed, code: http.StatusServiceUnavailable},
	} {
		err, expected := tc.err, tc.code
		c.connectErr = err
		code, body := request(t, api, http.MethodPost, "/peripherals/tracker/connect", "")
		require.Equal(t, expected, code, err.Error())

		var res map[string]string
		require.NoError(t, json.Unmarshal(body, &res))
		require.Equal(t, err.Error(), res["error"])
	}
}

func TestDisconnect(t *testing.T) {
	c := &fakeController{}
	api := New(c, "")

	code, _ := request(t, api, http.MethodPost, "/peripherals/tracker/disconnect", "")
	require.Equal(t, http.StatusNoContent, code)

	code, _ = request(t, api, http.MethodPost, "/peripherals/unknown/disconnect", "")
	require.Equal(t, http.StatusNotFound, code)
}

func TestCommands(t *testing.T) {
	c := &fakeController{}
	api := New(c, "")

	for _, target := range []string{"/scan/start", "/scan/stop", "/recording/stop", "/session/reset"} {
		code, _ := request(t, api, http.MethodPost, target, "")
		require.Equal(t, http.StatusNoContent, code, target)
	}
	require.Equal(t, []string{"start_scan", "stop_scan", "stop", "reset"}, c.calls)
}

func TestToggleRecording(t *testing.T) {
	c := &fakeController{}
	api := New(c, "")

	code, body := request(t, api, http.MethodPost, "/recording/toggle", "")
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"recording": true}`, string(body))

	code, body = request(t, api, http.MethodPost, "/recording/toggle", "")
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"recording": false}`, string(body))

	c.recordErr = monitor.ErrNotReady
	code, _ = request(t, api, http.MethodPost, "/recording/toggle", "")
	require.Equal(t, http.StatusConflict, code)
}

func TestUser(t *testing.T) {
	c := &fakeController{}
	api := New(c, "")

	code, _ := request(t, api, http.MethodPut, "/user", `{"assigned_id": "P-1", "name": "Jane", "comments": "evening"}`)
	require.Equal(t, http.StatusNoContent, code)
	require.Equal(t, export.UserInfo{AssignedID: "P-1", Name: "Jane", Comments: "evening"}, c.user)

	code, body := request(t, api, http.MethodGet, "/user", "")
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"system_id": "", "assigned_id": "P-1", "name": "Jane", "comments": "evening"}`, string(body))

	code, _ = request(t, api, http.MethodPut, "/user", `{"name": `)
	require.Equal(t, http.StatusBadRequest, code)
}

func TestExportAndSync(t *testing.T) {
	c := &fakeController{exportErr: monitor.ErrNoRecording}
	api := New(c, "")

	code, _ := request(t, api, http.MethodGet, "/export", "")
	require.Equal(t, http.StatusConflict, code)

	c.exportErr = nil
	c.doc = &export.Document{
		Person:   export.Person{ID: "P-1", Name: "Jane"},
		Activity: export.Activity{StartTime: 10, EndTime: 20},
	}
	code, body := request(t, api, http.MethodGet, "/export", "")
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{
		"person": {"id": "P-1", "name": "Jane"},
		"activity": {"start_time": 10, "end_time": 20, "info": "", "sensors": null}
	}`, string(body))

	code, _ = request(t, api, http.MethodPost, "/sync", "")
	require.Equal(t, http.StatusNoContent, code)

	c.syncErr = &flow.InvalidTransitionError{State: flow.Initial, Event: flow.Sync}
	code, _ = request(t, api, http.MethodPost, "/sync", "")
	require.Equal(t, http.StatusConflict, code)
}

func TestMetrics(t *testing.T) {
	metrics.Recording.Set(1)
	defer metrics.Recording.Set(0)

	api := New(&fakeController{}, "", WithRegistry(prometheus.NewRegistry()))

	code, body := request(t, api, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, code)
	require.Contains(t, string(body), "btmonitor_recording 1")
}
