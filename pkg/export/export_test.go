package export

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/fako1024/btmonitor/pkg/parser"
	"github.com/fako1024/btmonitor/pkg/timeseries"
	"github.com/fako1024/btmonitor/pkg/tracker"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/yudai/gojsondiff"
	"github.com/yudai/gojsondiff/formatter"
)

var testSensors = []tracker.SensorDefinition{
	{Name: "EDA", Unit: "µS", Code: 0x03},
	{Name: "Heartrate", Unit: "BPM", Code: 0x04},
	{Name: "Room Temperature", Unit: "°C", Code: 0x01},
}

func newTestStore(t *testing.T) *timeseries.Store {
	t.Helper()

	p, err := parser.New(testSensors)
	require.NoError(t, err)

	clock := []time.Time{
		time.Unix(1700000000, 0),
		time.Unix(1700000042, 0),
	}
	return timeseries.New(p, timeseries.WithClock(func() time.Time {
		now := clock[0]
		if len(clock) > 1 {
			clock = clock[1:]
		}
		return now
	}))
}

func push(t *testing.T, s *timeseries.Store, code byte, magnitude uint32, relTime uint32) {
	t.Helper()
	data, err := parser.Packet{
		SensorCode:   code,
		Magnitude:    magnitude,
		RelativeTime: relTime,
	}.MarshalBinary()
	require.NoError(t, err)
	require.NoError(t, s.ParseAndPush(data))
}

func requireJSONEqual(t *testing.T, expected string, actual []byte) {
	t.Helper()

	diff, err := gojsondiff.New().Compare([]byte(expected), actual)
	require.NoError(t, err)
	if !diff.Modified() {
		return
	}

	var left map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(expected), &left))
	out, err := formatter.NewAsciiFormatter(left, formatter.AsciiFormatterConfig{}).Format(diff)
	require.NoError(t, err)
	t.Fatalf("unexpected export document:\n%s", out)
}

func TestUserInfo(t *testing.T) {
	u := NewUserInfo()
	_, err := uuid.Parse(u.SystemID)
	require.NoError(t, err)
	require.Equal(t, u.SystemID, u.PersonID())

	u.AssignedID = "P-17"
	require.Equal(t, "P-17", u.PersonID())

	require.NotEqual(t, NewUserInfo().SystemID, NewUserInfo().SystemID)
}

func TestBuild(t *testing.T) {
	s := newTestStore(t)
	push(t, s, 0x03, 3, 1000)
	push(t, s, 0x04, 72, 1200)
	push(t, s, 0x03, 4, 2500)
	s.Finish()

	user := UserInfo{
		SystemID: "system",
		Name:     "Jane",
		Comments: "morning run",
	}

	data, err := Marshal(user, s)
	require.NoError(t, err)

	requireJSONEqual(t, `{
		"person": {"id": "system", "name": "Jane"},
		"activity": {
			"start_time": 1700000000,
			"end_time": 1700000042,
			"info": "morning run",
			"sensors": {
				"EDA": {
					"x_unit": "Seconds",
					"y_unit": "µS",
					"values": [{"rel_time": 0, "value": 3}, {"rel_time": 1.5, "value": 4}]
				},
				"Heartrate": {
					"x_unit": "Seconds",
					"y_unit": "BPM",
					"values": [{"rel_time": 0, "value": 72}]
				},
				"Room Temperature": {
					"x_unit": "Seconds",
					"y_unit": "°C",
					"values": []
				}
			}
		}
	}`, data)
}

func TestBuildKeepsCatalogOrder(t *testing.T) {
	s := newTestStore(t)
	push(t, s, 0x01, 21, 0)
	s.Finish()

	doc, err := Build(NewUserInfo(), s)
	require.NoError(t, err)

	var names []string
	for pair := doc.Activity.Sensors.Oldest(); pair != nil; pair = pair.Next() {
		names = append(names, pair.Key)
	}
	require.Equal(t, []string{"EDA", "Heartrate", "Room Temperature"}, names)
}

func TestBuildAssignedID(t *testing.T) {
	s := newTestStore(t)
	push(t, s, 0x04, 60, 0)
	s.Finish()

	doc, err := Build(UserInfo{SystemID: "system", AssignedID: "assigned"}, s)
	require.NoError(t, err)
	require.Equal(t, "assigned", doc.Person.ID)
	require.Equal(t, "", doc.Person.Name)
	require.Equal(t, "", doc.Activity.Info)
}

func TestBuildIncompleteRecording(t *testing.T) {
	s := newTestStore(t)

	_, err := Build(NewUserInfo(), s)
	require.ErrorIs(t, err, ErrNotStarted)

	push(t, s, 0x03, 1, 0)
	_, err = Build(NewUserInfo(), s)
	require.ErrorIs(t, err, ErrNotFinished)
}
