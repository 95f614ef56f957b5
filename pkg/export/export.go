// Package export builds the document that is handed to the sync collaborator
// once a recording has finished
package export

import (
	"encoding/json"
	"errors"

	"github.com/fako1024/btmonitor/pkg/timeseries"
	"github.com/google/uuid"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// XUnit is the unit of the x axis of every exported sensor
const XUnit = "Seconds"

var (

	// ErrNotStarted is returned if the store has not received a single reading
	ErrNotStarted = errors.New("recording has no start time")

	// ErrNotFinished is returned if the store has not been finished yet
	ErrNotFinished = errors.New("recording has no end time")
)

// UserInfo denotes information entered by the user about themselves and the
// recording
type UserInfo struct {

	// SystemID is generated once per instance
	SystemID string `json:"system_id"`

	// AssignedID takes precedence over the system id, if set
	AssignedID string `json:"assigned_id,omitempty"`

	Name     string `json:"name,omitempty"`
	Comments string `json:"comments,omitempty"`
}

// NewUserInfo instantiates a new user info with a random system id
func NewUserInfo() UserInfo {
	return UserInfo{
		SystemID: uuid.NewString(),
	}
}

// PersonID returns the assigned id, if set, and the system id otherwise
func (u UserInfo) PersonID() string {
	if u.AssignedID != "" {
		return u.AssignedID
	}
	return u.SystemID
}

// Document denotes the exported recording
type Document struct {
	Person   Person   `json:"person"`
	Activity Activity `json:"activity"`
}

// Person identifies the user of the recording
type Person struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Activity holds the recording itself
type Activity struct {

	// StartTime and EndTime are seconds since the epoch
	StartTime int64 `json:"start_time"`
	EndTime   int64 `json:"end_time"`

	Info string `json:"info"`

	// Sensors is keyed by sensor name, in catalog order
	Sensors *orderedmap.OrderedMap[string, Sensor] `json:"sensors"`
}

// Sensor holds the series of a single sensor
type Sensor struct {
	XUnit  string  `json:"x_unit"`
	YUnit  string  `json:"y_unit"`
	Values []Value `json:"values"`
}

// Value denotes a single point of a series
type Value struct {
	RelTime float64 `json:"rel_time"`
	Value   float64 `json:"value"`
}

// Build creates the export document for a finished store
func Build(user UserInfo, store *timeseries.Store) (*Document, error) {
	start, ok := store.StartTime()
	if !ok {
		return nil, ErrNotStarted
	}
	end, ok := store.EndTime()
	if !ok {
		return nil, ErrNotFinished
	}

	sensors := orderedmap.New[string, Sensor]()
	for _, sensor := range store.Sensors() {
		tuples := store.TuplesForSensor(sensor)
		values := make([]Value, 0, len(tuples))
		for _, t := range tuples {
			values = append(values, Value{RelTime: t.X, Value: t.Y})
		}

		sensors.Set(sensor.Name, Sensor{
			XUnit:  XUnit,
			YUnit:  sensor.Unit,
			Values: values,
		})
	}

	return &Document{
		Person: Person{
			ID:   user.PersonID(),
			Name: user.Name,
		},
		Activity: Activity{
			StartTime: start.Unix(),
			EndTime:   end.Unix(),
			Info:      user.Comments,
			Sensors:   sensors,
		},
	}, nil
}

// Marshal builds the export document and serializes it to JSON
func Marshal(user UserInfo, store *timeseries.Store) ([]byte, error) {
	doc, err := Build(user, store)
	if err != nil {
		return nil, err
	}
	return json.Marshal(doc)
}
