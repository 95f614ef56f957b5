package backend

import (
	"testing"

	"github.com/fako1024/btmonitor/pkg/config"
	"github.com/fako1024/btmonitor/pkg/mock"
	"github.com/fako1024/btmonitor/pkg/radio"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	states []radio.PowerState
	advs   []radio.Advertisement
}

func (r *recorder) PowerStateChanged(state radio.PowerState)                  { r.states = append(r.states, state) }
func (r *recorder) Discovered(adv radio.Advertisement)                        { r.advs = append(r.advs, adv) }
func (r *recorder) Connected(string)                                          {}
func (r *recorder) ConnectFailed(string, error)                               {}
func (r *recorder) Disconnected(string, error)                                {}
func (r *recorder) ServicesDiscovered(string, []string, error)                {}
func (r *recorder) CharacteristicsDiscovered(string, string, []string, error) {}
func (r *recorder) ValueUpdated(string, string, []byte, error)                {}

func TestMockBackend(t *testing.T) {
	cfg, err := config.Default().Configuration()
	require.NoError(t, err)

	r, err := New(config.BackendMock, cfg, nil)
	require.NoError(t, err)
	require.IsType(t, &mock.Mock{}, r)
	defer r.Close()

	rec := &recorder{}
	require.NoError(t, r.Init(rec))
	require.NoError(t, r.Scan())

	require.Equal(t, []radio.PowerState{radio.PowerOn}, rec.states)
	require.Len(t, rec.advs, 1)
	require.Equal(t, MockTrackerID, rec.advs[0].ID)
}

func TestUnknownBackend(t *testing.T) {
	cfg, err := config.Default().Configuration()
	require.NoError(t, err)

	_, err = New("carrier-pigeon", cfg, nil)
	require.Error(t, err)
}
