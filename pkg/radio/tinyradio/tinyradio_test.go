package tinyradio

import (
	"testing"

	"github.com/fako1024/btmonitor/pkg/radio"
	"github.com/fako1024/btmonitor/pkg/tracker"
	"github.com/stretchr/testify/assert"
)

var _ radio.Radio = &Radio{}

func TestUnknownPeripheral(t *testing.T) {
	r := New()

	var nerr *tracker.NotFoundError
	assert.ErrorAs(t, r.Connect("00:11:22:33:44:55"), &nerr)
	assert.ErrorAs(t, r.DiscoverServices("00:11:22:33:44:55"), &nerr)
	assert.ErrorAs(t, r.WriteWithoutResponse("00:11:22:33:44:55", "6e400002", []byte{0x01}), &nerr)
	assert.ErrorAs(t, r.SetNotify("00:11:22:33:44:55", "6e400003", true), &nerr)
}
