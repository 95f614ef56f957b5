package gattradio

import (
	"testing"

	"github.com/fako1024/btmonitor/pkg/radio"
)

var _ radio.Radio = &Radio{}

func TestInit(t *testing.T) {
	r, err := New()
	if err == nil {
		t.Fatalf("instantiation of radio was unexpectedly successful")
	}
	if r != nil {
		t.Fatalf("instantiation of radio unexpectedly returned non-nil instance")
	}
}
