//go:build !linux

package gattradio

import "github.com/fako1024/gatt"

var defaultBTClientOptions = []gatt.Option{}
