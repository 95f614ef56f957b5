package manager

import (
	"github.com/fako1024/btmonitor/pkg/peripheral"
	"github.com/fako1024/btmonitor/pkg/radio"
)

// handler receives radio events on arbitrary goroutines and delivers them to
// the manager on its event loop
type handler struct {
	m *Manager
}

func (h *handler) post(fn func()) {
	if !h.m.loop.Post(fn) {
		h.m.logger.Debug("dropping radio event, event loop closed")
	}
}

func (h *handler) PowerStateChanged(state radio.PowerState) {
	h.post(func() { h.m.onPowerStateChanged(state) })
}

func (h *handler) Discovered(adv radio.Advertisement) {
	h.post(func() { h.m.onDiscovered(adv) })
}

func (h *handler) Connected(id string) {
	h.post(func() { h.m.onConnected(id) })
}

func (h *handler) ConnectFailed(id string, err error) {
	h.post(func() { h.m.onConnectFailed(id, err) })
}

func (h *handler) Disconnected(id string, err error) {
	h.post(func() { h.m.onDisconnected(id, err) })
}

func (h *handler) ServicesDiscovered(id string, services []string, err error) {
	h.post(func() {
		h.m.withAdapter(id, func(a *peripheral.Adapter) {
			a.HandleServicesDiscovered(services, err)
		})
	})
}

func (h *handler) CharacteristicsDiscovered(id, service string, characteristics []string, err error) {
	h.post(func() {
		h.m.withAdapter(id, func(a *peripheral.Adapter) {
			a.HandleCharacteristicsDiscovered(service, characteristics, err)
		})
	})
}

func (h *handler) ValueUpdated(id, characteristic string, data []byte, err error) {
	h.post(func() {
		h.m.withAdapter(id, func(a *peripheral.Adapter) {
			a.HandleValueUpdated(characteristic, data, err)
		})
	})
}
