package transport

import (
	"github.com/pion/webrtc/v4"
)

// pionDataChannel adapts *webrtc.DataChannel to the DataChannel surface.
type pionDataChannel struct {
	dc *webrtc.DataChannel
}

func (d *pionDataChannel) Label() string {
	return d.dc.Label()
}

func (d *pionDataChannel) ReadyState() webrtc.DataChannelState {
	return d.dc.ReadyState()
}

func (d *pionDataChannel) OnOpen(f func()) {
	d.dc.OnOpen(f)
}

func (d *pionDataChannel) OnMessage(f func([]byte)) {
	d.dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		f(msg.Data)
	})
}

func (d *pionDataChannel) SendText(text string) error {
	return d.dc.SendText(text)
}

func (d *pionDataChannel) Close() error {
	return d.dc.Close()
}
