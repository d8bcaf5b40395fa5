package tunnel

import (
	"fmt"
	"time"

	"golang.zx2c4.com/wireguard/wgctrl"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// PeerStats is the traffic summary of one peer.
type PeerStats struct {
	PublicKey     string    `json:"public_key"`
	Endpoint      string    `json:"endpoint,omitempty"`
	LastHandshake time.Time `json:"last_handshake"`
	RxBytes       int64     `json:"rx_bytes"`
	TxBytes       int64     `json:"tx_bytes"`
}

// Stats is the traffic summary of a tunnel interface.
type Stats struct {
	Interface string      `json:"interface"`
	PublicKey string      `json:"public_key"`
	Peers     []PeerStats `json:"peers"`
}

// StatsReader reads interface statistics through the WireGuard control API.
type StatsReader struct{}

func (StatsReader) Read(iface string) (Stats, error) {
	client, err := wgctrl.New()
	if err != nil {
		return Stats{}, fmt.Errorf("open wireguard control: %w", err)
	}
	defer client.Close()

	dev, err := client.Device(iface)
	if err != nil {
		return Stats{}, fmt.Errorf("read device %s: %w", iface, err)
	}
	return statsFromDevice(dev), nil
}

func statsFromDevice(dev *wgtypes.Device) Stats {
	s := Stats{
		Interface: dev.Name,
		PublicKey: dev.PublicKey.String(),
		Peers:     make([]PeerStats, 0, len(dev.Peers)),
	}
	for _, p := range dev.Peers {
		ps := PeerStats{
			PublicKey:     p.PublicKey.String(),
			LastHandshake: p.LastHandshakeTime,
			RxBytes:       p.ReceiveBytes,
			TxBytes:       p.TransmitBytes,
		}
		if p.Endpoint != nil {
			ps.Endpoint = p.Endpoint.String()
		}
		s.Peers = append(s.Peers, ps)
	}
	return s
}
