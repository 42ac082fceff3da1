package serverinfo

import (
	"bytes"
	"fmt"
	"io"
	"time"

	"github.com/dtn7/cboring"
	"github.com/schollz/peerdiscovery"
	log "github.com/sirupsen/logrus"
)

// Default LAN discovery multicast parameters, for standalone-mode nodes
// with no system controller to push them a static peer list.
const (
	DiscoveryAddress4 = "224.23.42.1"
	DiscoveryPort     = 35139
)

// Announcement is what a node broadcasts about itself on the discovery
// multicast group.
type Announcement struct {
	NodeId    string
	Type      string
	ServiceId uint16
	Port      uint16
	Weight    int
}

func (a *Announcement) MarshalCbor(w io.Writer) error {
	if err := cboring.WriteArrayLength(5, w); err != nil {
		return err
	}
	if err := cboring.WriteTextString(a.NodeId, w); err != nil {
		return err
	}
	if err := cboring.WriteTextString(a.Type, w); err != nil {
		return err
	}
	if err := cboring.WriteUInt(uint64(a.ServiceId), w); err != nil {
		return err
	}
	if err := cboring.WriteUInt(uint64(a.Port), w); err != nil {
		return err
	}
	return cboring.WriteUInt(uint64(a.Weight), w)
}

func (a *Announcement) UnmarshalCbor(r io.Reader) error {
	if l, err := cboring.ReadArrayLength(r); err != nil {
		return err
	} else if l != 5 {
		return fmt.Errorf("serverinfo: announcement has wrong array length %d", l)
	}
	var err error
	if a.NodeId, err = cboring.ReadTextString(r); err != nil {
		return err
	}
	if a.Type, err = cboring.ReadTextString(r); err != nil {
		return err
	}
	if n, err := cboring.ReadUInt(r); err != nil {
		return err
	} else {
		a.ServiceId = uint16(n)
	}
	if n, err := cboring.ReadUInt(r); err != nil {
		return err
	} else {
		a.Port = uint16(n)
	}
	if n, err := cboring.ReadUInt(r); err != nil {
		return err
	} else {
		a.Weight = int(n)
	}
	return nil
}

func marshalAnnouncement(a Announcement) ([]byte, error) {
	var buf bytes.Buffer
	if err := a.MarshalCbor(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func unmarshalAnnouncement(data []byte) (Announcement, error) {
	var a Announcement
	err := a.UnmarshalCbor(bytes.NewReader(data))
	return a, err
}

// Discovery broadcasts this node's own Announcement on the LAN discovery
// multicast group and feeds every peer Announcement it hears back into
// a Registry, mirroring the model codebase's own UDP discovery manager.
type Discovery struct {
	registry *Registry
	self     Announcement
	address  string
	port     int

	stopChan chan struct{}
}

// NewDiscovery builds a Discovery that announces self and heartbeats
// discovered peers into registry.
func NewDiscovery(registry *Registry, self Announcement, address string, port int) *Discovery {
	if address == "" {
		address = DiscoveryAddress4
	}
	if port == 0 {
		port = DiscoveryPort
	}
	return &Discovery{registry: registry, self: self, address: address, port: port}
}

// Start begins broadcasting self every interval and listening for peer
// announcements until Close is called.
func (d *Discovery) Start(interval time.Duration) error {
	payload, err := marshalAnnouncement(d.self)
	if err != nil {
		return err
	}

	d.stopChan = make(chan struct{})
	settings := peerdiscovery.Settings{
		Limit:            -1,
		Port:             fmt.Sprintf("%d", d.port),
		MulticastAddress: d.address,
		Payload:          payload,
		Delay:            interval,
		TimeLimit:        -1,
		StopChan:         d.stopChan,
		AllowSelf:        false,
		IPVersion:        peerdiscovery.IPv4,
		Notify:           d.notify,
	}

	go func() {
		if _, err := peerdiscovery.Discover(settings); err != nil {
			log.WithError(err).Warn("LAN discovery stopped")
		}
	}()
	return nil
}

func (d *Discovery) notify(discovered peerdiscovery.Discovered) {
	a, err := unmarshalAnnouncement(discovered.Payload)
	if err != nil {
		log.WithError(err).WithField("peer", discovered.Address).Warn("LAN discovery: malformed announcement")
		return
	}
	if a.NodeId == d.self.NodeId {
		return
	}

	d.registry.Heartbeat(Entry{
		NodeId:    a.NodeId,
		Type:      a.Type,
		ServiceId: a.ServiceId,
		Address:   fmt.Sprintf("%s:%d", discovered.Address, a.Port),
		Weight:    a.Weight,
	})
	log.WithFields(log.Fields{"peer": a.NodeId, "addr": discovered.Address}).Debug("LAN discovery: peer announced")
}

// Close stops broadcasting and listening.
func (d *Discovery) Close() {
	if d.stopChan != nil {
		close(d.stopChan)
	}
}
