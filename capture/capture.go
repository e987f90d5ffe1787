// Package capture opens a live packet source and hands whole IPv4 datagrams
// (link-layer header stripped) to the dispatch pipeline. Grounded on
// pcap/pcap.go: the same pcapWrapper-over-gopacket/pcap shape, the same
// done-channel shutdown convention, and the same "first packet" debug log.
package capture

import (
	"net"
	"time"

	"github.com/google/gopacket"
	_ "github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"
	"github.com/pkg/errors"

	"github.com/postmanlabs/flowbreak/flowerr"
	"github.com/postmanlabs/flowbreak/logging"
)

// The same default as tcpdump.
const defaultSnapLen = 262144

const datagramBufferSize = 1024

// Datagram is one captured IPv4 packet, link-layer header already
// stripped, handed to whatever wants to feed it to ipdefrag/dispatch.
type Datagram struct {
	Bytes []byte
	TS    time.Time
}

// Source is a live packet capture on one interface.
type Source struct {
	handle *pcap.Handle
	iface  string
}

// Open starts a live capture on interfaceName with the given BPF filter
// installed ("" installs none). Mirrors pcap.pcapImpl.capturePackets'
// pcap.OpenLive/SetBPFFilter sequence.
func Open(interfaceName, bpfFilter string) (*Source, error) {
	handle, err := pcap.OpenLive(interfaceName, defaultSnapLen, true, pcap.BlockForever)
	if err != nil {
		return nil, flowerr.Wrap(flowerr.CodeCaptureInterface, err, "failed to open pcap on "+interfaceName)
	}
	if bpfFilter != "" {
		if err := handle.SetBPFFilter(bpfFilter); err != nil {
			handle.Close()
			return nil, flowerr.Wrap(flowerr.CodeBPFFilter, err, "failed to set BPF filter")
		}
	}
	return &Source{handle: handle, iface: interfaceName}, nil
}

// Close releases the underlying pcap handle.
func (s *Source) Close() {
	s.handle.Close()
}

// Run decodes packets off the wire until done is closed, stripping the
// link-layer header off each one and sending the IPv4 datagram onward.
// Non-IPv4 packets are silently dropped; this is a capture-layer concern,
// spec's ipdefrag/tcpreasm never see them.
func (s *Source) Run(done <-chan struct{}) <-chan Datagram {
	packetSource := gopacket.NewPacketSource(s.handle, s.handle.LinkType())
	packetSource.DecodeOptions = gopacket.DecodeOptions{Lazy: true, NoCopy: true}
	pktChan := packetSource.Packets()

	out := make(chan Datagram, datagramBufferSize)
	go func() {
		defer close(out)
		startTime := time.Now()
		count := 0
		for {
			select {
			case <-done:
				return
			case pkt, ok := <-pktChan:
				if !ok {
					return
				}
				dgram, ok := toIPv4Datagram(pkt)
				if !ok {
					continue
				}
				select {
				case out <- dgram:
				case <-done:
					return
				}
				if count == 0 {
					logging.V(1).Debugf("time to first packet on %s: %s", s.iface, time.Since(startTime))
				}
				count++
			}
		}
	}()
	return out
}

// toIPv4Datagram strips everything up to and including the network layer's
// start, returning the IPv4 header and everything after it.
func toIPv4Datagram(pkt gopacket.Packet) (Datagram, bool) {
	netLayer := pkt.NetworkLayer()
	if netLayer == nil {
		return Datagram{}, false
	}
	contents := netLayer.LayerContents()
	if len(contents) == 0 || contents[0]>>4 != 4 {
		return Datagram{}, false
	}
	payload := netLayer.LayerPayload()
	raw := make([]byte, 0, len(contents)+len(payload))
	raw = append(raw, contents...)
	raw = append(raw, payload...)

	ts := pkt.Metadata().Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return Datagram{Bytes: raw, TS: ts}, true
}

// InterfaceAddrs returns the host IPs bound to interfaceName, used when a
// caller wants to auto-derive which side of a flow is the "client" side.
// Grounded on pcap.pcapImpl.getInterfaceAddrs.
func InterfaceAddrs(interfaceName string) ([]net.IP, error) {
	iface, err := net.InterfaceByName(interfaceName)
	if err != nil {
		return nil, errors.Wrapf(err, "no network interface with name %s", interfaceName)
	}
	addrs, err := iface.Addrs()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get addresses on interface %s", iface.Name)
	}
	var ips []net.IP
	for _, addr := range addrs {
		switch a := addr.(type) {
		case *net.IPNet:
			ips = append(ips, a.IP)
		case *net.TCPAddr:
			ips = append(ips, a.IP)
		case *net.UDPAddr:
			ips = append(ips, a.IP)
		default:
			logging.Stderr.Warningf("ignoring host address of unknown type: %v", addr)
		}
	}
	return ips, nil
}
