// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package packet

import (
	"net"
	"testing"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"

	"grimm.is/cellmeter/internal/errors"
)

func buildUDPEthernetFrame(t *testing.T, srcIP, dstIP net.IP, srcPort, dstPort uint16, payload []byte) []byte {
	t.Helper()

	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 1},
		DstMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 2},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    srcIP,
		DstIP:    dstIP,
	}
	udp := &layers.UDP{
		SrcPort: layers.UDPPort(srcPort),
		DstPort: layers.UDPPort(dstPort),
	}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip))

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, eth, ip, udp, gopacket.Payload(payload)))
	return buf.Bytes()
}

func TestParseLengthCheck(t *testing.T) {
	payload := []byte("hello, world")
	frame := buildUDPEthernetFrame(t, net.IPv4(10, 0, 0, 1), net.IPv4(10, 0, 0, 2), 1000, 2000, payload)

	info, err := Parse(frame, LinkEthernet)
	require.NoError(t, err)
	require.Equal(t, uint16(len(payload)+8), info.IPPayloadLength) // UDP header + payload
	require.Equal(t, uint16(1000), info.FiveTuple.SrcPort)
	require.Equal(t, uint16(2000), info.FiveTuple.DstPort)
	require.Equal(t, uint8(17), info.FiveTuple.Protocol)
}

func TestParseLengthMismatchIsBadPacket(t *testing.T) {
	payload := []byte("hello, world")
	frame := buildUDPEthernetFrame(t, net.IPv4(10, 0, 0, 1), net.IPv4(10, 0, 0, 2), 1000, 2000, payload)

	// Inflate the IPv4 total-length field (bytes 2-3 of the IP header)
	// so the declared payload length no longer matches the buffer.
	frame[16]++

	_, err := Parse(frame, LinkEthernet)
	require.Error(t, err)
	require.Equal(t, errors.KindParse, errors.GetKind(err))
	require.Equal(t, "bad_packet", errors.GetAttributes(err)["reason"])
}

// TestParseDNSResponsePacket runs the full decode path on a synthesized
// DNS response from a resolver: the resulting PacketInfo must carry both
// the five-tuple and the answered AAAA addresses.
func TestParseDNSResponsePacket(t *testing.T) {
	msg := new(dns.Msg)
	msg.SetQuestion("xkcd.com.", dns.TypeAAAA)
	msg.Response = true
	for _, addr := range []string{"2a04:4e42::67", "2a04:4e42:200::67", "2a04:4e42:400::67", "2a04:4e42:600::67"} {
		rr, err := dns.NewRR("xkcd.com. 300 IN AAAA " + addr)
		require.NoError(t, err)
		msg.Answer = append(msg.Answer, rr)
	}
	payload, err := msg.Pack()
	require.NoError(t, err)

	frame := buildUDPEthernetFrame(t, net.IPv4(8, 8, 8, 8), net.IPv4(192, 168, 1, 241), 53, 56000, payload)

	info, err := Parse(frame, LinkEthernet)
	require.NoError(t, err)
	require.Equal(t, uint16(53), info.FiveTuple.SrcPort)
	require.Equal(t, uint16(56000), info.FiveTuple.DstPort)
	require.Equal(t, uint8(17), info.FiveTuple.Protocol)
	require.Equal(t, uint16(len(payload)+8), info.IPPayloadLength)

	require.NotNil(t, info.DNS)
	require.Equal(t, "xkcd.com.", info.DNS.FQDN)
	require.Len(t, info.DNS.Addresses, 4)
	require.True(t, info.DNS.Addresses[0].Equal(net.ParseIP("2a04:4e42::67")))
}

func TestParseArpIsNotAnError(t *testing.T) {
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 1},
		DstMAC:       net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff},
		EthernetType: layers.EthernetTypeARP,
	}
	arp := &layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         layers.ARPRequest,
		SourceHwAddress:   []byte{0x02, 0, 0, 0, 0, 1},
		SourceProtAddress: []byte{10, 0, 0, 1},
		DstHwAddress:      []byte{0, 0, 0, 0, 0, 0},
		DstProtAddress:    []byte{10, 0, 0, 2},
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, eth, arp))

	_, err := Parse(buf.Bytes(), LinkEthernet)
	require.Error(t, err)
	require.Equal(t, errors.KindParse, errors.GetKind(err))
	require.Equal(t, "is_arp", errors.GetAttributes(err)["reason"])
}

func TestParseIPv6UnhandledTransportIsSoft(t *testing.T) {
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 1},
		DstMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 2},
		EthernetType: layers.EthernetTypeIPv6,
	}
	ip6 := &layers.IPv6{
		Version:    6,
		NextHeader: layers.IPProtocolICMPv6,
		HopLimit:   64,
		SrcIP:      net.ParseIP("fe80::1"),
		DstIP:      net.ParseIP("fe80::2"),
	}
	payload := []byte{0x80, 0x00, 0x00, 0x00} // minimal ICMPv6 echo-ish bytes

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, eth, ip6, gopacket.Payload(payload)))

	info, err := Parse(buf.Bytes(), LinkEthernet)
	require.NoError(t, err)
	require.Equal(t, uint16(0), info.FiveTuple.SrcPort)
	require.Equal(t, uint16(0), info.FiveTuple.DstPort)
	require.Equal(t, uint8(58), info.FiveTuple.Protocol)
	require.Nil(t, info.DNS)
}

func TestDecodeDNSResponseFollowsCNAMEChain(t *testing.T) {
	msg := new(dns.Msg)
	msg.SetQuestion("ocsp.globalsign.com.", dns.TypeA)

	cname1, _ := dns.NewRR("ocsp.globalsign.com. 300 IN CNAME ocsp2.globalsign.com.")
	cname2, _ := dns.NewRR("ocsp2.globalsign.com. 300 IN CNAME cdn.globalsign.com.")
	a1, _ := dns.NewRR("cdn.globalsign.com. 300 IN A 104.18.21.226")
	a2, _ := dns.NewRR("cdn.globalsign.com. 300 IN A 104.18.20.226")
	msg.Answer = []dns.RR{cname1, cname2, a1, a2}

	packed, err := msg.Pack()
	require.NoError(t, err)

	resp, err := decodeDNSResponse(packed)
	require.NoError(t, err)
	require.Equal(t, "ocsp.globalsign.com.", resp.FQDN)
	require.Len(t, resp.Addresses, 2)
}
