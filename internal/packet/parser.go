// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package packet

import (
	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"

	"grimm.is/cellmeter/internal/errors"
)

// Parse decodes buf according to linkType and returns a PacketInfo, or a
// KindParse error tagged with ReasonBadPacket, ReasonIsArp, or
// ReasonUnhandledTransport.
func Parse(buf []byte, linkType LinkType) (PacketInfo, error) {
	var decodeOpts = gopacket.DecodeOptions{Lazy: true, NoCopy: true}

	var pkt gopacket.Packet
	switch linkType {
	case LinkEthernet:
		pkt = gopacket.NewPacket(buf, layers.LayerTypeEthernet, decodeOpts)
		if arp := pkt.Layer(layers.LayerTypeARP); arp != nil {
			return PacketInfo{}, errors.WithReason(
				errors.New(errors.KindParse, "packet is ARP"), errors.ReasonIsArp)
		}
	case LinkRawIPv4:
		pkt = gopacket.NewPacket(buf, layers.LayerTypeIPv4, decodeOpts)
	case LinkRawIPv6:
		pkt = gopacket.NewPacket(buf, layers.LayerTypeIPv6, decodeOpts)
	default:
		return PacketInfo{}, errors.WithReason(
			errors.New(errors.KindParse, "unknown link type"), errors.ReasonBadPacket)
	}

	return toPacketInfo(pkt)
}

func toPacketInfo(pkt gopacket.Packet) (PacketInfo, error) {
	var (
		ft          FiveTuple
		payloadLen  uint16
		ipPayload   []byte // everything after the IP header: the transport-layer byte slice
		haveIP      bool
		isIPv6      bool
		l4ProtoIPv6 uint8
	)

	if ip4 := pkt.Layer(layers.LayerTypeIPv4); ip4 != nil {
		v4, ok := ip4.(*layers.IPv4)
		if !ok {
			return PacketInfo{}, errors.WithReason(
				errors.New(errors.KindParse, "malformed IPv4 layer"), errors.ReasonBadPacket)
		}
		ft.SrcIP = v4.SrcIP
		ft.DstIP = v4.DstIP
		payloadLen = v4.Length - uint16(v4.IHL)*4
		ipPayload = v4.Payload
		haveIP = true
	} else if ip6 := pkt.Layer(layers.LayerTypeIPv6); ip6 != nil {
		v6, ok := ip6.(*layers.IPv6)
		if !ok {
			return PacketInfo{}, errors.WithReason(
				errors.New(errors.KindParse, "malformed IPv6 layer"), errors.ReasonBadPacket)
		}
		ft.SrcIP = v6.SrcIP
		ft.DstIP = v6.DstIP
		payloadLen = v6.Length
		ipPayload = v6.Payload
		haveIP = true
		isIPv6 = true
		l4ProtoIPv6 = uint8(v6.NextHeader)
	}

	if !haveIP {
		return PacketInfo{}, errors.WithReason(
			errors.New(errors.KindParse, "no IP layer"), errors.ReasonBadPacket)
	}

	// The length check compares the declared IP payload length against
	// the whole transport-layer byte slice (header and all), not just
	// the decoded sub-layer's payload.
	if uint16(len(ipPayload)) != payloadLen {
		return PacketInfo{}, errors.WithReason(
			errors.New(errors.KindParse, "ip payload length mismatch"), errors.ReasonBadPacket)
	}

	var dnsPayload []byte

	if tcp := pkt.Layer(layers.LayerTypeTCP); tcp != nil {
		t := tcp.(*layers.TCP)
		ft.SrcPort = uint16(t.SrcPort)
		ft.DstPort = uint16(t.DstPort)
		ft.Protocol = 6
	} else if udp := pkt.Layer(layers.LayerTypeUDP); udp != nil {
		u := udp.(*layers.UDP)
		ft.SrcPort = uint16(u.SrcPort)
		ft.DstPort = uint16(u.DstPort)
		ft.Protocol = 17
		dnsPayload = u.Payload
	} else if isIPv6 {
		// IPv6-only protocols (ICMPv6, mobility, etc.) are still counted,
		// with ports=0 and the raw next-header value as proto.
		ft.Protocol = l4ProtoIPv6
	} else {
		return PacketInfo{}, errors.WithReason(
			errors.New(errors.KindParse, "unhandled transport protocol"), errors.ReasonUnhandledTransport)
	}

	info := PacketInfo{
		FiveTuple:       ft,
		IPPayloadLength: payloadLen,
	}

	if ft.Protocol == 17 && ft.SrcPort == 53 && len(dnsPayload) > 0 {
		if dr, err := decodeDNSResponse(dnsPayload); err == nil {
			info.DNS = dr
		}
	}

	return info, nil
}
