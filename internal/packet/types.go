// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package packet decodes raw link-layer frames into FiveTuple-keyed
// PacketInfo records, opportunistically attaching DNS answers when the
// packet is a DNS response.
package packet

import "net"

// FiveTuple identifies a bidirectional L4 flow. Ports are 0 for
// transports that do not carry ports.
type FiveTuple struct {
	SrcIP    net.IP
	DstIP    net.IP
	SrcPort  uint16
	DstPort  uint16
	Protocol uint8
}

// DNSResponse is the opportunistically-decoded DNS answer carried by a
// UDP/53 packet, following any CNAME chain back to A/AAAA records.
type DNSResponse struct {
	FQDN      string
	Addresses []net.IP
}

// PacketInfo is the parser's successful-decode output.
type PacketInfo struct {
	FiveTuple       FiveTuple
	IPPayloadLength uint16
	DNS             *DNSResponse
}

// LinkType tells the parser how to interpret the start of the buffer.
type LinkType int

const (
	LinkEthernet LinkType = iota
	LinkRawIPv4
	LinkRawIPv6
)
