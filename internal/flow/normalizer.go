// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package flow classifies a parsed packet's five-tuple against the
// configured subscriber subnet, producing a NormalizedFlow tagged value.
package flow

import (
	"bytes"
	"net"

	"grimm.is/cellmeter/internal/packet"
)

// Kind tags which variant of NormalizedFlow a value holds.
type Kind int

const (
	KindUserRemote Kind = iota
	KindUserUser
	KindOther
)

// NormalizedFlow is the Normalizer's output: exactly one of its three
// shapes is populated, selected by Kind.
type NormalizedFlow struct {
	Kind Kind

	// UserRemote fields.
	UserAddr   net.IP
	RemoteAddr net.IP
	UserPort   uint16
	RemotePort uint16

	// UserUser fields (canonicalized so AAddr < BAddr).
	AAddr     net.IP
	BAddr     net.IP
	APort     uint16
	BPort     uint16
	BytesAToB int64
	BytesBToA int64

	// Other fields.
	FiveTuple packet.FiveTuple

	Proto   uint8
	BytesUp int64 // UserRemote only
	BytesDn int64 // UserRemote only
	Bytes   int64 // Other only
}

// Normalizer classifies five-tuples against a configured user subnet and
// exclusion set.
type Normalizer struct {
	subnet   *net.IPNet
	excluded map[string]struct{}
}

// New builds a Normalizer for the given CIDR subnet and excluded IPs.
func New(subnetCIDR string, excludedIPs []string) (*Normalizer, error) {
	_, subnet, err := net.ParseCIDR(subnetCIDR)
	if err != nil {
		return nil, err
	}

	excluded := make(map[string]struct{}, len(excludedIPs))
	for _, ip := range excludedIPs {
		excluded[net.ParseIP(ip).String()] = struct{}{}
	}

	return &Normalizer{subnet: subnet, excluded: excluded}, nil
}

func (n *Normalizer) isUser(addr net.IP) bool {
	if !n.subnet.Contains(addr) {
		return false
	}
	_, excl := n.excluded[addr.String()]
	return !excl
}

// Normalize classifies ft carrying byteCount bytes into a NormalizedFlow.
func (n *Normalizer) Normalize(ft packet.FiveTuple, byteCount int64) NormalizedFlow {
	srcIsUser := n.isUser(ft.SrcIP)
	dstIsUser := n.isUser(ft.DstIP)

	switch {
	case srcIsUser && !dstIsUser:
		return NormalizedFlow{
			Kind:       KindUserRemote,
			UserAddr:   ft.SrcIP,
			RemoteAddr: ft.DstIP,
			UserPort:   ft.SrcPort,
			RemotePort: ft.DstPort,
			Proto:      ft.Protocol,
			BytesUp:    byteCount,
			BytesDn:    0,
		}
	case dstIsUser && !srcIsUser:
		return NormalizedFlow{
			Kind:       KindUserRemote,
			UserAddr:   ft.DstIP,
			RemoteAddr: ft.SrcIP,
			UserPort:   ft.DstPort,
			RemotePort: ft.SrcPort,
			Proto:      ft.Protocol,
			BytesUp:    0,
			BytesDn:    byteCount,
		}
	case srcIsUser && dstIsUser:
		srcFirst := bytes.Compare(ft.SrcIP.To16(), ft.DstIP.To16()) <= 0
		flow := NormalizedFlow{Kind: KindUserUser, Proto: ft.Protocol}
		if srcFirst {
			flow.AAddr, flow.BAddr = ft.SrcIP, ft.DstIP
			flow.APort, flow.BPort = ft.SrcPort, ft.DstPort
			flow.BytesAToB = byteCount
		} else {
			flow.AAddr, flow.BAddr = ft.DstIP, ft.SrcIP
			flow.APort, flow.BPort = ft.DstPort, ft.SrcPort
			flow.BytesBToA = byteCount
		}
		return flow
	default:
		return NormalizedFlow{Kind: KindOther, FiveTuple: ft, Bytes: byteCount}
	}
}
