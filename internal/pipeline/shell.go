// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package pipeline binds the subscriber-facing interface in promiscuous
// mode and fans each received frame out to the Aggregator and
// Accountant after parsing and normalizing it.
package pipeline

import (
	"context"
	"net"

	mdpacket "github.com/mdlayher/packet"

	"grimm.is/cellmeter/internal/accountant"
	"grimm.is/cellmeter/internal/aggregator"
	"grimm.is/cellmeter/internal/errors"
	"grimm.is/cellmeter/internal/flow"
	"grimm.is/cellmeter/internal/logging"
	"grimm.is/cellmeter/internal/netres"
	"grimm.is/cellmeter/internal/obs"
	"grimm.is/cellmeter/internal/packet"
)

const readBufferSize = 65536

// Shell is the pipeline's entry point: it owns the raw socket and spawns
// one short-lived task per received frame.
type Shell struct {
	conn       *mdpacket.Conn
	linkType   packet.LinkType
	normalizer *flow.Normalizer
	agg        *aggregator.Aggregator
	acct       *accountant.Accountant
	metrics    *obs.Metrics
	log        *logging.Logger
}

// Bind opens a raw AF_PACKET socket on ifaceName in promiscuous mode.
// The link type is inferred from whether the interface carries a MAC
// address (Ethernet) or not (raw IP) — see design notes on link-type
// inference. metrics may be nil, in which case packet counters are not
// recorded.
func Bind(ifaceName string, normalizer *flow.Normalizer, agg *aggregator.Aggregator, acct *accountant.Accountant, metrics *obs.Metrics, log *logging.Logger) (*Shell, error) {
	iface, err := net.InterfaceByName(ifaceName)
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindCommunication, "lookup interface %s", ifaceName)
	}

	conn, err := mdpacket.Listen(iface, mdpacket.Raw, 0, &mdpacket.Config{})
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindCommunication, "bind raw socket on %s", ifaceName)
	}

	if err := conn.SetPromiscuous(true); err != nil {
		return nil, errors.Wrap(err, errors.KindCommunication, "enable promiscuous mode")
	}

	linkType := packet.LinkEthernet
	if len(iface.HardwareAddr) == 0 {
		linkType = packet.LinkRawIPv4
	}

	return &Shell{
		conn:       conn,
		linkType:   linkType,
		normalizer: normalizer,
		agg:        agg,
		acct:       acct,
		metrics:    metrics,
		log:        log.WithComponent("pipeline"),
	}, nil
}

// Close releases the raw socket.
func (s *Shell) Close() error {
	return s.conn.Close()
}

// Run reads frames until ctx is cancelled or the socket errors,
// spawning a short-lived task per frame.
func (s *Shell) Run(ctx context.Context) error {
	buf := make([]byte, readBufferSize)

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		n, _, err := s.conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, errors.KindCommunication, "read from raw socket")
		}

		frame := make([]byte, n)
		copy(frame, buf[:n])

		go s.processFrame(ctx, frame)
	}
}

func (s *Shell) processFrame(ctx context.Context, frame []byte) {
	linkType := s.linkType
	// A MAC-less interface delivers bare IP packets; route on the
	// version nibble so v6 packets reach the right parser.
	if linkType == packet.LinkRawIPv4 && len(frame) > 0 && frame[0]>>4 == 6 {
		linkType = packet.LinkRawIPv6
	}

	info, err := packet.Parse(frame, linkType)
	if err != nil {
		reason, _ := errors.GetAttributes(err)["reason"].(string)
		if reason == "" {
			reason = "unknown"
		}
		s.countPacket(reason)
		if errors.GetKind(err) == errors.KindParse {
			s.log.Debug("dropping packet", "err", err)
		}
		return
	}
	s.countPacket("ok")

	byteCount := int64(info.IPPayloadLength)
	normalized := s.normalizer.Normalize(info.FiveTuple, byteCount)

	switch normalized.Kind {
	case flow.KindUserRemote:
		s.agg.Submit(ctx, aggregator.Report{
			UserIP: normalized.UserAddr.String(),
			Bundle: netres.Bundle{
				RANBytesUp:   normalized.BytesUp,
				RANBytesDown: normalized.BytesDn,
				WANBytesUp:   normalized.BytesUp,
				WANBytesDown: normalized.BytesDn,
			},
		})
		s.acct.Submit(ctx, accountant.Report{
			UserIP:      normalized.UserAddr.String(),
			AmountBytes: normalized.BytesUp + normalized.BytesDn,
		})

	case flow.KindUserUser:
		s.agg.Submit(ctx, aggregator.Report{
			UserIP: normalized.AAddr.String(),
			Bundle: netres.Bundle{RANBytesUp: normalized.BytesAToB, RANBytesDown: normalized.BytesBToA},
		})
		s.agg.Submit(ctx, aggregator.Report{
			UserIP: normalized.BAddr.String(),
			Bundle: netres.Bundle{RANBytesUp: normalized.BytesBToA, RANBytesDown: normalized.BytesAToB},
		})
		// UserUser flows are local and do not debit the upstream balance.

	case flow.KindOther:
		s.log.Debug("dropping unattributed flow", "bytes", normalized.Bytes)
	}
}

func (s *Shell) countPacket(outcome string) {
	if s.metrics == nil {
		return
	}
	s.metrics.PacketsParsed.WithLabelValues(outcome).Inc()
}
