// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package pipeline

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/stretchr/testify/require"

	"grimm.is/cellmeter/internal/accountant"
	"grimm.is/cellmeter/internal/aggregator"
	"grimm.is/cellmeter/internal/flow"
	"grimm.is/cellmeter/internal/logging"
	"grimm.is/cellmeter/internal/netres"
	"grimm.is/cellmeter/internal/packet"
	"grimm.is/cellmeter/internal/store"
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

type fakeReporter struct {
	mu   sync.Mutex
	seen map[string][]netres.UseRecord
}

func newFakeReporter() *fakeReporter {
	return &fakeReporter{seen: make(map[string][]netres.UseRecord)}
}

func (f *fakeReporter) Initialize(context.Context, string) error { return nil }

func (f *fakeReporter) Report(_ context.Context, ip string, record netres.UseRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen[ip] = append(f.seen[ip], record)
	return nil
}

func (f *fakeReporter) recordsFor(ip string) []netres.UseRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]netres.UseRecord(nil), f.seen[ip]...)
}

type fakeBalanceStore struct {
	mu    sync.Mutex
	calls []int64
}

func (f *fakeBalanceStore) ResolveSubscriberByIP(context.Context, string) (store.Subscriber, error) {
	return store.Subscriber{InternalUID: 1, DataBalance: 1 << 30}, nil
}

func (f *fakeBalanceStore) DebitBalance(_ context.Context, _ int64, amount int64, _ bool) (store.DebitResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, amount)
	return store.DebitResult{NewBalance: 1 << 30}, nil
}

func (f *fakeBalanceStore) amountsDebited() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.calls...)
}

type fakeNotifier struct{}

func (fakeNotifier) SetNoBalance(context.Context, int64) error { return nil }

// newTestShell builds a Shell around a fake Reporter/BalanceStore, bypassing
// Bind (which needs a real network interface) so processFrame can be
// exercised directly against synthetic frames.
func newTestShell(t *testing.T, subnetCIDR string) (*Shell, *fakeReporter, *fakeBalanceStore) {
	t.Helper()

	normalizer, err := flow.New(subnetCIDR, nil)
	require.NoError(t, err)

	log := logging.New(logging.DefaultConfig())

	rep := newFakeReporter()
	agg := aggregator.New(rep, 20*time.Millisecond, log)

	bal := &fakeBalanceStore{}
	acct := accountant.New(bal, fakeNotifier{}, 20*time.Millisecond, nil, log)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go agg.Run(ctx)
	go acct.Run(ctx)

	return &Shell{
		linkType:   packet.LinkEthernet,
		normalizer: normalizer,
		agg:        agg,
		acct:       acct,
		metrics:    nil,
		log:        log.WithComponent("pipeline"),
	}, rep, bal
}

func TestProcessFrameUserRemoteSetsRANAndWAN(t *testing.T) {
	shell, rep, bal := newTestShell(t, "10.0.0.0/24")

	payload := []byte("hello, world")
	frame := buildUDPEthernetFrame(t, net.IPv4(10, 0, 0, 5), net.IPv4(93, 184, 216, 34), 1000, 53000, payload)
	expectedBytes := int64(len(payload) + 8) // UDP header + payload

	shell.processFrame(context.Background(), frame)

	require.Eventually(t, func() bool {
		return len(rep.recordsFor("10.0.0.5")) >= 1
	}, time.Second, 5*time.Millisecond)

	record := rep.recordsFor("10.0.0.5")[0]
	require.Equal(t, expectedBytes, record.Usage.RANBytesUp)
	require.EqualValues(t, 0, record.Usage.RANBytesDown)
	require.Equal(t, expectedBytes, record.Usage.WANBytesUp)
	require.EqualValues(t, 0, record.Usage.WANBytesDown)

	require.Eventually(t, func() bool {
		return len(bal.amountsDebited()) >= 1
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, expectedBytes, bal.amountsDebited()[0])
}

func TestProcessFrameUserUserSetsRANOnlyBothEndpoints(t *testing.T) {
	shell, rep, bal := newTestShell(t, "10.0.0.0/24")

	payload := []byte("ran traffic only")
	frame := buildUDPEthernetFrame(t, net.IPv4(10, 0, 0, 5), net.IPv4(10, 0, 0, 3), 1000, 2000, payload)
	expectedBytes := int64(len(payload) + 8)

	shell.processFrame(context.Background(), frame)

	require.Eventually(t, func() bool {
		return len(rep.recordsFor("10.0.0.5")) >= 1 && len(rep.recordsFor("10.0.0.3")) >= 1
	}, time.Second, 5*time.Millisecond)

	srcRecord := rep.recordsFor("10.0.0.5")[0]
	dstRecord := rep.recordsFor("10.0.0.3")[0]

	require.Equal(t, expectedBytes, srcRecord.Usage.RANBytesUp)
	require.EqualValues(t, 0, srcRecord.Usage.RANBytesDown)
	require.EqualValues(t, 0, srcRecord.Usage.WANBytesUp)
	require.EqualValues(t, 0, srcRecord.Usage.WANBytesDown)

	require.EqualValues(t, 0, dstRecord.Usage.RANBytesUp)
	require.Equal(t, expectedBytes, dstRecord.Usage.RANBytesDown)

	time.Sleep(30 * time.Millisecond)
	require.Empty(t, bal.amountsDebited(), "user<->user traffic must not debit the accountant")
}

// TestProcessFrameRawIPv6Nibble checks that a MAC-less interface's raw
// packets are routed on the IP version nibble: a v6 packet arriving on
// a link bound as raw IPv4 still parses and attributes.
func TestProcessFrameRawIPv6Nibble(t *testing.T) {
	shell, rep, _ := newTestShell(t, "fd00::/8")
	shell.linkType = packet.LinkRawIPv4

	ip6 := &layers.IPv6{
		Version:    6,
		NextHeader: layers.IPProtocolUDP,
		HopLimit:   64,
		SrcIP:      net.ParseIP("fd00::5"),
		DstIP:      net.ParseIP("2001:db8::1"),
	}
	udp := &layers.UDP{SrcPort: 1000, DstPort: 2000}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip6))

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, ip6, udp, gopacket.Payload([]byte("v6 payload"))))

	shell.processFrame(context.Background(), buf.Bytes())

	require.Eventually(t, func() bool {
		return len(rep.recordsFor("fd00::5")) >= 1
	}, time.Second, 5*time.Millisecond)
}

func TestProcessFrameOtherIsDroppedWithoutSubmission(t *testing.T) {
	shell, rep, bal := newTestShell(t, "10.0.0.0/24")

	payload := []byte("neither endpoint is a subscriber")
	frame := buildUDPEthernetFrame(t, net.IPv4(8, 8, 8, 8), net.IPv4(1, 1, 1, 1), 53, 5353, payload)

	shell.processFrame(context.Background(), frame)

	time.Sleep(30 * time.Millisecond)
	require.Empty(t, bal.amountsDebited())
	require.Empty(t, rep.recordsFor("8.8.8.8"))
	require.Empty(t, rep.recordsFor("1.1.1.1"))
}
