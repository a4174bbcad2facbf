// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build linux

package enforcer

import (
	"fmt"
	"net"
	"os/exec"
	"strings"

	"github.com/vishvananda/netlink"

	"grimm.is/cellmeter/internal/errors"
)

const rootHandleMajor = 1

// linkShaper owns the HTB qdisc/class tree on one interface. Per-subscriber
// classes hang off the root class, each with an fq_codel leaf qdisc for
// per-flow fairness under contention.
type linkShaper struct {
	linkName string

	// Installed u32 filters, keyed by "ip/dst" or "ip/src". The enforcer
	// dispatcher is the only task mutating kernel state, and EnsureRoot
	// clears all filters with the root qdisc, so in-process tracking is
	// authoritative for the life of the process.
	filters map[string]struct{}
}

func (s *linkShaper) link() (netlink.Link, error) {
	link, err := netlink.LinkByName(s.linkName)
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindKernelEffect, "lookup link %s", s.linkName)
	}
	return link, nil
}

func htbHandle(major, minor uint16) uint32 {
	return netlink.MakeHandle(major, minor)
}

// EnsureRoot clears any pre-existing root qdisc other than the kernel's
// default (handle 0) on the interface and installs a fresh root HTB qdisc plus its root class and a catch-all
// fallback class/qdisc for unmatched traffic.
func (s *linkShaper) EnsureRoot(rateMbps int) error {
	link, err := s.link()
	if err != nil {
		return err
	}

	// Query the current qdisc list first: an interface carrying only the
	// kernel's default attach needs no teardown, anything else is cleared
	// before the HTB tree goes in. The textual dump is the one place
	// every qdisc kind shows up, including ones left by other tooling;
	// if tc itself is unavailable the netlink list still drives teardown.
	clearNeeded := true
	if dump, err := listQdiscDump(s.linkName); err == nil {
		clearNeeded = false
		for _, q := range dump {
			if q.Root && q.Handle != "0:" {
				clearNeeded = true
			}
		}
	}

	if clearNeeded {
		existing, err := netlink.QdiscList(link)
		if err != nil {
			return errors.Wrap(err, errors.KindKernelEffect, "list qdiscs")
		}
		for _, q := range existing {
			if q.Attrs().Parent == netlink.HANDLE_ROOT && q.Attrs().Handle != 0 {
				if err := netlink.QdiscDel(q); err != nil {
					return errors.Wrap(err, errors.KindKernelEffect, "clear existing root qdisc")
				}
			}
		}
	}
	s.filters = make(map[string]struct{})

	rootQdisc := netlink.NewHtb(netlink.QdiscAttrs{
		LinkIndex: link.Attrs().Index,
		Handle:    htbHandle(rootHandleMajor, 0),
		Parent:    netlink.HANDLE_ROOT,
	})
	if err := netlink.QdiscAdd(rootQdisc); err != nil {
		return errors.Wrap(err, errors.KindKernelEffect, "add root htb qdisc")
	}

	rate := parseRate(rateMbps)
	rootClass := netlink.NewHtbClass(netlink.ClassAttrs{
		LinkIndex: link.Attrs().Index,
		Parent:    htbHandle(rootHandleMajor, 0),
		Handle:    htbHandle(rootHandleMajor, 1),
	}, netlink.HtbClassAttrs{Rate: rate, Ceil: rate})
	if err := netlink.ClassAdd(rootClass); err != nil {
		return errors.Wrap(err, errors.KindKernelEffect, "add root htb class")
	}

	fallbackClass := netlink.NewHtbClass(netlink.ClassAttrs{
		LinkIndex: link.Attrs().Index,
		Parent:    htbHandle(rootHandleMajor, 1),
		Handle:    htbHandle(rootHandleMajor, 0xffe),
	}, netlink.HtbClassAttrs{Rate: rate, Ceil: rate})
	if err := netlink.ClassAdd(fallbackClass); err != nil {
		return errors.Wrap(err, errors.KindKernelEffect, "add fallback htb class")
	}

	return s.attachLeaf(link, htbHandle(rootHandleMajor, 0xffe))
}

// EnsureSubscriberClass creates (idempotently) the per-subscriber HTB
// class for handleMinor and attaches an fq_codel leaf qdisc.
func (s *linkShaper) EnsureSubscriberClass(handleMinor uint16, rateKibps uint32) error {
	link, err := s.link()
	if err != nil {
		return err
	}

	rate := uint64(rateKibps) * 1000 / 8
	ceil := rate
	if rate == 0 {
		// Unlimited: minimal guaranteed rate, ceiling at line rate
		rate = 1000 / 8
		ceil = parseRate(1000)
	}

	class := netlink.NewHtbClass(netlink.ClassAttrs{
		LinkIndex: link.Attrs().Index,
		Parent:    htbHandle(rootHandleMajor, 1),
		Handle:    htbHandle(rootHandleMajor, handleMinor),
	}, netlink.HtbClassAttrs{Rate: rate, Ceil: ceil})
	// Replace, not Add: a policy change re-applies rate/ceil to a class
	// that may already exist, and must not fail with EEXIST.
	if err := netlink.ClassReplace(class); err != nil {
		return errors.Wrapf(err, errors.KindKernelEffect, "replace subscriber class %s", hex3(handleMinor))
	}

	return s.attachLeaf(link, htbHandle(rootHandleMajor, handleMinor))
}

// EnsureSubscriberFilter attaches the u32 filter directing the
// subscriber's traffic to its class: a destination match on the
// subscriber-facing interface, a source match on the upstream one.
// Repeated calls for the same IP and direction are no-ops.
//
// The filter goes in via the tc binary rather than netlink.FilterAdd:
// the library's u32 support requires hand-assembled selector keys whose
// encoding has the same reliability problems its fw filter type does,
// and tc's own selector compiler is the reference for both.
func (s *linkShaper) EnsureSubscriberFilter(handleMinor uint16, ip string, matchSource bool) error {
	dir := "dst"
	if matchSource {
		dir = "src"
	}
	key := ip + "/" + dir
	if _, ok := s.filters[key]; ok {
		return nil
	}

	proto, sel, prio := "ip", "ip", "1"
	if parsed := net.ParseIP(ip); parsed != nil && parsed.To4() == nil {
		proto, sel, prio = "ipv6", "ip6", "2"
	}

	cmd := exec.Command("tc", "filter", "add", "dev", s.linkName,
		"parent", fmt.Sprintf("%d:0", rootHandleMajor),
		"protocol", proto,
		"prio", prio,
		"u32", "match", sel, dir, ip,
		"classid", fmt.Sprintf("%d:%s", rootHandleMajor, hex3(handleMinor)))

	if out, err := cmd.CombinedOutput(); err != nil {
		return errors.Wrapf(err, errors.KindKernelEffect,
			"add %s filter for %s: %s", dir, ip, strings.TrimSpace(string(out)))
	}

	s.filters[key] = struct{}{}
	return nil
}

func (s *linkShaper) attachLeaf(link netlink.Link, parent uint32) error {
	leaf := netlink.NewFqCodel(netlink.QdiscAttrs{
		LinkIndex: link.Attrs().Index,
		Parent:    parent,
	})
	if err := netlink.QdiscReplace(leaf); err != nil {
		return errors.Wrap(err, errors.KindKernelEffect, "replace fq_codel leaf qdisc")
	}
	return nil
}

// ApplyUnlimited sets the subscriber class to a very high ceiling with a
// minimal guaranteed rate, effectively removing any shaping.
func (s *linkShaper) ApplyUnlimited(handleMinor uint16) error {
	return s.EnsureSubscriberClass(handleMinor, 0)
}

// ApplyTokenBucket sets the subscriber class's rate and ceiling to
// rateKibps.
func (s *linkShaper) ApplyTokenBucket(handleMinor uint16, rateKibps uint32) error {
	if rateKibps == 0 {
		return fmt.Errorf("enforcer: token bucket rate must be nonzero")
	}
	return s.EnsureSubscriberClass(handleMinor, rateKibps)
}

// parseRate converts a rate expressed in mbps to bytes/sec.
func parseRate(mbps int) uint64 {
	return uint64(mbps) * 125000
}

// Shaper owns the two link-local HTB trees the four directional
// sub-policies apply to: Local on the subscriber-facing interface, and
// Backhaul on the upstream interface. When no upstream interface is
// configured, backhaul shaping falls back onto the subscriber-facing
// interface's tree so a single-NIC deployment still enforces backhaul
// policy.
type Shaper struct {
	local    *linkShaper
	backhaul *linkShaper
	separate bool
}

// NewShaper builds a Shaper bound to the subscriber-facing interface
// localIface and, when non-empty, the upstream interface
// backhaulIface. It does not touch the kernel until EnsureRoot is
// called.
func NewShaper(localIface, backhaulIface string) *Shaper {
	local := &linkShaper{linkName: localIface, filters: make(map[string]struct{})}
	if backhaulIface == "" {
		return &Shaper{local: local, backhaul: local}
	}
	backhaul := &linkShaper{linkName: backhaulIface, filters: make(map[string]struct{})}
	return &Shaper{local: local, backhaul: backhaul, separate: true}
}

// EnsureRoot installs the root HTB tree on the local interface and, if
// a distinct upstream interface is configured, on that one too.
func (s *Shaper) EnsureRoot(rateMbps int) error {
	if err := s.local.EnsureRoot(rateMbps); err != nil {
		return err
	}
	if s.separate {
		return s.backhaul.EnsureRoot(rateMbps)
	}
	return nil
}

// EnsureSubscriberClass creates the per-subscriber class on both trees.
func (s *Shaper) EnsureSubscriberClass(handleMinor uint16, rateKibps uint32) error {
	if err := s.local.EnsureSubscriberClass(handleMinor, rateKibps); err != nil {
		return err
	}
	if s.separate {
		return s.backhaul.EnsureSubscriberClass(handleMinor, rateKibps)
	}
	return nil
}

// EnsureSubscriberFilter directs the subscriber's traffic into its class
// on both trees: matching the destination address toward the subscriber,
// and the source address on the upstream side.
func (s *Shaper) EnsureSubscriberFilter(handleMinor uint16, ip string) error {
	if err := s.local.EnsureSubscriberFilter(handleMinor, ip, false); err != nil {
		return err
	}
	return s.backhaul.EnsureSubscriberFilter(handleMinor, ip, true)
}

// Local returns the subscriber-facing interface's tree. enforcer.go's
// applyDirectional dispatches a directional sub-policy's kind to
// ApplyUnlimited/ApplyTokenBucket on whichever tree it selects.
func (s *Shaper) Local() *linkShaper { return s.local }

// Backhaul returns the upstream interface's tree, or the
// subscriber-facing tree if no upstream interface is configured.
func (s *Shaper) Backhaul() *linkShaper { return s.backhaul }
