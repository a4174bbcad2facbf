// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package packet

import (
	"fmt"
	"net"

	"github.com/miekg/dns"
)

// decodeDNSResponse parses payload as a DNS message, follows the CNAME
// chain from the first question, and collects A/AAAA records whose
// owner name matches the current canonical name. DNS parse errors are
// the caller's to swallow: the packet is still reported without DNS
// metadata.
func decodeDNSResponse(payload []byte) (*DNSResponse, error) {
	msg := new(dns.Msg)
	if err := msg.Unpack(payload); err != nil {
		return nil, fmt.Errorf("dns: unpack: %w", err)
	}

	if len(msg.Question) == 0 {
		return nil, fmt.Errorf("dns: no question section")
	}

	query := msg.Question[0].Name
	canonical := query
	var addresses []net.IP

	for _, rr := range msg.Answer {
		switch rec := rr.(type) {
		case *dns.CNAME:
			if rec.Hdr.Name == canonical {
				canonical = rec.Target
			}
		case *dns.A:
			if rec.Hdr.Name == canonical {
				addresses = append(addresses, rec.A)
			}
		case *dns.AAAA:
			if rec.Hdr.Name == canonical {
				addresses = append(addresses, rec.AAAA)
			}
		}
	}

	// fqdn is always the original query name, not the CNAME-chased
	// canonical name; the canonical name is only used to pick A/AAAA
	// answers above.
	return &DNSResponse{FQDN: query, Addresses: addresses}, nil
}
