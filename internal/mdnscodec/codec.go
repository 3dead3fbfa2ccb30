// Package mdnscodec builds and parses the mDNS wire messages this
// service exchanges, per spec.md §6: a PTR query for
// "_NAME._{udp|tcp}.local.", and a response carrying one SRV record
// plus one or more A/AAAA records for the responding peer.
//
// Encoding and parsing are collaborators to the scheduler core — bit-
// exact wire correctness is delegated entirely to miekg/dns.
package mdnscodec

import (
	"fmt"
	"net"

	"github.com/miekg/dns"

	"github.com/meshdisco/swarmdns/internal/domain"
)

// defaultTTL is the resource-record TTL advertised on the wire.
// mDNS conventionally uses a short TTL for host records (RFC 6762 §10).
const defaultTTL = 120

// Kind classifies a parsed inbound message.
type Kind int

const (
	// KindUnknown — message matched neither a query nor a response shape.
	KindUnknown Kind = iota
	KindQuery
	KindResponse
)

// Inbound is the result of parsing a received datagram.
type Inbound struct {
	Kind Kind

	// Populated for KindResponse.
	PeerID string
	Addrs  []net.IP
}

// EncodeQuery builds a PTR query datagram for the swarm's service.
func EncodeQuery(cfg domain.Config) ([]byte, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(cfg.PTRName(), dns.TypePTR)
	msg.Response = false
	return msg.Pack()
}

// EncodeResponse builds a response datagram advertising self: one SRV
// record plus one A or AAAA record per configured address.
func EncodeResponse(cfg domain.Config) ([]byte, error) {
	msg := new(dns.Msg)
	msg.Response = true
	msg.Authoritative = true

	srv := &dns.SRV{
		Hdr: dns.RR_Header{
			Name:   cfg.SRVName(),
			Rrtype: dns.TypeSRV,
			Class:  dns.ClassINET,
			Ttl:    defaultTTL,
		},
		Priority: 0,
		Weight:   0,
		Port:     0,
		Target:   cfg.HostName(),
	}
	msg.Answer = append(msg.Answer, srv)

	for _, addr := range cfg.Addrs {
		if v4 := addr.To4(); v4 != nil {
			msg.Answer = append(msg.Answer, &dns.A{
				Hdr: dns.RR_Header{
					Name:   cfg.HostName(),
					Rrtype: dns.TypeA,
					Class:  dns.ClassINET,
					Ttl:    defaultTTL,
				},
				A: v4,
			})
			continue
		}
		msg.Answer = append(msg.Answer, &dns.AAAA{
			Hdr: dns.RR_Header{
				Name:   cfg.HostName(),
				Rrtype: dns.TypeAAAA,
				Class:  dns.ClassINET,
				Ttl:    defaultTTL,
			},
			AAAA: addr,
		})
	}

	return msg.Pack()
}

// Parse decodes a received datagram into an Inbound classification.
// Malformed input returns an error; callers must drop such datagrams
// without touching any other state, per spec.md §7.
func Parse(data []byte) (Inbound, error) {
	msg := new(dns.Msg)
	if err := msg.Unpack(data); err != nil {
		return Inbound{}, fmt.Errorf("mdnscodec: unpack: %w", err)
	}

	if !msg.Response {
		if len(msg.Question) == 0 {
			return Inbound{}, fmt.Errorf("mdnscodec: query with no question")
		}
		for _, q := range msg.Question {
			if q.Qtype == dns.TypePTR {
				return Inbound{Kind: KindQuery}, nil
			}
		}
		return Inbound{Kind: KindUnknown}, nil
	}

	return parseResponse(msg)
}

func parseResponse(msg *dns.Msg) (Inbound, error) {
	var peerID string
	var addrs []net.IP

	for _, rr := range msg.Answer {
		switch rec := rr.(type) {
		case *dns.SRV:
			id, err := peerIDFromSRVName(rec.Hdr.Name)
			if err != nil {
				return Inbound{}, err
			}
			peerID = id
		case *dns.A:
			addrs = append(addrs, rec.A)
		case *dns.AAAA:
			addrs = append(addrs, rec.AAAA)
		}
	}

	if peerID == "" {
		return Inbound{}, fmt.Errorf("mdnscodec: response missing SRV record")
	}
	if len(addrs) == 0 {
		return Inbound{}, fmt.Errorf("mdnscodec: response missing A/AAAA records")
	}

	return Inbound{Kind: KindResponse, PeerID: peerID, Addrs: addrs}, nil
}

// peerIDFromSRVName extracts PEER_ID from "PEER_ID._NAME._udp.local.".
func peerIDFromSRVName(name string) (string, error) {
	for i := 0; i < len(name); i++ {
		if name[i] == '.' {
			if i == 0 {
				return "", fmt.Errorf("mdnscodec: empty peer id in SRV name %q", name)
			}
			return name[:i], nil
		}
	}
	return "", fmt.Errorf("mdnscodec: malformed SRV name %q", name)
}
