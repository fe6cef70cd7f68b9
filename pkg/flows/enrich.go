package flows

import (
	"encoding/json"
	"fmt"
	"net/netip"

	"github.com/VictoriaMetrics/fastcache"

	"github.com/openshaper/shaperd/pkg/datapath"
)

// GeoSource answers ASN/country questions for remote addresses. The
// production source is loaded from a geo database by an external
// integration; the built-in source classifies only what can be known
// without one.
type GeoSource interface {
	LookupAsn(ip netip.Addr) (id uint32, name string, country string)
}

type builtinGeo struct{}

func (builtinGeo) LookupAsn(ip netip.Addr) (uint32, string, string) {
	addr := ip.Unmap()
	switch {
	case addr.IsPrivate(), addr.IsLoopback(), addr.IsLinkLocalUnicast():
		return 0, "Private", ""
	case addr.IsMulticast():
		return 0, "Multicast", ""
	default:
		return 0, "", ""
	}
}

// Resolver caches per-remote enrichment so each address is classified
// once no matter how many flows it appears in.
type Resolver struct {
	geo   GeoSource
	cache *fastcache.Cache
}

// NewResolver builds a resolver over the given source; nil selects the
// built-in classifier.
func NewResolver(geo GeoSource) *Resolver {
	if geo == nil {
		geo = builtinGeo{}
	}
	return &Resolver{geo: geo, cache: fastcache.New(32 << 20)}
}

type cachedEnrichment struct {
	AsnID   uint32 `json:"asn_id"`
	AsnName string `json:"asn_name"`
	Country string `json:"country"`
}

// Resolve fills in the enrichment for a newly observed flow.
func (r *Resolver) Resolve(key datapath.FlowKey) FlowEnrichment {
	enrichment := FlowEnrichment{
		ProtocolName: protocolName(key),
	}

	cacheKey := key.RemoteIP.As16()
	if blob := r.cache.Get(nil, cacheKey[:]); len(blob) > 0 {
		var cached cachedEnrichment
		if err := json.Unmarshal(blob, &cached); err == nil {
			enrichment.AsnID = cached.AsnID
			enrichment.AsnName = cached.AsnName
			enrichment.Country = cached.Country
			return enrichment
		}
	}

	id, name, country := r.geo.LookupAsn(key.RemoteIP)
	enrichment.AsnID = id
	enrichment.AsnName = name
	enrichment.Country = country
	if blob, err := json.Marshal(cachedEnrichment{AsnID: id, AsnName: name, Country: country}); err == nil {
		r.cache.Set(cacheKey[:], blob)
	}
	return enrichment
}

// wellKnownPorts maps the ports worth naming in flow listings.
var wellKnownPorts = map[uint16]string{
	20: "FTP-Data", 21: "FTP", 22: "SSH", 25: "SMTP", 53: "DNS",
	80: "HTTP", 110: "POP3", 123: "NTP", 143: "IMAP", 179: "BGP",
	443: "HTTPS", 853: "DoT", 993: "IMAPS", 995: "POP3S",
	1194: "OpenVPN", 3478: "STUN", 5060: "SIP", 8080: "HTTP-Alt",
	51820: "WireGuard",
}

func protocolName(key datapath.FlowKey) string {
	var proto string
	switch key.IpProtocol {
	case 6:
		proto = "TCP"
	case 17:
		proto = "UDP"
	case 1, 58:
		return "ICMP"
	default:
		return fmt.Sprintf("IP/%d", key.IpProtocol)
	}
	if name, ok := wellKnownPorts[key.DstPort]; ok {
		return name
	}
	if name, ok := wellKnownPorts[key.SrcPort]; ok {
		return name
	}
	return fmt.Sprintf("%s/%d", proto, key.DstPort)
}
