// Package wire builds DNS wire-format requests from input-file text records,
// on top of github.com/miekg/dns — the same library the teacher uses
// throughout internal/dnsserver for message construction and parsing.
package wire

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/miekg/dns"
)

// ErrMalformedInput is returned by [Context.BuildRequest] when record cannot
// be parsed into a query or update. The caller (package sender) discards the
// reserved slot and moves on to the next record.
const ErrMalformedInput errors.Error = "malformed input record"

// maxEDNSPacket bounds generated messages, matching the staging buffer size
// used throughout package sockslot.
const maxEDNSPacket = dns.MaxMsgSize

// TSIGKey is a parsed "[alg:]name:secret" TSIG key specification.
type TSIGKey struct {
	Name      string
	Secret    string
	Algorithm string
}

// ParseTSIGKey parses spec, which has the form "[alg:]name:secret". When
// alg is omitted it defaults to HMAC-SHA256, following miekg/dns's own
// default (dns.HmacSHA256) for modern TSIG deployments.
func ParseTSIGKey(spec string) (key TSIGKey, err error) {
	parts := strings.Split(spec, ":")

	switch len(parts) {
	case 2:
		return TSIGKey{Name: dns.Fqdn(parts[0]), Secret: parts[1], Algorithm: dns.HmacSHA256}, nil
	case 3:
		alg, ok := tsigAlgorithms[strings.ToLower(parts[0])]
		if !ok {
			return TSIGKey{}, fmt.Errorf("tsig key %q: %w", spec, ErrMalformedInput)
		}

		return TSIGKey{Name: dns.Fqdn(parts[1]), Secret: parts[2], Algorithm: alg}, nil
	default:
		return TSIGKey{}, fmt.Errorf("tsig key %q: %w", spec, ErrMalformedInput)
	}
}

var tsigAlgorithms = map[string]string{
	"hmac-md5":    dns.HmacMD5,
	"hmac-sha1":   dns.HmacSHA1,
	"hmac-sha224": dns.HmacSHA224,
	"hmac-sha256": dns.HmacSHA256,
	"hmac-sha384": dns.HmacSHA384,
	"hmac-sha512": dns.HmacSHA512,
}

// Context builds requests of one kind — plain queries, or dynamic updates
// when isUpdate is set — for the lifetime of a run. It carries no resources
// that need releasing; [Context.Close] exists for symmetry with the
// create_ctx/destroy_ctx pair spec.md names, and as a seam for an
// implementation that later wants to attach e.g. a name-compression
// dictionary.
type Context struct {
	isUpdate bool
}

// NewContext returns a [Context] that builds plain queries, or dynamic
// updates when isUpdate is true.
func NewContext(isUpdate bool) (ctx *Context) {
	return &Context{isUpdate: isUpdate}
}

// Close is a no-op, see the [Context] doc comment.
func (ctx *Context) Close() (err error) { return nil }

// BuildRequest parses record as input-file text and packs either a DNS
// query ("name type", e.g. "example.com A") or, when ctx was created with
// isUpdate, a dynamic update ("name ttl class type rdata") into out. The DNS
// transaction ID is forced to id regardless of what dns.Msg.SetQuestion
// would otherwise randomize, since id is the query's slot index.
func (ctx *Context) BuildRequest(
	record string,
	id uint16,
	edns, dnssec bool,
	tsig *TSIGKey,
) (out []byte, err error) {
	var msg *dns.Msg
	if ctx.isUpdate {
		msg, err = buildUpdate(record)
	} else {
		msg, err = buildQuery(record)
	}

	if err != nil {
		return nil, err
	}

	msg.Id = id

	if edns || dnssec {
		msg.SetEdns0(uint16(maxEDNSPacket), dnssec)
	}

	if tsig != nil {
		msg.SetTsig(tsig.Name, tsig.Algorithm, 300, time.Now().Unix())

		out, _, err = dns.TsigGenerate(msg, tsig.Secret, "", false)
		if err != nil {
			return nil, fmt.Errorf("signing %q: %w: %w", record, ErrMalformedInput, err)
		}

		return out, nil
	}

	out, err = msg.Pack()
	if err != nil {
		return nil, fmt.Errorf("packing %q: %w: %w", record, ErrMalformedInput, err)
	}

	return out, nil
}

// buildQuery parses "name type" (e.g. "www.example.com AAAA") into a
// question message with a random ID (overwritten by the caller).
func buildQuery(record string) (msg *dns.Msg, err error) {
	fields := strings.Fields(record)
	if len(fields) != 2 {
		return nil, fmt.Errorf("query record %q: %w", record, ErrMalformedInput)
	}

	qtype, ok := dns.StringToType[strings.ToUpper(fields[1])]
	if !ok {
		return nil, fmt.Errorf("query record %q: unknown type: %w", record, ErrMalformedInput)
	}

	msg = new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(fields[0]), qtype)
	msg.RecursionDesired = true

	return msg, nil
}

// buildUpdate parses "name ttl class type rdata" into a dynamic-update
// message targeting the zone derived from name, following dnsperf's
// build_update() (see SPEC_FULL.md §9).
func buildUpdate(record string) (msg *dns.Msg, err error) {
	fields := strings.SplitN(record, " ", 5)
	if len(fields) != 5 {
		return nil, fmt.Errorf("update record %q: %w", record, ErrMalformedInput)
	}

	name, ttlField, class, rrtype, rdata := fields[0], fields[1], fields[2], fields[3], fields[4]

	ttl, err := strconv.ParseUint(ttlField, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("update record %q: bad ttl: %w", record, ErrMalformedInput)
	}

	rr, err := dns.NewRR(fmt.Sprintf("%s %d %s %s %s", dns.Fqdn(name), ttl, class, rrtype, rdata))
	if err != nil {
		return nil, fmt.Errorf("update record %q: %w: %w", record, ErrMalformedInput, err)
	}

	zone, err := zoneOf(name)
	if err != nil {
		return nil, fmt.Errorf("update record %q: %w", record, ErrMalformedInput)
	}

	msg = new(dns.Msg)
	msg.SetUpdate(zone)
	msg.Insert([]dns.RR{rr})

	return msg, nil
}

// zoneOf derives an update's zone as the name's immediate parent, the same
// heuristic dnsperf's build_update applies to input records that name a
// single owner rather than a zone.
func zoneOf(name string) (zone string, err error) {
	fqdn := dns.Fqdn(name)

	labels := dns.SplitDomainName(fqdn)
	if len(labels) < 2 {
		return fqdn, nil
	}

	return dns.Fqdn(strings.Join(labels[1:], ".")), nil
}

// RcodeStrings returns the 16 RCODE names the low 4 bits of a response's
// second wire word can hold, backed by dns.RcodeToString.
func RcodeStrings() (names [16]string) {
	for i := range names {
		if s, ok := dns.RcodeToString[i]; ok {
			names[i] = s
		} else {
			names[i] = fmt.Sprintf("RESERVED%d", i)
		}
	}

	return names
}
