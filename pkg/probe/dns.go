package probe

import (
	"context"
	"fmt"
	"net"
	"strings"

	"github.com/miekg/dns"

	"github.com/guardant/guardant/pkg/types"
)

// defaultResolver is used when the system resolver configuration cannot be
// read and no resolver is configured on the service.
const defaultResolver = "8.8.8.8:53"

// DNSProber resolves a hostname for a configured record type. Any returned
// record is up; NXDOMAIN, SERVFAIL and timeouts are down. When
// typeConfig.expectedValue is set, at least one record must match it.
type DNSProber struct {
	client   *dns.Client
	resolver string
}

// NewDNSProber creates a DNS prober using the system resolver.
func NewDNSProber() *DNSProber {
	resolver := defaultResolver
	if conf, err := dns.ClientConfigFromFile("/etc/resolv.conf"); err == nil && len(conf.Servers) > 0 {
		resolver = net.JoinHostPort(conf.Servers[0], conf.Port)
	}
	return &DNSProber{
		client:   new(dns.Client),
		resolver: resolver,
	}
}

func (d *DNSProber) Type() types.ServiceType {
	return types.ServiceTypeDNS
}

var recordTypes = map[string]uint16{
	"A":    dns.TypeA,
	"AAAA": dns.TypeAAAA,
	"MX":   dns.TypeMX,
	"TXT":  dns.TypeTXT,
}

func (d *DNSProber) Probe(ctx context.Context, cmd *types.ProbeCommand) Outcome {
	recordName := strings.ToUpper(cfgString(cmd.Service.TypeConfig, "recordType", "A"))
	qtype, ok := recordTypes[recordName]
	if !ok {
		return Outcome{
			Status:     types.StatusDown,
			Message:    fmt.Sprintf("unsupported record type %q", recordName),
			ErrorClass: types.ErrClassValidation,
		}
	}

	resolver := cfgString(cmd.Service.TypeConfig, "resolver", d.resolver)

	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(cmd.Service.Target), qtype)
	msg.RecursionDesired = true

	resp, rtt, err := d.client.ExchangeContext(ctx, msg, resolver)
	if err != nil {
		out := downFrom(err)
		if out.ErrorClass == types.ErrClassConnect {
			out.ErrorClass = types.ErrClassDNS
		}
		return out
	}

	switch resp.Rcode {
	case dns.RcodeSuccess:
	case dns.RcodeNameError:
		return Outcome{
			Status:     types.StatusDown,
			Message:    "NXDOMAIN",
			ErrorClass: types.ErrClassDNS,
		}
	default:
		return Outcome{
			Status:     types.StatusDown,
			Message:    fmt.Sprintf("resolver returned %s", dns.RcodeToString[resp.Rcode]),
			ErrorClass: types.ErrClassDNS,
		}
	}

	values := recordValues(resp.Answer, qtype)
	if len(values) == 0 {
		return Outcome{
			Status:     types.StatusDown,
			Message:    fmt.Sprintf("no %s records returned", recordName),
			ErrorClass: types.ErrClassDNS,
		}
	}

	details := map[string]any{
		"records": values,
		"rttMs":   rtt.Milliseconds(),
	}

	if expected := cfgString(cmd.Service.TypeConfig, "expectedValue", ""); expected != "" {
		for _, v := range values {
			if v == expected {
				return Outcome{Status: types.StatusUp, Details: details}
			}
		}
		return Outcome{
			Status:     types.StatusDown,
			Message:    fmt.Sprintf("no %s record matches %q", recordName, expected),
			ErrorClass: types.ErrClassValidation,
			Details:    details,
		}
	}

	return Outcome{Status: types.StatusUp, Details: details}
}

func recordValues(answers []dns.RR, qtype uint16) []string {
	var values []string
	for _, rr := range answers {
		switch record := rr.(type) {
		case *dns.A:
			if qtype == dns.TypeA {
				values = append(values, record.A.String())
			}
		case *dns.AAAA:
			if qtype == dns.TypeAAAA {
				values = append(values, record.AAAA.String())
			}
		case *dns.MX:
			if qtype == dns.TypeMX {
				values = append(values, strings.TrimSuffix(record.Mx, "."))
			}
		case *dns.TXT:
			if qtype == dns.TypeTXT {
				values = append(values, strings.Join(record.Txt, ""))
			}
		}
	}
	return values
}
