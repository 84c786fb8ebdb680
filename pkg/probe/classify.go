package probe

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"net"
	"net/url"
	"strings"

	"github.com/guardant/guardant/pkg/types"
)

// classify maps a transport error onto the fixed error taxonomy.
func classify(err error) types.ErrorClass {
	if err == nil {
		return ""
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return types.ErrClassTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return types.ErrClassTimeout
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return types.ErrClassDNS
	}

	var certErr *tls.CertificateVerificationError
	var unknownAuthErr x509.UnknownAuthorityError
	var hostErr x509.HostnameError
	var invalidErr x509.CertificateInvalidError
	var recordErr tls.RecordHeaderError
	if errors.As(err, &certErr) || errors.As(err, &unknownAuthErr) ||
		errors.As(err, &hostErr) || errors.As(err, &invalidErr) ||
		errors.As(err, &recordErr) {
		return types.ErrClassTLS
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return types.ErrClassConnect
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return classify(urlErr.Err)
	}

	// net/http wraps some TLS failures as plain strings.
	msg := err.Error()
	if strings.Contains(msg, "tls:") || strings.Contains(msg, "x509:") {
		return types.ErrClassTLS
	}
	if strings.Contains(msg, "connection refused") || strings.Contains(msg, "connection reset") {
		return types.ErrClassConnect
	}

	return types.ErrClassConnect
}

// downFrom builds a down outcome from a transport error.
func downFrom(err error) Outcome {
	return Outcome{
		Status:     types.StatusDown,
		Message:    truncate(err.Error(), 200),
		ErrorClass: classify(err),
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
