package verify

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"
)

// VerifyCertificate dials host:443 (or host when it already carries a port)
// and reads the leaf certificate. Chain validation is skipped since only the
// metadata is of interest.
func (v *Verifier) VerifyCertificate(ctx context.Context, host string) (CertificateInfo, error) {
	addr, serverName := dialTarget(host)

	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{Timeout: v.tlsTimeout},
		Config: &tls.Config{
			ServerName:         serverName,
			InsecureSkipVerify: true,
		},
	}

	ctx, cancel := context.WithTimeout(ctx, v.tlsTimeout)
	defer cancel()

	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return CertificateInfo{}, classifyNetError(host, err)
	}
	defer conn.Close()

	peerCertificates := conn.(*tls.Conn).ConnectionState().PeerCertificates
	if len(peerCertificates) == 0 {
		return CertificateInfo{}, fmt.Errorf("%w: %s presented no certificate", ErrNoData, host)
	}

	leaf := peerCertificates[0]

	v.logger.Debugf("Host %s, notAfter %s, issuer %s, subject %s", host, leaf.NotAfter, leaf.Issuer, leaf.Subject)

	info := CertificateInfo{
		Expiry:    leaf.NotAfter,
		Issuer:    "Unknown Issuer",
		ManagedBy: "Direct",
		Type:      Standard,
	}

	if len(leaf.Issuer.Organization) > 0 && leaf.Issuer.Organization[0] != "" {
		info.Issuer = leaf.Issuer.Organization[0]
	} else if leaf.Issuer.CommonName != "" {
		info.Issuer = leaf.Issuer.CommonName
	}

	if leaf.Issuer.CommonName != "" {
		info.ManagedBy = leaf.Issuer.CommonName
	}

	if strings.HasPrefix(leaf.Subject.CommonName, "*") {
		info.Type = Wildcard
	}

	return info, nil
}

func dialTarget(host string) (addr, serverName string) {
	if h, _, err := net.SplitHostPort(host); err == nil {
		return host, h
	}

	return net.JoinHostPort(host, "443"), host
}

func classifyNetError(target string, err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%w: %s: %w", ErrTimeout, target, err)
	}

	return fmt.Errorf("%w: %s: %w", ErrUnreachable, target, err)
}
