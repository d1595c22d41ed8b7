// Package verify looks up live expiry metadata for domains (WHOIS) and TLS
// endpoints (handshake). It holds no state beyond its configuration.
package verify

import (
	"errors"
	"time"

	"github.com/sirupsen/logrus"
)

var (
	// ErrNoData means the lookup succeeded but carried no usable expiry.
	ErrNoData = errors.New("no expiry data")

	// ErrTimeout means the remote side did not answer in time. Usually transient.
	ErrTimeout = errors.New("verification timed out")

	// ErrUnreachable means the target could not be resolved or connected to.
	ErrUnreachable = errors.New("host unreachable")
)

const (
	DefaultTLSTimeout   = 5 * time.Second
	DefaultWhoisTimeout = 10 * time.Second
	DefaultDNSTimeout   = 3 * time.Second

	// UnknownRegistrar is reported when a WHOIS record has an expiry but no
	// registrar line.
	UnknownRegistrar = "Unknown"
)

type CertificateType string

const (
	Standard CertificateType = "Standard"
	Wildcard CertificateType = "Wildcard"
)

type DomainInfo struct {
	Registrar string
	Expiry    time.Time
}

type CertificateInfo struct {
	Issuer    string
	ManagedBy string
	Expiry    time.Time
	Type      CertificateType
}

type Config struct {
	TLSTimeout   time.Duration
	WhoisTimeout time.Duration
	DNSTimeout   time.Duration

	// Nameserver is an optional "host:port" used for A lookups instead of the
	// system resolver.
	Nameserver string

	Logger *logrus.Entry
}

// Verifier bundles the WHOIS, TLS and DNS lookups.
type Verifier struct {
	tlsTimeout time.Duration
	whois      whoisClient
	resolver   *Resolver
	logger     *logrus.Entry
}

func New(cfg Config) *Verifier {
	if cfg.TLSTimeout <= 0 {
		cfg.TLSTimeout = DefaultTLSTimeout
	}
	if cfg.WhoisTimeout <= 0 {
		cfg.WhoisTimeout = DefaultWhoisTimeout
	}
	if cfg.DNSTimeout <= 0 {
		cfg.DNSTimeout = DefaultDNSTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.NewEntry(logrus.StandardLogger())
	}

	return &Verifier{
		tlsTimeout: cfg.TLSTimeout,
		whois:      newWhoisClient(cfg.WhoisTimeout),
		resolver:   NewResolver(cfg.Nameserver, cfg.DNSTimeout),
		logger:     cfg.Logger.WithField("component", "verifier"),
	}
}
