package verify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/likexian/whois"
	whoisparser "github.com/likexian/whois-parser"
)

type whoisClient interface {
	Whois(domain string, servers ...string) (string, error)
}

func newWhoisClient(timeout time.Duration) whoisClient {
	return whois.NewClient().SetTimeout(timeout)
}

// expiryFields lists the raw WHOIS keys that carry an expiry, most specific first.
var expiryFields = []string{
	"registry expiry date",
	"registrar registration expiration date",
	"expiry date",
	"expiration date",
	"expires on",
	"expires",
}

var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05 MST",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"02-Jan-2006",
	"2006/01/02",
	"2006.01.02",
	"02.01.2006",
	"Mon Jan 2 15:04:05 MST 2006",
}

// VerifyDomain queries WHOIS for name. It never fabricates an expiry: a failed
// query or a record without an expiry is reported as an error.
func (v *Verifier) VerifyDomain(ctx context.Context, name string) (DomainInfo, error) {
	raw, err := v.query(ctx, name)
	if err != nil {
		return DomainInfo{}, err
	}

	info, err := parseWhois(raw)
	if err != nil {
		return DomainInfo{}, fmt.Errorf("%s: %w", name, err)
	}

	return info, nil
}

func (v *Verifier) query(ctx context.Context, name string) (string, error) {
	type result struct {
		raw string
		err error
	}

	done := make(chan result, 1)
	go func() {
		raw, err := v.whois.Whois(name)
		done <- result{raw, err}
	}()

	select {
	case <-ctx.Done():
		return "", classifyNetError(name, ctx.Err())
	case r := <-done:
		if r.err != nil {
			return "", classifyNetError(name, r.err)
		}
		return r.raw, nil
	}
}

func parseWhois(raw string) (DomainInfo, error) {
	info := DomainInfo{Registrar: UnknownRegistrar}

	parsed, err := whoisparser.Parse(raw)
	if err == nil {
		if parsed.Registrar != nil && parsed.Registrar.Name != "" {
			info.Registrar = parsed.Registrar.Name
		}
		if parsed.Domain != nil && parsed.Domain.ExpirationDate != "" {
			if t, ok := parseDate(parsed.Domain.ExpirationDate); ok {
				info.Expiry = t
				return info, nil
			}
		}
	}

	// The parser misses some registries; fall back to scanning the raw record.
	if info.Registrar == UnknownRegistrar {
		if r, ok := rawField(raw, "registrar"); ok {
			info.Registrar = r
		}
	}

	expiry, ok := extractExpiry(raw)
	if !ok {
		if err != nil {
			return DomainInfo{}, fmt.Errorf("%w: %w", ErrNoData, err)
		}
		return DomainInfo{}, ErrNoData
	}
	info.Expiry = expiry

	return info, nil
}

// extractExpiry returns the first parseable expiry field from a raw WHOIS
// record, honouring the priority order of expiryFields.
func extractExpiry(raw string) (time.Time, bool) {
	for _, field := range expiryFields {
		value, ok := rawField(raw, field)
		if !ok {
			continue
		}
		if t, ok := parseDate(value); ok {
			return t, true
		}
	}

	return time.Time{}, false
}

func rawField(raw, key string) (string, bool) {
	for _, line := range strings.Split(raw, "\n") {
		k, v, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		if strings.EqualFold(strings.TrimSpace(k), key) {
			v = strings.TrimSpace(v)
			if v != "" {
				return v, true
			}
		}
	}

	return "", false
}

func parseDate(value string) (time.Time, bool) {
	candidates := []string{value}
	if first, _, found := strings.Cut(value, " ("); found {
		candidates = append(candidates, first)
	}

	for _, c := range candidates {
		for _, layout := range dateLayouts {
			if t, err := time.Parse(layout, c); err == nil {
				return t.UTC(), true
			}
		}
	}

	return time.Time{}, false
}
