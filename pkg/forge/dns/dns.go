// Package dns checks the DNS records devices use to find the enrollment server.
package dns

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	// DefaultEndpoint is Cloudflare's DNS over HTTPS JSON API.
	DefaultEndpoint = "https://cloudflare-dns.com/dns-query"
	// DefaultEnrollmentTarget is the CNAME enterpriseenrollment.<domain> must point at.
	DefaultEnrollmentTarget = "mdm.mattrax.app."
)

// Resolver looks up CNAME records.
type Resolver interface {
	CNAME(ctx context.Context, name string) ([]string, error)
}

// Answer is one record of a DNS JSON response.
type Answer struct {
	Name string `json:"name"`
	Type int    `json:"type"`
	TTL  int    `json:"TTL"`
	Data string `json:"data"`
}

// DoHResolver queries a DNS over HTTPS endpoint that speaks application/dns-json.
type DoHResolver struct {
	Endpoint string
	Client   *http.Client
}

func NewDoHResolver() *DoHResolver {
	return &DoHResolver{
		Endpoint: DefaultEndpoint,
		Client:   &http.Client{Timeout: 5 * time.Second},
	}
}

func (r *DoHResolver) CNAME(ctx context.Context, name string) ([]string, error) {
	params := url.Values{"name": {name}, "type": {"CNAME"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.Endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/dns-json")

	resp, err := r.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("dns query %s: %w", name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("dns query %s: status %d", name, resp.StatusCode)
	}

	var body struct {
		Answer []Answer `json:"Answer"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode dns response: %w", err)
	}

	out := make([]string, 0, len(body.Answer))
	for _, a := range body.Answer {
		out = append(out, a.Data)
	}
	return out, nil
}

// EnrollmentChecker reports whether a domain has enterprise enrollment set up.
type EnrollmentChecker struct {
	Resolver Resolver
	Target   string
}

func NewEnrollmentChecker(r Resolver) *EnrollmentChecker {
	return &EnrollmentChecker{Resolver: r, Target: DefaultEnrollmentTarget}
}

// Available is true when enterpriseenrollment.<domain> is a CNAME of the
// enrollment server. Lookup failures count as unavailable.
func (c *EnrollmentChecker) Available(ctx context.Context, domain string) bool {
	records, err := c.Resolver.CNAME(ctx, "enterpriseenrollment."+strings.TrimSuffix(domain, "."))
	if err != nil {
		return false
	}
	for _, r := range records {
		if strings.EqualFold(r, c.Target) {
			return true
		}
	}
	return false
}
