package auth

import (
	"strings"
)

// DomainAllowList is the set of organisational email domains allowed to sign
// in. Comparison is case-insensitive.
type DomainAllowList struct {
	domains []string
}

// ParseDomainAllowList splits a comma-separated list such as
// "example.com, Example.org ,," into its trimmed, lower-cased, non-empty
// entries.
func ParseDomainAllowList(csv string) DomainAllowList {
	var domains []string
	seen := make(map[string]bool)
	for _, d := range strings.Split(csv, ",") {
		d = strings.ToLower(strings.TrimSpace(d))
		if d == "" || seen[d] {
			continue
		}
		seen[d] = true
		domains = append(domains, d)
	}
	return DomainAllowList{domains: domains}
}

// Enabled reports whether any domain is configured.
func (l DomainAllowList) Enabled() bool {
	return len(l.domains) > 0
}

// Allows reports whether domain is on the list. An empty domain is never
// allowed, and an empty list allows nothing.
func (l DomainAllowList) Allows(domain string) bool {
	domain = strings.ToLower(strings.TrimSpace(domain))
	if domain == "" {
		return false
	}
	for _, d := range l.domains {
		if d == domain {
			return true
		}
	}
	return false
}

// AllowsEmail checks the part after the last "@".
func (l DomainAllowList) AllowsEmail(email string) bool {
	at := strings.LastIndex(email, "@")
	if at < 0 {
		return false
	}
	return l.Allows(email[at+1:])
}

// Domains returns a copy of the configured domains.
func (l DomainAllowList) Domains() []string {
	return append([]string(nil), l.domains...)
}

func (l DomainAllowList) String() string {
	return strings.Join(l.domains, ", ")
}
