package providers

import "strings"

// Provider describes one supported VPS host: where its status page lives, the
// headers a scrape must carry and where the user goes to renew a lease.
type Provider struct {
	Key          string
	Label        string
	URL          string
	Headers      map[string]string
	CookieHeader string
	RenewURL     string
}

var registry = map[string]Provider{
	"hax": {
		Key:   "hax",
		Label: "Hax",
		URL:   "https://hax.co.id/vps-info/",
		Headers: map[string]string{
			"User-Agent": "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/111.0.0.0 Safari/537.36",
		},
		CookieHeader: "Cookie",
		RenewURL:     "https://hax.co.id/vps-renew/",
	},
	"woiden": {
		Key:   "woiden",
		Label: "Woiden",
		URL:   "https://woiden.id/vps-info/",
		Headers: map[string]string{
			"User-Agent": "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/111.0.0.0 Safari/537.36",
		},
		CookieHeader: "Cookie",
		RenewURL:     "https://woiden.id/vps-renew/",
	},
	"vc": {
		Key:   "vc",
		Label: "VC",
		URL:   "https://free.vps.vc/vps-info",
		Headers: map[string]string{
			"User-Agent": "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/119.0.0.0 Safari/537.36",
			"Referer":    "https://free.vps.vc/",
		},
		CookieHeader: "Cookie",
		RenewURL:     "https://free.vps.vc/vps-renew",
	},
}

// Lookup resolves a stored provider key to its configuration. Keys are
// compared case-insensitively with surrounding whitespace ignored.
func Lookup(key string) (Provider, bool) {
	p, ok := registry[Normalize(key)]
	return p, ok
}

// RenewalURL returns the provider's renewal page, or "" when the provider is
// unknown or has no known renewal URL.
func RenewalURL(key string) string {
	p, ok := Lookup(key)
	if !ok {
		return ""
	}
	return p.RenewURL
}

func Normalize(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}
