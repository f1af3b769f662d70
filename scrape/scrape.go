// Package scrape fetches a provider's authenticated status page and pulls the
// labeled VPS fields out of its HTML.
package scrape

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/sirupsen/logrus"
)

// Field labels as they appear on the provider status pages. CreationDate and
// ValidUntil are essential: a scrape without both is a failure.
const (
	LabelCreationDate = "VPS Creation Date"
	LabelValidUntil   = "Valid until"
	LabelIPv6         = "IPv6"
	LabelLocation     = "Location"
	LabelDiskTotal    = "Total disk space"
	LabelRAM          = "Ram"
)

var allowedLabels = map[string]bool{
	LabelCreationDate: true,
	LabelValidUntil:   true,
	LabelIPv6:         true,
	LabelLocation:     true,
	LabelDiskTotal:    true,
	LabelRAM:          true,
}

var essentialLabels = []string{LabelCreationDate, LabelValidUntil}

// Info holds the scraped field values keyed by label. The four non-essential
// fields may be absent.
type Info map[string]string

// FailKind classifies why a scrape produced no usable result.
type FailKind int

const (
	FailNetwork FailKind = iota
	FailEmptyBody
	FailAuthExpired
	FailFieldsMissing
)

// Failure carries the classified reason a scrape failed. It is a value the
// caller inspects, not an error that propagates.
type Failure struct {
	Kind   FailKind
	Detail string
}

func (f *Failure) String() string {
	return f.Detail
}

// Fetcher performs the page retrievals. The zero value is unusable; use New.
type Fetcher struct {
	Client   *http.Client
	Attempts int
	Delay    time.Duration
}

func New() *Fetcher {
	return &Fetcher{
		Client:   &http.Client{Timeout: 15 * time.Second},
		Attempts: 3,
		Delay:    2 * time.Second,
	}
}

// Check fetches the status page and extracts the VPS fields, classifying any
// failure along the way.
func (f *Fetcher) Check(ctx context.Context, url string, headers map[string]string, label string) (Info, *Failure) {
	body, err := f.fetch(ctx, url, headers, label)
	if err != nil {
		return nil, &Failure{Kind: FailNetwork, Detail: err.Error()}
	}
	if strings.TrimSpace(body) == "" {
		return nil, &Failure{Kind: FailEmptyBody, Detail: "empty response body"}
	}
	return Parse(body)
}

// fetch retrieves the page with bounded retries. A non-2xx response counts as
// a failed attempt; the last error is returned once attempts are exhausted.
func (f *Fetcher) fetch(ctx context.Context, url string, headers map[string]string, label string) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= f.Attempts; attempt++ {
		body, err := f.get(ctx, url, headers)
		if err == nil {
			return body, nil
		}
		lastErr = err
		logrus.Warnf("[%s] Request attempt %d failed: %s", label, attempt, err)
		if attempt < f.Attempts {
			select {
			case <-time.After(f.Delay):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
	}
	return "", lastErr
}

func (f *Fetcher) get(ctx context.Context, url string, headers map[string]string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	for name, value := range headers {
		req.Header.Set(name, value)
	}

	resp, err := f.Client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("unexpected status %d for %s", resp.StatusCode, url)
	}

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}

	return string(b), nil
}

// Parse extracts the labeled fields from the page markup. Label and value
// elements are paired positionally. When the essential fields are missing the
// markup is inspected for a login form to tell an expired cookie apart from a
// reshaped page.
func Parse(html string) (Info, *Failure) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, &Failure{Kind: FailFieldsMissing, Detail: "unable to parse response"}
	}

	labels := doc.Find("label.col-sm-5.col-form-label")
	values := doc.Find("div.col-sm-7")

	info := Info{}
	count := labels.Length()
	if values.Length() < count {
		count = values.Length()
	}
	for i := 0; i < count; i++ {
		label := strings.TrimSpace(labels.Eq(i).Text())
		if allowedLabels[label] {
			info[label] = strings.TrimSpace(values.Eq(i).Text())
		}
	}

	complete := true
	for _, label := range essentialLabels {
		if info[label] == "" {
			complete = false
			break
		}
	}
	if complete {
		return info, nil
	}

	if doc.Find("form#loginform").Length() > 0 || strings.Contains(strings.ToLower(html), "loginform") {
		return nil, &Failure{Kind: FailAuthExpired, Detail: "login form detected, cookie may be expired"}
	}
	if doc.Find("input[name=log]").Length() > 0 || doc.Find("input[name=pwd]").Length() > 0 {
		return nil, &Failure{Kind: FailAuthExpired, Detail: "authentication page detected"}
	}

	return nil, &Failure{Kind: FailFieldsMissing, Detail: "required VPS fields missing"}
}
