package service

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// DisposableDomains is a read-only set of throwaway mail domains. A domain
// matches when it or any of its parent domains is listed.
type DisposableDomains struct {
	domains map[string]struct{}
}

func NewDisposableDomains(domains ...string) *DisposableDomains {
	d := &DisposableDomains{domains: make(map[string]struct{}, len(domains))}
	for _, domain := range domains {
		if domain = normalizeDomain(domain); domain != "" {
			d.domains[domain] = struct{}{}
		}
	}
	return d
}

// ParseDisposableDomains reads one domain per line. Blank lines and lines
// starting with # are skipped.
func ParseDisposableDomains(r io.Reader) (*DisposableDomains, error) {
	var domains []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		domains = append(domains, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read disposable domain list: %w", err)
	}
	return NewDisposableDomains(domains...), nil
}

// LoadDisposableDomains fetches the list from a file path or http(s) URL.
// Any failure yields an empty list so sign-in keeps working.
func LoadDisposableDomains(ctx context.Context, source string, timeout time.Duration, logger *logrus.Logger) *DisposableDomains {
	if source == "" {
		logger.Info("No disposable domain list configured")
		return NewDisposableDomains()
	}

	list, err := fetchDisposableDomains(ctx, source, timeout)
	if err != nil {
		logger.WithError(err).WithField("source", source).Warn("Failed to load disposable domain list, continuing without it")
		return NewDisposableDomains()
	}

	logger.WithFields(logrus.Fields{
		"source":  source,
		"domains": list.Len(),
	}).Info("Disposable domain list loaded")
	return list
}

func fetchDisposableDomains(ctx context.Context, source string, timeout time.Duration) (*DisposableDomains, error) {
	if !strings.HasPrefix(source, "http://") && !strings.HasPrefix(source, "https://") {
		f, err := os.Open(source)
		if err != nil {
			return nil, fmt.Errorf("failed to open disposable domain list: %w", err)
		}
		defer f.Close()
		return ParseDisposableDomains(f)
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build disposable domain request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch disposable domain list: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to fetch disposable domain list: unexpected status %d", resp.StatusCode)
	}
	return ParseDisposableDomains(resp.Body)
}

func (d *DisposableDomains) IsDisposable(domain string) bool {
	domain = normalizeDomain(domain)
	for domain != "" {
		if _, ok := d.domains[domain]; ok {
			return true
		}
		dot := strings.IndexByte(domain, '.')
		if dot < 0 {
			return false
		}
		domain = domain[dot+1:]
	}
	return false
}

func (d *DisposableDomains) Len() int {
	return len(d.domains)
}

func normalizeDomain(domain string) string {
	return strings.Trim(strings.ToLower(strings.TrimSpace(domain)), ".")
}
