package news

import (
	"strings"
	"sync"
)

const defaultForbiddenAttempts = 3

// hostBlocker combines the configured blocklist (exact hosts plus *.suffix
// wildcards) with dynamic blocking of hosts that keep answering 403.
type hostBlocker struct {
	exact    map[string]struct{}
	suffixes []string

	mu        sync.Mutex
	threshold int
	counts    map[string]int
	dynamic   map[string]struct{}
}

func newHostBlocker(patterns []string, threshold int) *hostBlocker {
	if threshold <= 0 {
		threshold = defaultForbiddenAttempts
	}
	b := &hostBlocker{
		exact:     make(map[string]struct{}),
		threshold: threshold,
		counts:    make(map[string]int),
		dynamic:   make(map[string]struct{}),
	}
	for _, raw := range patterns {
		value := strings.TrimSpace(strings.ToLower(raw))
		if value == "" {
			continue
		}
		switch {
		case strings.HasPrefix(value, "*."):
			b.addSuffix(strings.TrimPrefix(value, "*."))
		case strings.HasPrefix(value, "."):
			b.addSuffix(strings.TrimPrefix(value, "."))
		default:
			b.exact[value] = struct{}{}
		}
	}
	return b
}

func (b *hostBlocker) addSuffix(suffix string) {
	if suffix == "" {
		return
	}
	for _, existing := range b.suffixes {
		if existing == suffix {
			return
		}
	}
	b.suffixes = append(b.suffixes, suffix)
}

func (b *hostBlocker) IsBlocked(host string) bool {
	if b == nil {
		return false
	}
	host = strings.TrimSpace(strings.ToLower(host))
	if host == "" {
		return false
	}
	if _, ok := b.exact[host]; ok {
		return true
	}
	for _, suffix := range b.suffixes {
		if host == suffix || strings.HasSuffix(host, "."+suffix) {
			return true
		}
	}
	b.mu.Lock()
	_, blocked := b.dynamic[host]
	b.mu.Unlock()
	return blocked
}

// MarkForbidden counts a 403 from host and returns true once the host
// crosses the threshold and becomes blocked.
func (b *hostBlocker) MarkForbidden(host string) bool {
	if b == nil || host == "" {
		return false
	}
	key := strings.ToLower(host)
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, blocked := b.dynamic[key]; blocked {
		return true
	}
	b.counts[key]++
	if b.counts[key] >= b.threshold {
		b.dynamic[key] = struct{}{}
		return true
	}
	return false
}
