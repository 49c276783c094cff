package nostr

import (
	"net/url"
	"strings"
)

// NormalizeRelayURL canonicalizes a relay address so that "relay.example.com",
// "wss://relay.example.com" and "wss://relay.example.com/" share one key.
// A missing scheme defaults to wss://. Returns empty string if the URL has no host.
func NormalizeRelayURL(relayURL string) string {
	relayURL = strings.TrimSpace(relayURL)
	if relayURL == "" {
		return ""
	}

	lower := strings.ToLower(relayURL)
	if !strings.HasPrefix(lower, "ws://") && !strings.HasPrefix(lower, "wss://") {
		if strings.Contains(relayURL, "://") {
			return ""
		}
		relayURL = "wss://" + relayURL
	}

	parsed, err := url.Parse(relayURL)
	if err != nil {
		return ""
	}
	host := parsed.Hostname()
	if host == "" || strings.Contains(host, " ") {
		return ""
	}

	host = strings.ToLower(host)
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	result := strings.ToLower(parsed.Scheme) + "://" + host
	if parsed.Port() != "" {
		result += ":" + parsed.Port()
	}
	if path := strings.TrimRight(parsed.Path, "/"); path != "" {
		result += path
	}
	if parsed.RawQuery != "" {
		result += "?" + parsed.RawQuery
	}
	return result
}

// NormalizeRelayURLs normalizes and dedupes a relay list, keeping first-seen order
// and dropping entries that do not parse.
func NormalizeRelayURLs(urls []string) []string {
	seen := make(map[string]bool, len(urls))
	out := make([]string, 0, len(urls))
	for _, u := range urls {
		n := NormalizeRelayURL(u)
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out
}
