// Package dedup suppresses re-notification of items already seen within a
// rolling window.
package dedup

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"
)

// Identify normalizes an item link and returns a stable hex digest used as
// the dedup identifier. Equivalent links (case-differing hosts, tracking
// query params, fragments, trailing slashes) map to the same identifier.
func Identify(link string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(link))
	if err != nil {
		return "", fmt.Errorf("parse link: %w", err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("link has no host: %q", link)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.RawQuery = ""
	u.Fragment = ""
	u.Path = strings.TrimRight(u.Path, "/")

	sum := sha256.Sum256([]byte(u.String()))
	return hex.EncodeToString(sum[:]), nil
}

// Scope builds the store scope for a sighting. With shared scoping every
// tenant watching a source shares one seen-set; otherwise each tenant keeps
// its own.
func Scope(tenant, source string, shared bool) string {
	if shared {
		return source
	}
	return tenant + "/" + source
}
