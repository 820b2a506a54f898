package util

import (
	"crypto/sha256"
	"encoding/hex"
	"net/netip"
	"strings"
)

// namespaceKeyLen is the number of hex characters kept from the digest.
const namespaceKeyLen = 24

// NamespaceKey maps an upload namespace (usually the client address) to a
// short directory name. Equivalent spellings of one IP address share a key,
// and an empty namespace maps to "anon".
func NamespaceKey(namespace string) string {
	ns := strings.ToLower(strings.TrimSpace(namespace))
	if ns == "" {
		return "anon"
	}
	if addr, err := netip.ParseAddr(ns); err == nil {
		ns = addr.Unmap().WithZone("").String()
	}
	sum := sha256.Sum256([]byte(ns))
	return hex.EncodeToString(sum[:])[:namespaceKeyLen]
}
