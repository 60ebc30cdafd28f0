package checkpoint

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
)

// ErrInvalidNetwork is returned for network names that cannot partition
// checkpoint storage.
var ErrInvalidNetwork = errors.New("checkpoint: invalid network name")

// NewID builds a checkpoint ID from a network and a creation time.
func NewID(network string, at time.Time) string {
	return fmt.Sprintf("%s-%d", network, at.UnixMilli())
}

// ParseID splits a checkpoint ID into its network and embedded timestamp.
// Networks may themselves contain dashes; the timestamp follows the last one.
func ParseID(id string) (string, time.Time, error) {
	i := strings.LastIndex(id, "-")
	if i <= 0 || i == len(id)-1 {
		return "", time.Time{}, fmt.Errorf("checkpoint id %q: missing timestamp suffix", id)
	}
	ms, err := strconv.ParseInt(id[i+1:], 10, 64)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("checkpoint id %q: %w", id, err)
	}
	return id[:i], time.UnixMilli(ms).UTC(), nil
}

// NormalizeNetwork returns the canonical (NFC, trimmed) form of a network
// name. Names that would escape a storage directory are rejected.
func NormalizeNetwork(network string) (string, error) {
	n := norm.NFC.String(strings.TrimSpace(network))
	switch {
	case n == "":
		return "", fmt.Errorf("%w: empty", ErrInvalidNetwork)
	case n == "." || n == "..":
		return "", fmt.Errorf("%w: %q", ErrInvalidNetwork, network)
	case strings.ContainsAny(n, `/\`+"\x00"):
		return "", fmt.Errorf("%w: %q contains a path separator", ErrInvalidNetwork, network)
	}
	return n, nil
}
