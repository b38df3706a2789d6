package txnlog

import (
	"context"
	"errors"
	"io"
	"net"
	"path"
	"sort"
	"strings"
	"syscall"

	"github.com/Smoac/openbis-fork-sub014/internal/uuidv7"
)

// ObjectSuffix is appended to every entry object key.
const ObjectSuffix = ".json"

// ObjectPrefix returns the key prefix holding the entries of log name, with a
// trailing slash.
func ObjectPrefix(prefix, name string) string {
	return path.Join(strings.Trim(prefix, "/"), name) + "/"
}

// NewObjectKey returns a fresh key for one entry of log name. Keys sort in
// creation order.
func NewObjectKey(prefix, name string) string {
	return ObjectPrefix(prefix, name) + uuidv7.NewString() + ObjectSuffix
}

// SortObjectKeys orders entry keys listed under one log prefix and drops keys
// that are not entries.
func SortObjectKeys(keys []string) []string {
	out := keys[:0]
	for _, k := range keys {
		if strings.HasSuffix(k, ObjectSuffix) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

// ValidName rejects log names that cannot be used as a single path segment.
func ValidName(name string) bool {
	return name != "" && name != "." && name != ".." && !strings.ContainsAny(name, `/\`)
}

// IsNetworkError reports connection level failures worth retrying.
func IsNetworkError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNABORTED) || errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EHOSTUNREACH) || errors.Is(err, syscall.ENETUNREACH) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr) && dnsErr.IsTemporary
}
