package fleet

import (
	"errors"
	"fmt"
	"net"
	"strings"
)

// MaxSuffix is the last host suffix of a /24 sweep.
const MaxSuffix = 255

var ErrInvalidSubnet = errors.New("fleet: invalid subnet")

// HostRange selects Count consecutive host suffixes starting at Start.
// Suffixes outside 1..MaxSuffix are never produced.
type HostRange struct {
	Start int
	Count int
}

// FullRange covers every suffix of a /24.
func FullRange() HostRange { return HostRange{Start: 1, Count: MaxSuffix} }

// Suffixes returns the clamped suffix list of the range.
func (r HostRange) Suffixes() []int {
	start := r.Start
	if start < 1 {
		start = 1
	}
	end := r.Start + r.Count - 1
	if end > MaxSuffix {
		end = MaxSuffix
	}
	if end < start {
		return nil
	}
	out := make([]int, 0, end-start+1)
	for s := start; s <= end; s++ {
		out = append(out, s)
	}
	return out
}

// Windows slices the range into consecutive windows of size hosts. The last
// window may be shorter.
func (r HostRange) Windows(size int) []HostRange {
	if size <= 0 {
		return []HostRange{r}
	}
	var windows []HostRange
	for off := 0; off < r.Count; off += size {
		n := size
		if off+n > r.Count {
			n = r.Count - off
		}
		windows = append(windows, HostRange{Start: r.Start + off, Count: n})
	}
	return windows
}

// SubnetPrefix returns the first three octets of an IPv4 address, e.g.
// "10.0.0.7" -> "10.0.0". A bare three-octet prefix is accepted as is.
func SubnetPrefix(ip string) (string, error) {
	ip = strings.TrimSpace(ip)
	if strings.Count(ip, ".") == 2 {
		ip += ".0"
	}
	parsed := net.ParseIP(ip).To4()
	if parsed == nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidSubnet, ip)
	}
	return fmt.Sprintf("%d.%d.%d", parsed[0], parsed[1], parsed[2]), nil
}

// Expand builds one host address per suffix in r.
func Expand(prefix string, r HostRange) []string {
	suffixes := r.Suffixes()
	hosts := make([]string, 0, len(suffixes))
	for _, s := range suffixes {
		hosts = append(hosts, fmt.Sprintf("%s.%d", prefix, s))
	}
	return hosts
}

// ValidHosts keeps the IPv4 entries of hosts, dropping duplicates.
func ValidHosts(hosts []string) []string {
	seen := make(map[string]struct{}, len(hosts))
	out := make([]string, 0, len(hosts))
	for _, h := range hosts {
		ip := net.ParseIP(strings.TrimSpace(h)).To4()
		if ip == nil {
			continue
		}
		key := ip.String()
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, key)
	}
	return out
}
