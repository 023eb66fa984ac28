package policy

import (
	"net/netip"
	"net/url"
	"regexp"
	"strings"
)

var (
	scpLikeRe  = regexp.MustCompile(`^([A-Za-z0-9._-]+)@(\[[^\]]+\]|[^:/\[\]@\s]+):([^\s]+)$`)
	hostnameRe = regexp.MustCompile(`^[a-z0-9]([a-z0-9_-]{0,61}[a-z0-9])?$`)
	numericRe  = regexp.MustCompile(`^(0x[0-9a-f]*|[0-9]+)$`)
	helperRe   = regexp.MustCompile(`^[a-z][a-z0-9+.-]*::`)
)

var blockedHostnames = []string{
	"localhost",
	"localhost.localdomain",
	"ip6-localhost",
	"ip6-loopback",
	"metadata",
	"metadata.google.internal",
	"metadata.goog",
	"instance-data",
	"instance-data.ec2.internal",
}

var blockedAddrs = []netip.Addr{
	netip.MustParseAddr("169.254.169.254"),
	netip.MustParseAddr("169.254.170.2"),
	netip.MustParseAddr("fd00:ec2::254"),
	netip.MustParseAddr("100.100.100.200"),
}

var blockedPrefixes = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("127.0.0.0/8"),
	netip.MustParsePrefix("169.254.0.0/16"),
	netip.MustParsePrefix("fe80::/10"),
}

var (
	nat64      = netip.MustParsePrefix("64:ff9b::/96")
	ipv4Compat = netip.MustParsePrefix("::/96")
)

// CheckRepoURL accepts https://, ssh:// and scp-style user@host:path remotes
// whose host passes CheckHost.
func CheckRepoURL(raw string) error {
	if raw == "" {
		return reject("repository URL is empty")
	}
	if len(raw) > maxArgLen {
		return reject("repository URL is too long")
	}
	if strings.ContainsAny(raw, " \t\r\n\x00") || strings.HasPrefix(raw, "-") {
		return reject("repository URL contains forbidden characters")
	}

	lower := strings.ToLower(raw)
	switch {
	case strings.HasPrefix(lower, "https://"), strings.HasPrefix(lower, "ssh://"):
		u, err := url.Parse(raw)
		if err != nil {
			return reject("repository URL is malformed")
		}
		if u.Opaque != "" || u.Host == "" {
			return reject("repository URL has no host")
		}
		return CheckHost(u.Hostname())
	case strings.Contains(lower, "://"), strings.HasPrefix(lower, "file:"), helperRe.MatchString(lower):
		return reject("repository URL protocol is not allowed; use https://, ssh:// or user@host:path")
	}

	m := scpLikeRe.FindStringSubmatch(raw)
	if m == nil {
		return reject("repository URL protocol is not allowed; use https://, ssh:// or user@host:path")
	}
	host := strings.TrimSuffix(strings.TrimPrefix(m[2], "["), "]")
	return CheckHost(host)
}

// CheckHost refuses hosts that would let a clone reach the control plane
// itself or a cloud metadata service. RFC1918 and ULA hosts are allowed.
func CheckHost(host string) error {
	h := strings.ToLower(strings.TrimSuffix(strings.TrimSpace(host), "."))
	if h == "" {
		return reject("repository host is empty")
	}
	if i := strings.IndexByte(h, '%'); i >= 0 {
		h = h[:i]
	}

	if addr, err := netip.ParseAddr(h); err == nil {
		return checkAddr(addr)
	}

	for _, name := range blockedHostnames {
		if h == name {
			return reject("repository host %q is blocked", host)
		}
	}
	if strings.HasSuffix(h, ".localhost") {
		return reject("repository host %q is blocked", host)
	}

	labels := strings.Split(h, ".")
	numeric := true
	for _, label := range labels {
		if !numericRe.MatchString(label) {
			numeric = false
			break
		}
	}
	if numeric {
		return reject("repository host %q is an ambiguous numeric address", host)
	}

	if len(h) > 253 {
		return reject("repository host is too long")
	}
	for _, label := range labels {
		if !hostnameRe.MatchString(label) {
			return reject("repository host %q is not a valid hostname", host)
		}
	}
	return nil
}

func checkAddr(addr netip.Addr) error {
	addr = addr.WithZone("").Unmap()
	if addr.Is6() && nat64.Contains(addr) {
		b := addr.As16()
		if err := checkAddr(netip.AddrFrom4([4]byte{b[12], b[13], b[14], b[15]})); err != nil {
			return err
		}
	}

	switch {
	case addr.IsLoopback(), addr.IsUnspecified():
		return reject("repository host %s is a loopback or unspecified address", addr)
	case addr.IsLinkLocalUnicast(), addr.IsLinkLocalMulticast(), addr.IsInterfaceLocalMulticast():
		return reject("repository host %s is link-local", addr)
	case addr.IsMulticast():
		return reject("repository host %s is multicast", addr)
	case addr.Is6() && ipv4Compat.Contains(addr):
		return reject("repository host %s is an IPv4-compatible address", addr)
	}
	for _, blocked := range blockedAddrs {
		if addr == blocked {
			return reject("repository host %s is a metadata endpoint", addr)
		}
	}
	for _, p := range blockedPrefixes {
		if p.Contains(addr) {
			return reject("repository host %s is blocked", addr)
		}
	}
	return nil
}
