package main

import (
	"fmt"
	"net"
	"net/netip"
	"strings"
)

// allowList restricts forward targets. Entries are CIDR prefixes, exact
// hostnames, or "*.suffix" domain wildcards, optionally followed by
// ":port". An empty list allows everything.
type allowList []allowRule

type allowRule struct {
	prefix netip.Prefix
	host   string
	suffix string
	port   string
}

func parseAllowList(s string) (allowList, error) {
	var l allowList
	for _, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		var r allowRule
		if h, p, err := net.SplitHostPort(entry); err == nil {
			entry, r.port = h, p
		}
		switch {
		case strings.Contains(entry, "/"):
			pfx, err := netip.ParsePrefix(entry)
			if err != nil {
				return nil, fmt.Errorf("allow entry %q: %w", entry, err)
			}
			r.prefix = pfx.Masked()
		case strings.HasPrefix(entry, "*."):
			r.suffix = strings.ToLower(entry[1:])
		default:
			r.host = strings.ToLower(entry)
		}
		l = append(l, r)
	}
	return l, nil
}

// Check implements the ForwardServer Allow hook.
func (l allowList) Check(network, address string) error {
	if len(l) == 0 {
		return nil
	}
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return err
	}
	host = strings.ToLower(host)
	ip, ipErr := netip.ParseAddr(host)
	for _, r := range l {
		if r.port != "" && r.port != port {
			continue
		}
		switch {
		case r.prefix.IsValid():
			if ipErr == nil && r.prefix.Contains(ip.Unmap()) {
				return nil
			}
		case r.suffix != "":
			if strings.HasSuffix(host, r.suffix) {
				return nil
			}
		case r.host == host:
			return nil
		}
	}
	return fmt.Errorf("%s %s not in allow list", network, address)
}
