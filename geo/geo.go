// Package geo resolves endpoint hosts to a country and city.
package geo

import (
	"context"
	"fmt"
	"net"
	"strings"

	M "github.com/sagernet/sing/common/metadata"
)

type Info struct {
	Country     string `json:"country"`
	CountryCode string `json:"country_code"`
	City        string `json:"city"`
}

// Usable reports whether both the country name and its code are known.
func (i Info) Usable() bool {
	return strings.TrimSpace(i.Country) != "" && strings.TrimSpace(i.CountryCode) != ""
}

type Provider interface {
	Name() string
	Lookup(ctx context.Context, ip string) (Info, error)
}

var lookupIPAddr = net.DefaultResolver.LookupIPAddr

// ResolveIP returns host unchanged when it is an IP literal, otherwise the
// first address DNS returns for it.
func ResolveIP(ctx context.Context, host string) (string, error) {
	host = strings.TrimSpace(host)
	if host == "" {
		return "", fmt.Errorf("empty host")
	}
	addr := M.ParseSocksaddrHostPort(strings.Trim(host, "[]"), 0)
	if addr.IsIP() {
		return addr.Addr.Unmap().String(), nil
	}
	addrs, err := lookupIPAddr(ctx, host)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", host, err)
	}
	if len(addrs) == 0 {
		return "", fmt.Errorf("resolve %s: no address", host)
	}
	return addrs[0].IP.String(), nil
}
