package parser

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/ini.v1"

	"subsync/descriptor"
)

// ParseWireGuard expands a wg-quick style document into one descriptor per
// usable [Peer], all sharing the [Interface] settings.
func ParseWireGuard(text string) ([]*descriptor.Descriptor, error) {
	cfg, err := ini.LoadSources(ini.LoadOptions{
		AllowNonUniqueSections:  true,
		AllowShadows:            true,
		SkipUnrecognizableLines: true,
	}, []byte(text))
	if err != nil {
		return nil, err
	}
	iface, err := cfg.GetSection("Interface")
	if err != nil {
		return nil, fmt.Errorf("missing interface section")
	}
	var addresses []string
	for _, v := range iface.Key("Address").ValueWithShadows() {
		addresses = append(addresses, splitCSV(v)...)
	}
	if len(addresses) == 0 {
		return nil, fmt.Errorf("empty address in interface section")
	}
	base := descriptor.WireGuard{
		LocalAddress: addresses,
		PrivateKey:   strings.TrimSpace(iface.Key("PrivateKey").String()),
	}
	if mtu, err := strconv.Atoi(strings.TrimSpace(iface.Key("MTU").String())); err == nil {
		base.MTU = mtu
	}

	peers, err := cfg.SectionsByName("Peer")
	if err != nil || len(peers) == 0 {
		return nil, fmt.Errorf("missing peer sections")
	}
	out := make([]*descriptor.Descriptor, 0, len(peers))
	for i, peer := range peers {
		host, port, ok := splitEndpoint(peer.Key("Endpoint").String())
		if !ok {
			logrus.Debugf("[Parser] skip wireguard peer #%d: bad endpoint", i)
			continue
		}
		publicKey := strings.TrimSpace(peer.Key("PublicKey").String())
		if publicKey == "" {
			logrus.Debugf("[Parser] skip wireguard peer #%d: missing public key", i)
			continue
		}
		wg := base
		wg.LocalAddress = append([]string(nil), base.LocalAddress...)
		wg.PeerPublicKey = publicKey
		wg.PreSharedKey = strings.TrimSpace(peer.Key("PresharedKey").String())
		out = append(out, &descriptor.Descriptor{
			Kind:      descriptor.KindWireGuard,
			Server:    host,
			Port:      port,
			WireGuard: wg,
		})
	}
	out = keepValid(out, "wireguard")
	if len(out) == 0 {
		return nil, fmt.Errorf("empty available peer list")
	}
	return out, nil
}

// splitEndpoint splits on the last colon so bracketed IPv6 hosts survive.
func splitEndpoint(endpoint string) (string, int, bool) {
	endpoint = strings.TrimSpace(endpoint)
	idx := strings.LastIndex(endpoint, ":")
	if idx <= 0 {
		return "", 0, false
	}
	port, err := parseIntStrict(endpoint[idx+1:], 1, 65535)
	if err != nil {
		return "", 0, false
	}
	host := strings.TrimSuffix(strings.TrimPrefix(endpoint[:idx], "["), "]")
	if host == "" {
		return "", 0, false
	}
	return host, port, true
}
