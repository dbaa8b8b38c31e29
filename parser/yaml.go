package parser

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"subsync/descriptor"
)

// ParseYAML reads a clash-style document with a top-level proxies list.
// Entries of unknown type or without a usable address are skipped.
func ParseYAML(text string) ([]*descriptor.Descriptor, error) {
	var doc map[string]any
	if err := yaml.Unmarshal([]byte(text), &doc); err != nil {
		return nil, err
	}
	rawList, ok := doc["proxies"].([]any)
	if !ok {
		return nil, fmt.Errorf("no proxies found in file")
	}
	globalFingerprint := yamlString(doc["global-client-fingerprint"])

	out := make([]*descriptor.Descriptor, 0, len(rawList))
	skipped := 0
	for i, item := range rawList {
		opts := yamlMap(item)
		if opts == nil {
			skipped++
			continue
		}
		d, err := yamlProxy(opts)
		if err != nil {
			logrus.Debugf("[Parser] skip yaml proxy #%d: %v", i, err)
			skipped++
			continue
		}
		if d == nil {
			continue
		}
		fixYAMLDefaults(d, globalFingerprint)
		out = append(out, d)
	}
	if skipped > 0 {
		logrus.Debugf("[Parser] yaml proxy list: %d entries skipped", skipped)
	}
	return keepValid(out, "yaml"), nil
}

func yamlProxy(opts map[string]any) (*descriptor.Descriptor, error) {
	switch typ := yamlString(opts["type"]); typ {
	case "socks5", "http":
		return yamlPlainProxy(typ, opts)
	case "vmess", "vless", "trojan":
		return yamlV2RayProxy(typ, opts)
	case "anytls":
		return yamlAnyTLSProxy(opts)
	case "hysteria", "hysteria2":
		return yamlHysteriaProxy(typ, opts)
	case "tuic":
		return yamlTUICProxy(opts)
	default:
		return nil, nil
	}
}

func yamlAddress(opts map[string]any) (string, int, error) {
	server := yamlString(opts["server"])
	if server == "" {
		return "", 0, fmt.Errorf("server is required")
	}
	port, err := parseIntStrict(yamlString(opts["port"]), 1, 65535)
	if err != nil {
		return "", 0, fmt.Errorf("invalid port: %w", err)
	}
	return server, port, nil
}

func yamlPlainProxy(typ string, opts map[string]any) (*descriptor.Descriptor, error) {
	server, port, err := yamlAddress(opts)
	if err != nil {
		return nil, err
	}
	d := &descriptor.Descriptor{
		Kind:     descriptor.KindSOCKS,
		Name:     yamlString(opts["name"]),
		Server:   server,
		Port:     port,
		Username: yamlString(opts["username"]),
		Password: yamlString(opts["password"]),
	}
	if typ == "http" {
		d.Kind = descriptor.KindHTTP
		d.TLS.Enabled = yamlBool(opts["tls"])
		d.TLS.ServerName = yamlString(opts["sni"])
		d.TLS.Insecure = yamlBool(opts["skip-cert-verify"])
	}
	return d, nil
}

func yamlV2RayProxy(typ string, opts map[string]any) (*descriptor.Descriptor, error) {
	server, port, err := yamlAddress(opts)
	if err != nil {
		return nil, err
	}
	d := &descriptor.Descriptor{Server: server, Port: port, Name: yamlString(opts["name"])}
	switch typ {
	case "vmess":
		d.Kind = descriptor.KindVMess
		d.UUID = yamlString(opts["uuid"])
		if aid, err := strconv.Atoi(yamlString(opts["alterid"])); err == nil {
			d.AlterID = aid
		}
		d.Security = clashCipher(yamlString(opts["cipher"]))
		d.TLS.Enabled = yamlBool(opts["tls"])
	case "vless":
		d.Kind = descriptor.KindVLESS
		d.UUID = yamlString(opts["uuid"])
		d.PacketEncoding = "xudp"
		if strings.Contains(yamlString(opts["flow"]), "xtls-rprx-vision") {
			d.Flow = "xtls-rprx-vision"
		}
		d.TLS.Enabled = yamlBool(opts["tls"])
	case "trojan":
		d.Kind = descriptor.KindTrojan
		d.Password = yamlString(opts["password"])
		d.TLS.Enabled = true
	}

	switch yamlString(opts["packet-encoding"]) {
	case "packetaddr", "xudp":
		d.PacketEncoding = yamlString(opts["packet-encoding"])
	}
	d.TLS.ServerName = firstNonEmpty(yamlString(opts["servername"]), yamlString(opts["sni"]))
	d.TLS.ALPN = yamlStringList(opts["alpn"])
	d.TLS.Insecure = yamlBool(opts["skip-cert-verify"])
	d.TLS.Fingerprint = yamlString(opts["client-fingerprint"])
	if reality := yamlMap(opts["reality-opts"]); reality != nil {
		d.TLS.Enabled = true
		d.TLS.RealityPublicKey = yamlString(reality["public-key"])
		d.TLS.RealityShortID = yamlString(reality["short-id"])
	}

	switch network := yamlString(opts["network"]); network {
	case "h2", "http":
		d.Transport.Type = "http"
	case "ws", "grpc":
		d.Transport.Type = network
	}
	if ws := yamlMap(opts["ws-opts"]); ws != nil {
		d.Transport.Path = yamlString(ws["path"])
		if headers := yamlMap(ws["headers"]); headers != nil {
			d.Transport.Host = yamlString(headers["host"])
		}
		if n, err := strconv.Atoi(yamlString(ws["max-early-data"])); err == nil {
			d.Transport.MaxEarlyData = n
		}
		d.Transport.EarlyDataHeader = yamlString(ws["early-data-header-name"])
		if yamlBool(ws["v2ray-http-upgrade"]) {
			d.Transport.Type = "httpupgrade"
		}
	}
	if h2 := yamlMap(opts["h2-opts"]); h2 != nil {
		d.Transport.Host = strings.Join(yamlStringList(h2["host"]), ",")
		d.Transport.Path = yamlString(h2["path"])
	}
	if httpOpts := yamlMap(opts["http-opts"]); httpOpts != nil {
		d.Transport.Path = strings.Join(yamlStringList(httpOpts["path"]), ",")
		if headers := yamlMap(httpOpts["headers"]); headers != nil {
			d.Transport.Host = strings.Join(yamlStringList(headers["host"]), ",")
		}
	}
	if grpc := yamlMap(opts["grpc-opts"]); grpc != nil {
		d.Transport.ServiceName = yamlString(grpc["grpc-service-name"])
	}
	if smux := yamlMap(opts["smux"]); smux != nil {
		d.Mux.Enabled = yamlBool(smux["enabled"])
		if n, err := strconv.Atoi(yamlString(smux["max-streams"])); err == nil {
			d.Mux.MaxStreams = n
		}
		d.Mux.Padding = yamlBool(smux["padding"])
	}
	return d, nil
}

func yamlAnyTLSProxy(opts map[string]any) (*descriptor.Descriptor, error) {
	server, port, err := yamlAddress(opts)
	if err != nil {
		return nil, err
	}
	return &descriptor.Descriptor{
		Kind:     descriptor.KindAnyTLS,
		Name:     yamlString(opts["name"]),
		Server:   server,
		Port:     port,
		Password: yamlString(opts["password"]),
		TLS: descriptor.TLS{
			Enabled:     true,
			ServerName:  yamlString(opts["sni"]),
			Insecure:    yamlBool(opts["skip-cert-verify"]),
			ALPN:        yamlStringList(opts["alpn"]),
			Fingerprint: yamlString(opts["client-fingerprint"]),
		},
	}, nil
}

func yamlHysteriaProxy(typ string, opts map[string]any) (*descriptor.Descriptor, error) {
	server := yamlString(opts["server"])
	if server == "" {
		return nil, fmt.Errorf("server is required")
	}
	d := &descriptor.Descriptor{
		Kind:   descriptor.KindHysteria,
		Name:   yamlString(opts["name"]),
		Server: server,
		TLS: descriptor.TLS{
			Enabled:    true,
			ServerName: yamlString(opts["sni"]),
			Insecure:   yamlBool(opts["skip-cert-verify"]),
		},
	}
	ports := yamlString(opts["port"])
	if hop := yamlString(opts["ports"]); hop != "" {
		ports = hop
	}
	if n, err := parseIntStrict(ports, 1, 65535); err == nil {
		d.Port = n
	} else {
		d.Ports = ports
	}

	if typ == "hysteria" {
		d.Hysteria.Protocol = yamlString(opts["protocol"])
		d.Hysteria.Obfs = yamlString(opts["obfs"])
		d.Hysteria.Auth = yamlString(opts["auth-str"])
		d.Hysteria.UpMbps = leadingInt(yamlString(opts["up"]), 100)
		d.Hysteria.DownMbps = leadingInt(yamlString(opts["down"]), 100)
		d.Hysteria.RecvWindowConn = leadingInt(yamlString(opts["recv-window-conn"]), 0)
		d.Hysteria.RecvWindow = leadingInt(yamlString(opts["recv-window"]), 0)
		d.Hysteria.DisableMTUDiscovery = yamlBool(opts["disable-mtu-discovery"]) || yamlString(opts["disable-mtu-discovery"]) == "1"
		d.TLS.ALPN = yamlStringList(opts["alpn"])
		if len(d.TLS.ALPN) == 0 {
			d.TLS.ALPN = []string{"h3"}
		}
		return d, nil
	}

	d.Kind = descriptor.KindHysteria2
	d.Password = yamlString(opts["password"])
	d.Hysteria.Obfs = yamlString(opts["obfs-password"])
	d.Hysteria.UpMbps = leadingInt(yamlString(opts["up"]), 0)
	d.Hysteria.DownMbps = leadingInt(yamlString(opts["down"]), 0)
	return d, nil
}

func yamlTUICProxy(opts map[string]any) (*descriptor.Descriptor, error) {
	server, port, err := yamlAddress(opts)
	if err != nil {
		return nil, err
	}
	d := &descriptor.Descriptor{
		Kind:     descriptor.KindTUIC,
		Name:     yamlString(opts["name"]),
		Server:   server,
		Port:     port,
		UUID:     yamlString(opts["uuid"]),
		Password: yamlString(opts["password"]),
		TUIC: descriptor.TUIC{
			Version:           5,
			CongestionControl: yamlString(opts["congestion-controller"]),
			UDPRelayMode:      yamlString(opts["udp-relay-mode"]),
			ReduceRTT:         yamlBool(opts["reduce-rtt"]),
			DisableSNI:        yamlBool(opts["disable-sni"]),
		},
		TLS: descriptor.TLS{
			Enabled:    true,
			ServerName: yamlString(opts["sni"]),
			Insecure:   yamlBool(opts["skip-cert-verify"]),
			ALPN:       yamlStringList(opts["alpn"]),
		},
	}
	if token := yamlString(opts["token"]); token != "" {
		d.TUIC.Version = 4
		d.TUIC.Token = token
	}
	if ip := yamlString(opts["ip"]); ip != "" {
		host := d.Server
		d.Server = ip
		if d.TLS.ServerName == "" && !descriptor.IsIP(host) {
			d.TLS.ServerName = host
		}
	}
	return d, nil
}

func fixYAMLDefaults(d *descriptor.Descriptor, globalFingerprint string) {
	switch d.Kind {
	case descriptor.KindVMess, descriptor.KindVLESS, descriptor.KindTrojan:
	default:
		return
	}
	if d.TLS.Enabled && d.TLS.ServerName == "" && d.Transport.Host != "" && !descriptor.IsIP(d.Transport.Host) {
		d.TLS.ServerName = d.Transport.Host
	}
	if d.TLS.RealityPublicKey != "" && d.TLS.Fingerprint == "" {
		d.TLS.Fingerprint = firstNonEmpty(globalFingerprint, "chrome")
	}
}

func clashCipher(cipher string) string {
	if cipher == "dummy" {
		return "none"
	}
	return cipher
}

// yamlMap normalizes keys to lower-case dash form. Non-map values give nil,
// which callers treat as an absent block.
func yamlMap(v any) map[string]any {
	var out map[string]any
	switch m := v.(type) {
	case map[string]any:
		out = make(map[string]any, len(m))
		for k, val := range m {
			out[normalizeKVKey(k)] = val
		}
	case map[any]any:
		out = make(map[string]any, len(m))
		for k, val := range m {
			out[normalizeKVKey(fmt.Sprint(k))] = val
		}
	}
	return out
}

func yamlString(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(val)
	case map[string]any, map[any]any, []any:
		return ""
	default:
		return strings.TrimSpace(fmt.Sprint(val))
	}
}

func yamlBool(v any) bool {
	if b, ok := v.(bool); ok {
		return b
	}
	return yamlString(v) == "true"
}

func yamlStringList(v any) []string {
	switch val := v.(type) {
	case []any:
		out := make([]string, 0, len(val))
		for _, item := range val {
			if s := yamlString(item); s != "" {
				out = append(out, s)
			}
		}
		if len(out) == 0 {
			return nil
		}
		return out
	case string:
		return splitCSV(val)
	}
	return nil
}
