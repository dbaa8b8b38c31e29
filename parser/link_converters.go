package parser

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"subsync/descriptor"
)

// Ports on which VLESS links are assumed to speak TLS even without a
// security parameter.
var vlessTLSPorts = map[int]bool{443: true, 2053: true, 2083: true, 2087: true, 2096: true, 8443: true}

// ParseLink converts one scheme link into a descriptor.
func ParseLink(link string) (*descriptor.Descriptor, error) {
	link = strings.TrimSpace(link)
	idx := strings.Index(link, "://")
	if idx <= 0 {
		return nil, fmt.Errorf("not a scheme link")
	}
	var (
		d   *descriptor.Descriptor
		err error
	)
	switch strings.ToLower(link[:idx]) {
	case "vmess":
		d, err = parseVMessLink(link[idx+3:])
	case "vless":
		d, err = parseVLESSLink(link)
	case "trojan":
		d, err = parseTrojanLink(link)
	case "hysteria2", "hy2":
		d, err = parseHysteria2Link(link)
	case "tuic":
		d, err = parseTUICLink(link)
	case "anytls":
		d, err = parseAnyTLSLink(link)
	default:
		return nil, fmt.Errorf("unsupported scheme %q", link[:idx])
	}
	if err != nil {
		return nil, err
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return d, nil
}

type vmessLink struct {
	PS   string          `json:"ps"`
	Add  string          `json:"add"`
	Port json.RawMessage `json:"port"`
	ID   string          `json:"id"`
	Aid  json.RawMessage `json:"aid"`
	Scy  string          `json:"scy"`
	Net  string          `json:"net"`
	Type string          `json:"type"`
	Host string          `json:"host"`
	Path string          `json:"path"`
	TLS  string          `json:"tls"`
	SNI  string          `json:"sni"`
	ALPN string          `json:"alpn"`
	FP   string          `json:"fp"`
}

func parseVMessLink(body string) (*descriptor.Descriptor, error) {
	frag := ""
	if idx := strings.Index(body, "#"); idx >= 0 {
		frag = body[idx+1:]
		body = body[:idx]
	}
	payload, err := decodeBase64Loose(body)
	if err != nil {
		return nil, fmt.Errorf("invalid vmess payload: %w", err)
	}
	var v vmessLink
	if err := json.Unmarshal([]byte(payload), &v); err != nil {
		return nil, fmt.Errorf("invalid vmess json: %w", err)
	}
	port := jsonPort(v.Port)
	if strings.TrimSpace(v.Add) == "" || port <= 0 || strings.TrimSpace(v.ID) == "" {
		return nil, fmt.Errorf("vmess link misses address, port or id")
	}
	d := &descriptor.Descriptor{
		Kind:     descriptor.KindVMess,
		Name:     firstNonEmpty(decodeFragmentName(frag), v.PS),
		Server:   strings.TrimSpace(v.Add),
		Port:     port,
		UUID:     strings.TrimSpace(v.ID),
		AlterID:  jsonPort(v.Aid),
		Security: firstNonEmpty(v.Scy, "auto"),
	}
	d.Transport = linkTransport(v.Net, v.Path, v.Host, v.Path)
	if strings.EqualFold(strings.TrimSpace(v.TLS), "tls") {
		d.TLS = linkTLS(d.Server, v.SNI, v.ALPN, v.FP)
	}
	return d, nil
}

func parseVLESSLink(link string) (*descriptor.Descriptor, error) {
	u, err := url.Parse(link)
	if err != nil {
		return nil, err
	}
	host, port, err := linkHostPort(u, 443)
	if err != nil {
		return nil, err
	}
	if u.User == nil || strings.TrimSpace(u.User.Username()) == "" {
		return nil, fmt.Errorf("vless uuid is required")
	}
	q := u.Query()
	d := &descriptor.Descriptor{
		Kind:   descriptor.KindVLESS,
		Name:   decodeFragmentName(u.Fragment),
		Server: host,
		Port:   port,
		UUID:   strings.TrimSpace(u.User.Username()),
		Flow:   q.Get("flow"),
	}
	security := strings.ToLower(q.Get("security"))
	if security == "tls" || security == "reality" || vlessTLSPorts[port] {
		d.TLS = linkTLS(host, q.Get("sni"), q.Get("alpn"), q.Get("fp"))
		d.TLS.Insecure = parseBoolDefault(firstQueryValue(q, "allowInsecure", "insecure"), false)
		if security == "reality" {
			d.TLS.RealityPublicKey = q.Get("pbk")
			d.TLS.RealityShortID = q.Get("sid")
		}
	}
	d.Transport = linkTransport(q.Get("type"), q.Get("path"), q.Get("host"), q.Get("serviceName"))
	return d, nil
}

func parseTrojanLink(link string) (*descriptor.Descriptor, error) {
	u, err := url.Parse(link)
	if err != nil {
		return nil, err
	}
	host, port, err := linkHostPort(u, 443)
	if err != nil {
		return nil, err
	}
	if u.User == nil || u.User.Username() == "" {
		return nil, fmt.Errorf("trojan password is required")
	}
	q := u.Query()
	d := &descriptor.Descriptor{
		Kind:     descriptor.KindTrojan,
		Name:     decodeFragmentName(u.Fragment),
		Server:   host,
		Port:     port,
		Password: u.User.Username(),
		TLS:      linkTLS(host, firstQueryValue(q, "sni", "peer"), q.Get("alpn"), q.Get("fp")),
	}
	d.TLS.Insecure = parseBoolDefault(firstQueryValue(q, "allowInsecure", "insecure"), false)
	d.Transport = linkTransport(q.Get("type"), q.Get("path"), q.Get("host"), q.Get("serviceName"))
	return d, nil
}

func parseHysteria2Link(link string) (*descriptor.Descriptor, error) {
	u, err := url.Parse(link)
	if err != nil {
		return nil, err
	}
	if u.Port() == "" {
		return nil, fmt.Errorf("hysteria2 port is required")
	}
	host, port, err := linkHostPort(u, 0)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	password := ""
	if u.User != nil {
		password = u.User.Username()
		if p, ok := u.User.Password(); ok {
			password += ":" + p
		}
	}
	if password == "" {
		password = q.Get("password")
	}
	d := &descriptor.Descriptor{
		Kind:     descriptor.KindHysteria2,
		Name:     decodeFragmentName(u.Fragment),
		Server:   host,
		Port:     port,
		Password: password,
		TLS: descriptor.TLS{
			Enabled:    true,
			ServerName: firstNonEmpty(q.Get("sni"), host),
			Insecure:   true,
		},
		Hysteria: descriptor.Hysteria{
			Obfs:     firstQueryValue(q, "obfs-password", "obfs_password"),
			UpMbps:   leadingInt(firstQueryValue(q, "upmbps", "up"), 0),
			DownMbps: leadingInt(firstQueryValue(q, "downmbps", "down"), 0),
		},
	}
	d.Ports = q.Get("mport")
	return d, nil
}

func parseTUICLink(link string) (*descriptor.Descriptor, error) {
	u, err := url.Parse(link)
	if err != nil {
		return nil, err
	}
	host, port, err := linkHostPort(u, 0)
	if err != nil {
		return nil, err
	}
	if u.User == nil || u.User.Username() == "" {
		return nil, fmt.Errorf("tuic uuid is required")
	}
	password, _ := u.User.Password()
	q := u.Query()
	return &descriptor.Descriptor{
		Kind:     descriptor.KindTUIC,
		Name:     decodeFragmentName(u.Fragment),
		Server:   host,
		Port:     port,
		UUID:     u.User.Username(),
		Password: password,
		TUIC: descriptor.TUIC{
			Version:           5,
			CongestionControl: firstQueryValue(q, "congestion_control", "congestion-control"),
			UDPRelayMode:      firstQueryValue(q, "udp_relay_mode", "udp-relay-mode"),
			DisableSNI:        parseBoolDefault(q.Get("disable_sni"), false),
		},
		TLS: descriptor.TLS{
			Enabled:    true,
			ServerName: q.Get("sni"),
			Insecure:   parseBoolDefault(firstQueryValue(q, "allow_insecure", "insecure"), false),
			ALPN:       splitCSV(q.Get("alpn")),
		},
	}, nil
}

func parseAnyTLSLink(link string) (*descriptor.Descriptor, error) {
	u, err := url.Parse(link)
	if err != nil {
		return nil, err
	}
	host, port, err := linkHostPort(u, 443)
	if err != nil {
		return nil, err
	}
	if u.User == nil || u.User.Username() == "" {
		return nil, fmt.Errorf("anytls password is required")
	}
	q := u.Query()
	return &descriptor.Descriptor{
		Kind:     descriptor.KindAnyTLS,
		Name:     decodeFragmentName(u.Fragment),
		Server:   host,
		Port:     port,
		Password: u.User.Username(),
		TLS: descriptor.TLS{
			Enabled:     true,
			ServerName:  q.Get("sni"),
			Insecure:    parseBoolDefault(q.Get("insecure"), false),
			Fingerprint: q.Get("fp"),
		},
	}, nil
}

// linkHostPort uses defaultPort when the link has none; a zero default
// makes the port mandatory.
func linkHostPort(u *url.URL, defaultPort int) (string, int, error) {
	host := strings.TrimSpace(u.Hostname())
	if host == "" {
		return "", 0, fmt.Errorf("host is required")
	}
	if u.Port() == "" {
		if defaultPort == 0 {
			return "", 0, fmt.Errorf("port is required")
		}
		return host, defaultPort, nil
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil || port < 1 || port > 65535 {
		return "", 0, fmt.Errorf("invalid port %q", u.Port())
	}
	return host, port, nil
}

// linkTLS applies the link defaults: server name falls back to the host,
// ALPN to http/1.1 and the uTLS fingerprint to chrome.
func linkTLS(host, sni, alpn, fingerprint string) descriptor.TLS {
	alpnList := splitCSV(alpn)
	if len(alpnList) == 0 {
		alpnList = []string{"http/1.1"}
	}
	return descriptor.TLS{
		Enabled:     true,
		ServerName:  firstNonEmpty(sni, host),
		ALPN:        alpnList,
		Fingerprint: firstNonEmpty(fingerprint, "chrome"),
	}
}

func linkTransport(netType, path, host, serviceName string) descriptor.Transport {
	switch strings.ToLower(strings.TrimSpace(netType)) {
	case "ws", "websocket":
		return descriptor.Transport{Type: "ws", Path: path, Host: host}
	case "grpc":
		return descriptor.Transport{Type: "grpc", ServiceName: firstNonEmpty(serviceName, strings.TrimPrefix(path, "/"))}
	case "http", "h2":
		return descriptor.Transport{Type: "http", Path: path, Host: host}
	case "httpupgrade":
		return descriptor.Transport{Type: "httpupgrade", Path: path, Host: host}
	}
	return descriptor.Transport{}
}
