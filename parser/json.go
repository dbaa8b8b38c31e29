package parser

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/chen3feng/stl4go"

	"subsync/descriptor"
)

// Outbound types that route traffic rather than describe an endpoint.
var routingOutboundTypes = stl4go.MakeBuiltinSetOf("dns", "block", "direct", "selector", "urltest")

// IsRoutingOutbound reports whether an outbound type only routes traffic.
func IsRoutingOutbound(typ string) bool {
	return routingOutboundTypes.Has(typ)
}

// ParseJSON classifies a JSON document. Arrays are walked element by
// element; objects are matched against known client formats.
func ParseJSON(raw []byte) ([]*descriptor.Descriptor, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, fmt.Errorf("empty json")
	}
	switch raw[0] {
	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal(raw, &items); err != nil {
			return nil, err
		}
		var out []*descriptor.Descriptor
		for _, item := range items {
			item = bytes.TrimSpace(item)
			if len(item) == 0 || item[0] != '{' {
				continue
			}
			list, err := parseJSONObject(item)
			if err != nil {
				continue
			}
			out = append(out, list...)
		}
		return out, nil
	case '{':
		return parseJSONObject(raw)
	default:
		return nil, fmt.Errorf("json value is neither object nor array")
	}
}

func parseJSONObject(raw []byte) ([]*descriptor.Descriptor, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	has := func(key string) bool {
		_, ok := fields[key]
		return ok
	}

	switch {
	case has("server") && (has("up") || has("up_mbps")):
		d, err := parseHysteria1JSON(raw)
		if err != nil {
			return nil, err
		}
		return keepValid([]*descriptor.Descriptor{d}, "hysteria json"), nil
	case has("remote_addr"):
		d, err := parseTrojanGoJSON(raw)
		if err != nil {
			return nil, err
		}
		return keepValid([]*descriptor.Descriptor{d}, "trojan-go json"), nil
	case has("outbounds"):
		return parseSingBoxDocument(raw, fields["outbounds"])
	case has("server") && has("server_port"):
		d := &descriptor.Descriptor{
			Kind:   descriptor.KindConfig,
			Name:   jsonTag(raw),
			Config: descriptor.Config{Raw: prettyJSON(raw)},
		}
		return keepValid([]*descriptor.Descriptor{d}, "outbound json"), nil
	}
	return nil, nil
}

func parseSingBoxDocument(raw []byte, outboundsRaw json.RawMessage) ([]*descriptor.Descriptor, error) {
	var outbounds []json.RawMessage
	if err := json.Unmarshal(outboundsRaw, &outbounds); err != nil {
		return nil, fmt.Errorf("outbounds is not an array: %w", err)
	}
	out := []*descriptor.Descriptor{{
		Kind:   descriptor.KindConfig,
		Name:   descriptor.AggregateAllName,
		Config: descriptor.Config{Aggregate: true, Raw: prettyJSON(raw)},
	}}
	for _, item := range outbounds {
		var head struct {
			Type string `json:"type"`
			Tag  string `json:"tag"`
		}
		if err := json.Unmarshal(item, &head); err != nil {
			continue
		}
		if head.Type == "" || IsRoutingOutbound(head.Type) {
			continue
		}
		out = append(out, &descriptor.Descriptor{
			Kind:   descriptor.KindConfig,
			Name:   head.Tag,
			Config: descriptor.Config{Raw: prettyJSON(item)},
		})
	}
	return keepValid(out, "sing-box json"), nil
}

type hysteria1JSON struct {
	Server              string          `json:"server"`
	Protocol            string          `json:"protocol"`
	Obfs                string          `json:"obfs"`
	AuthStr             string          `json:"auth_str"`
	Up                  json.RawMessage `json:"up"`
	UpMbps              json.RawMessage `json:"up_mbps"`
	Down                json.RawMessage `json:"down"`
	DownMbps            json.RawMessage `json:"down_mbps"`
	ServerName          string          `json:"server_name"`
	Insecure            bool            `json:"insecure"`
	ALPN                string          `json:"alpn"`
	RecvWindowConn      int             `json:"recv_window_conn"`
	RecvWindow          int             `json:"recv_window"`
	DisableMTUDiscovery bool            `json:"disable_mtu_discovery"`
}

func parseHysteria1JSON(raw []byte) (*descriptor.Descriptor, error) {
	var v hysteria1JSON
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	idx := strings.LastIndex(v.Server, ":")
	if idx <= 0 {
		return nil, fmt.Errorf("hysteria server %q has no port", v.Server)
	}
	d := &descriptor.Descriptor{
		Kind:   descriptor.KindHysteria,
		Server: strings.Trim(v.Server[:idx], "[]"),
		Hysteria: descriptor.Hysteria{
			Protocol:            v.Protocol,
			Obfs:                v.Obfs,
			Auth:                v.AuthStr,
			UpMbps:              jsonMbps(v.UpMbps, v.Up),
			DownMbps:            jsonMbps(v.DownMbps, v.Down),
			RecvWindowConn:      v.RecvWindowConn,
			RecvWindow:          v.RecvWindow,
			DisableMTUDiscovery: v.DisableMTUDiscovery,
		},
		TLS: descriptor.TLS{
			Enabled:    true,
			ServerName: v.ServerName,
			Insecure:   v.Insecure,
			ALPN:       splitCSV(v.ALPN),
		},
	}
	ports := v.Server[idx+1:]
	if n, err := parseIntStrict(ports, 1, 65535); err == nil {
		d.Port = n
	} else {
		d.Ports = ports
	}
	return d, nil
}

func jsonMbps(values ...json.RawMessage) int {
	for _, raw := range values {
		if len(raw) == 0 {
			continue
		}
		var n int
		if err := json.Unmarshal(raw, &n); err == nil {
			return n
		}
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			if n := leadingInt(s, 0); n > 0 {
				return n
			}
		}
	}
	return 0
}

type trojanGoJSON struct {
	RemoteAddr string   `json:"remote_addr"`
	RemotePort int      `json:"remote_port"`
	Password   []string `json:"password"`
	SSL        struct {
		SNI         string   `json:"sni"`
		Verify      *bool    `json:"verify"`
		ALPN        []string `json:"alpn"`
		Fingerprint string   `json:"fingerprint"`
	} `json:"ssl"`
	WebSocket struct {
		Enabled bool   `json:"enabled"`
		Path    string `json:"path"`
		Host    string `json:"host"`
	} `json:"websocket"`
	Mux struct {
		Enabled     bool `json:"enabled"`
		Concurrency int  `json:"concurrency"`
	} `json:"mux"`
}

func parseTrojanGoJSON(raw []byte) (*descriptor.Descriptor, error) {
	var v trojanGoJSON
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	d := &descriptor.Descriptor{
		Kind:   descriptor.KindTrojan,
		Server: v.RemoteAddr,
		Port:   v.RemotePort,
		TLS: descriptor.TLS{
			Enabled:     true,
			ServerName:  v.SSL.SNI,
			ALPN:        v.SSL.ALPN,
			Fingerprint: v.SSL.Fingerprint,
			Insecure:    v.SSL.Verify != nil && !*v.SSL.Verify,
		},
		Mux: descriptor.Mux{Enabled: v.Mux.Enabled, MaxStreams: v.Mux.Concurrency},
	}
	if d.Port == 0 {
		d.Port = 443
	}
	if len(v.Password) > 0 {
		d.Password = v.Password[0]
	}
	if v.WebSocket.Enabled {
		d.Transport = descriptor.Transport{Type: "ws", Path: v.WebSocket.Path, Host: v.WebSocket.Host}
	}
	return d, nil
}

func jsonTag(raw []byte) string {
	var head struct {
		Tag string `json:"tag"`
	}
	_ = json.Unmarshal(raw, &head)
	return strings.TrimSpace(head.Tag)
}

// prettyJSON re-indents without reordering keys.
func prettyJSON(raw []byte) string {
	var buf bytes.Buffer
	if err := json.Indent(&buf, bytes.TrimSpace(raw), "", "  "); err != nil {
		return string(raw)
	}
	return buf.String()
}

func jsonPort(raw json.RawMessage) int {
	var n int
	if err := json.Unmarshal(raw, &n); err == nil {
		return n
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		n, _ = strconv.Atoi(strings.TrimSpace(s))
	}
	return n
}
