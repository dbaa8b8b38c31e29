package parser

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"testing"

	"subsync/descriptor"
)

func TestParseRawYAMLTrojan(t *testing.T) {
	raw := `
proxies:
  - name: t1
    type: trojan
    server: a.example
    port: 443
    password: secret
    sni: s.example
    skip-cert-verify: true
  - name: unknown
    type: snell
    server: b.example
    port: 1
  - name: broken
    type: vmess
    server: c.example
`
	list, err := ParseRaw(raw, "")
	if err != nil {
		t.Fatalf("unexpected parse error: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected 1 descriptor, got %d", len(list))
	}
	d := list[0]
	if d.Kind != descriptor.KindTrojan || d.Server != "a.example" || d.Port != 443 || d.Password != "secret" {
		t.Fatalf("unexpected trojan descriptor: %+v", d)
	}
	if !d.TLS.Enabled || d.TLS.ServerName != "s.example" || !d.TLS.Insecure {
		t.Fatalf("unexpected tls block: %+v", d.TLS)
	}
}

func TestParseYAMLNestedBlocks(t *testing.T) {
	raw := `
global-client-fingerprint: firefox
proxies:
  - name: v1
    type: vless
    server: 1.2.3.4
    port: 443
    uuid: 11111111-1111-1111-1111-111111111111
    tls: true
    network: ws
    ws-opts:
      path: /ws
      headers:
        Host: cdn.example
    reality-opts:
      public-key: abc
      short-id: "01"
  - name: v2
    type: vmess
    server: 5.6.7.8
    port: 8080
    uuid: 22222222-2222-2222-2222-222222222222
    alterId: 0
    cipher: dummy
    ws-opts: not-a-map
    smux:
      enabled: true
      max-streams: 8
`
	list, err := ParseYAML(raw)
	if err != nil {
		t.Fatalf("unexpected parse error: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 descriptors, got %d", len(list))
	}
	vless := list[0]
	if vless.Transport.Type != "ws" || vless.Transport.Path != "/ws" || vless.Transport.Host != "cdn.example" {
		t.Fatalf("unexpected ws transport: %+v", vless.Transport)
	}
	if vless.TLS.ServerName != "cdn.example" {
		t.Fatalf("expected sni from transport host, got %q", vless.TLS.ServerName)
	}
	if vless.TLS.Fingerprint != "firefox" {
		t.Fatalf("expected global fingerprint, got %q", vless.TLS.Fingerprint)
	}
	if vless.TLS.RealityShortID != "01" || vless.PacketEncoding != "xudp" {
		t.Fatalf("unexpected vless fields: %+v", vless)
	}
	vmess := list[1]
	if vmess.Transport.Path != "" || vmess.Security != "none" {
		t.Fatalf("unexpected vmess fields: %+v", vmess)
	}
	if !vmess.Mux.Enabled || vmess.Mux.MaxStreams != 8 {
		t.Fatalf("unexpected smux block: %+v", vmess.Mux)
	}
}

func TestParseYAMLRealityFingerprintFallback(t *testing.T) {
	raw := `
proxies:
  - {name: r, type: vless, server: h.example, port: 443, uuid: u, reality-opts: {public-key: k}}
`
	list, err := ParseYAML(raw)
	if err != nil || len(list) != 1 {
		t.Fatalf("unexpected parse result: %v %d", err, len(list))
	}
	if list[0].TLS.Fingerprint != "chrome" {
		t.Fatalf("unexpected fingerprint: %q", list[0].TLS.Fingerprint)
	}
	if !list[0].TLS.Enabled {
		t.Fatalf("reality block should enable tls")
	}
}

func TestParseYAMLHysteriaAndTUIC(t *testing.T) {
	raw := `
proxies:
  - name: h1
    type: hysteria
    server: h.example
    port: 443
    ports: 20000-30000
    auth_str: token
    up: "50 Mbps"
  - name: tu
    type: tuic
    server: tuic.example
    ip: 9.9.9.9
    port: 443
    uuid: u
    password: p
`
	list, err := ParseYAML(raw)
	if err != nil || len(list) != 2 {
		t.Fatalf("unexpected parse result: %v %d", err, len(list))
	}
	h := list[0]
	if h.Ports != "20000-30000" || h.Port != 0 || h.Hysteria.UpMbps != 50 || h.Hysteria.DownMbps != 100 {
		t.Fatalf("unexpected hysteria descriptor: %+v", h)
	}
	if len(h.TLS.ALPN) != 1 || h.TLS.ALPN[0] != "h3" {
		t.Fatalf("unexpected hysteria alpn: %v", h.TLS.ALPN)
	}
	tu := list[1]
	if tu.Server != "9.9.9.9" || tu.TLS.ServerName != "tuic.example" || tu.TUIC.Version != 5 {
		t.Fatalf("unexpected tuic descriptor: %+v", tu)
	}
}

const wgKey = "yAnz5TF+lXXJte14tji3zlMNq+hd2rYUIgJBgB3fBmk="

func TestParseRawWireGuardSkipsInvalidPeer(t *testing.T) {
	raw := `
[Interface]
Address = 10.0.0.2/32, fd00::2/128
PrivateKey = ` + wgKey + `
MTU = 1280

[Peer]
PublicKey = ` + wgKey + `
Endpoint = 1.2.3.4:51820

[Peer]
PublicKey = ` + wgKey + `
Endpoint = no-port-here
`
	list, err := ParseRaw(raw, "home.conf")
	if err != nil {
		t.Fatalf("unexpected parse error: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected 1 descriptor, got %d", len(list))
	}
	d := list[0]
	if d.Server != "1.2.3.4" || d.Port != 51820 || d.Name != "home" {
		t.Fatalf("unexpected wireguard descriptor: %+v", d)
	}
	if len(d.WireGuard.LocalAddress) != 2 || d.WireGuard.MTU != 1280 || d.WireGuard.PrivateKey != wgKey {
		t.Fatalf("unexpected interface fields: %+v", d.WireGuard)
	}
}

func TestParseRawWireGuardWithoutPeersFails(t *testing.T) {
	raw := `
[Interface]
Address = 10.0.0.2/32
PrivateKey = ` + wgKey + `

[Peer]
Endpoint = 1.2.3.4:51820

# trojan://pw@fallback.example:443
`
	_, err := ParseRaw(raw, "")
	if err == nil {
		t.Fatalf("expected wireguard error")
	}
	if errors.Is(err, ErrNoMatch) {
		t.Fatalf("expected a wireguard failure, got no-match: %v", err)
	}
}

func TestParseRawSingBoxDocument(t *testing.T) {
	raw := `{"outbounds":[
  {"type":"vless","tag":"v","server":"h","server_port":443,"uuid":"u"},
  {"type":"direct","tag":"direct"},
  {"type":"selector","tag":"proxy","outbounds":["v"]}
]}`
	list, err := ParseRaw(raw, "")
	if err != nil {
		t.Fatalf("unexpected parse error: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 descriptors, got %d", len(list))
	}
	if !list[0].IsAggregate() || list[0].Name != descriptor.AggregateAllName {
		t.Fatalf("expected aggregate first: %+v", list[0])
	}
	if list[1].IsAggregate() || list[1].Name != "v" {
		t.Fatalf("unexpected outbound descriptor: %+v", list[1])
	}
	var outbound map[string]any
	if err := json.Unmarshal([]byte(list[1].Config.Raw), &outbound); err != nil {
		t.Fatalf("outbound config is not json: %v", err)
	}
	if outbound["uuid"] != "u" {
		t.Fatalf("outbound not carried verbatim: %v", outbound)
	}
}

func TestParseJSONClientConfigs(t *testing.T) {
	raw := `[
  {"server":"h.example:443","up_mbps":10,"down_mbps":"50 Mbps","auth_str":"a","server_name":"sni.example"},
  {"remote_addr":"t.example","remote_port":8443,"password":["pw"],"websocket":{"enabled":true,"path":"/x"}},
  {"server":"o.example","server_port":1,"type":"shadowtls","tag":"o"},
  "ignored"
]`
	list, err := ParseJSON([]byte(raw))
	if err != nil {
		t.Fatalf("unexpected parse error: %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("expected 3 descriptors, got %d", len(list))
	}
	if list[0].Kind != descriptor.KindHysteria || list[0].Port != 443 || list[0].Hysteria.DownMbps != 50 {
		t.Fatalf("unexpected hysteria descriptor: %+v", list[0])
	}
	if list[1].Kind != descriptor.KindTrojan || list[1].Password != "pw" || list[1].Transport.Type != "ws" {
		t.Fatalf("unexpected trojan-go descriptor: %+v", list[1])
	}
	if list[2].Kind != descriptor.KindConfig || list[2].Name != "o" {
		t.Fatalf("unexpected opaque descriptor: %+v", list[2])
	}
}

func TestParseRawBase64Links(t *testing.T) {
	links := "trojan://pw@a.example:443#A\nvless://11111111-1111-1111-1111-111111111111@b.example:8443?type=ws&path=%2Fws#B\n"
	raw := base64.StdEncoding.EncodeToString([]byte(links))
	list, err := ParseRaw(raw, "")
	if err != nil {
		t.Fatalf("unexpected parse error: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 descriptors, got %d", len(list))
	}
	if list[0].Name != "A" || list[1].Name != "B" {
		t.Fatalf("unexpected names: %q %q", list[0].Name, list[1].Name)
	}
	if !list[1].TLS.Enabled {
		t.Fatalf("expected tls on well-known port 8443")
	}
}

func TestParseRawNoMatch(t *testing.T) {
	if _, err := ParseRaw("hello world\nnothing here", ""); !errors.Is(err, ErrNoMatch) {
		t.Fatalf("expected ErrNoMatch, got %v", err)
	}
	if _, err := ParseRaw("   ", ""); !errors.Is(err, ErrNoMatch) {
		t.Fatalf("expected ErrNoMatch for blank input, got %v", err)
	}
}

func TestParseRawStripsByteOrderMark(t *testing.T) {
	list, err := ParseRaw("\ufefftrojan://pw@a.example:443#A\n", "")
	if err != nil {
		t.Fatalf("unexpected parse error: %v", err)
	}
	if len(list) != 1 || list[0].Server != "a.example" {
		t.Fatalf("unexpected descriptors: %+v", list)
	}
}

func TestParseRawKeepsRepeatedLinks(t *testing.T) {
	list, err := ParseRaw("trojan://pw@a.example:443#A\ntrojan://pw@a.example:443#A\n", "")
	if err != nil {
		t.Fatalf("unexpected parse error: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected both copies, got %d", len(list))
	}
}

func TestParseRawDetectorPrecedence(t *testing.T) {
	const yamlDoc = `
proxies:
  - name: y
    type: trojan
    server: y.example
    port: 443
    password: secret
`
	const wgDoc = `
[Interface]
Address = 10.0.0.2/32
PrivateKey = ` + wgKey + `

[Peer]
PublicKey = ` + wgKey + `
Endpoint = 1.2.3.4:51820
`
	const link = "trojan://pw@fallback.example:443#L"

	cases := []struct {
		name   string
		raw    string
		kind   descriptor.Kind
		server string
	}{
		{"yaml over links", yamlDoc + "# " + link + "\n", descriptor.KindTrojan, "y.example"},
		{"yaml over wireguard", yamlDoc + "# [Interface]\n", descriptor.KindTrojan, "y.example"},
		{"yaml over json", yamlDoc + "# {\"server\":\"j.example\",\"server_port\":1}\n", descriptor.KindTrojan, "y.example"},
		{"wireguard over links", wgDoc + "# " + link + "\n", descriptor.KindWireGuard, "1.2.3.4"},
		{"wireguard over json", wgDoc + "# {\"server\":\"j.example\",\"server_port\":1}\n", descriptor.KindWireGuard, "1.2.3.4"},
		{"json over links", `{"type":"trojan","tag":"j","server":"j.example","server_port":443,"note":"` + link + `"}`, descriptor.KindConfig, ""},
	}
	for _, tc := range cases {
		list, err := ParseRaw(tc.raw, "")
		if err != nil {
			t.Fatalf("%s: unexpected parse error: %v", tc.name, err)
		}
		if len(list) != 1 {
			t.Fatalf("%s: expected 1 descriptor, got %d", tc.name, len(list))
		}
		if list[0].Kind != tc.kind || list[0].Server != tc.server {
			t.Fatalf("%s: unexpected descriptor: %+v", tc.name, list[0])
		}
	}
}

func TestParseRawCommittedDetectorFailure(t *testing.T) {
	const link = "trojan://pw@fallback.example:443#L"
	cases := []struct {
		name    string
		raw     string
		noMatch bool
	}{
		{"broken yaml", "proxies: [\n  " + link + "\n", false},
		{"yaml without list", "proxies: none\n" + link + "\n", false},
		{"wireguard without interface address", "[Interface]\nPrivateKey = " + wgKey + "\n" + link + "\n", false},
		{"json with bad outbounds", `{"outbounds": {}, "note": "` + link + `"}`, false},
		{"json without cue", `{"note": "` + link + `"}`, true},
		{"json array without entries", `["` + link + `"]`, true},
	}
	for _, tc := range cases {
		list, err := ParseRaw(tc.raw, "")
		if err == nil {
			t.Fatalf("%s: expected error, got %d descriptors", tc.name, len(list))
		}
		if errors.Is(err, ErrNoMatch) != tc.noMatch {
			t.Fatalf("%s: unexpected error kind: %v", tc.name, err)
		}
		if len(list) != 0 {
			t.Fatalf("%s: unexpected descriptors: %+v", tc.name, list)
		}
	}
}
