package parser

import (
	"encoding/base64"
	"encoding/json"
	"testing"

	"subsync/descriptor"
)

func TestParseLinkVLESSTLS(t *testing.T) {
	d, err := ParseLink("vless://11111111-1111-1111-1111-111111111111@example.com:443?security=tls&sni=foo.com")
	if err != nil {
		t.Fatalf("unexpected parse error: %v", err)
	}
	if d.Server != "example.com" || d.Port != 443 {
		t.Fatalf("unexpected address: %s:%d", d.Server, d.Port)
	}
	if !d.TLS.Enabled || d.TLS.ServerName != "foo.com" {
		t.Fatalf("unexpected tls: %+v", d.TLS)
	}
	if d.TLS.Fingerprint != "chrome" || len(d.TLS.ALPN) != 1 || d.TLS.ALPN[0] != "http/1.1" {
		t.Fatalf("unexpected tls defaults: %+v", d.TLS)
	}
}

func TestParseLinkVLESSPlainPort(t *testing.T) {
	d, err := ParseLink("vless://u@example.com:8080?type=grpc&serviceName=svc")
	if err != nil {
		t.Fatalf("unexpected parse error: %v", err)
	}
	if d.TLS.Enabled {
		t.Fatalf("tls should stay off on port 8080")
	}
	if d.Transport.Type != "grpc" || d.Transport.ServiceName != "svc" {
		t.Fatalf("unexpected transport: %+v", d.Transport)
	}
}

func TestParseLinkVLESSReality(t *testing.T) {
	d, err := ParseLink("vless://u@example.com?security=reality&pbk=KEY&sid=ab&flow=xtls-rprx-vision")
	if err != nil {
		t.Fatalf("unexpected parse error: %v", err)
	}
	if d.Port != 443 || d.TLS.RealityPublicKey != "KEY" || d.TLS.RealityShortID != "ab" || d.Flow != "xtls-rprx-vision" {
		t.Fatalf("unexpected reality descriptor: %+v", d)
	}
}

func TestParseLinkVMess(t *testing.T) {
	payload, _ := json.Marshal(map[string]any{
		"ps": "vm", "add": "v.example", "port": 443, "id": "id-1", "aid": "0",
		"net": "ws", "path": "/p", "host": "cdn.example", "tls": "tls",
	})
	d, err := ParseLink("vmess://" + base64.StdEncoding.EncodeToString(payload))
	if err != nil {
		t.Fatalf("unexpected parse error: %v", err)
	}
	if d.Kind != descriptor.KindVMess || d.Name != "vm" || d.Port != 443 || d.Security != "auto" {
		t.Fatalf("unexpected vmess descriptor: %+v", d)
	}
	if d.TLS.ServerName != "v.example" || d.Transport.Host != "cdn.example" {
		t.Fatalf("unexpected vmess tls/transport: %+v %+v", d.TLS, d.Transport)
	}

	payload, _ = json.Marshal(map[string]any{
		"add": "v.example", "port": 443, "id": "id-1", "net": "ws", "host": "cdn.example",
		"tls": "tls", "sni": "sni.example",
	})
	d, err = ParseLink("vmess://" + base64.StdEncoding.EncodeToString(payload))
	if err != nil {
		t.Fatalf("unexpected parse error: %v", err)
	}
	if d.TLS.ServerName != "sni.example" {
		t.Fatalf("unexpected vmess server name: %q", d.TLS.ServerName)
	}
}

func TestParseLinkHysteria2RequiresPort(t *testing.T) {
	if _, err := ParseLink("hy2://pw@h.example?sni=x"); err == nil {
		t.Fatalf("expected error without port")
	}
	d, err := ParseLink("hysteria2://h.example:8443?password=pw&obfs-password=o#hy")
	if err != nil {
		t.Fatalf("unexpected parse error: %v", err)
	}
	if d.Password != "pw" || !d.TLS.Insecure || d.Hysteria.Obfs != "o" || d.Name != "hy" {
		t.Fatalf("unexpected hysteria2 descriptor: %+v", d)
	}
}

func TestParseLinkMissingCredential(t *testing.T) {
	for _, link := range []string{
		"trojan://a.example:443",
		"vless://@a.example:443",
		"tuic://a.example:443",
		"ss://YWVzLTEyOC1nY206cGFzcw@a.example:8388",
	} {
		if _, err := ParseLink(link); err == nil {
			t.Fatalf("expected error for %q", link)
		}
	}
}

func TestExtractLinks(t *testing.T) {
	inner := base64.StdEncoding.EncodeToString([]byte("trojan://b@b.example:443"))
	text := "header trojan://a@a.example:443 footer\n" +
		"data:text/plain;base64," + inner + "\n" +
		"trojan://a@a.example:443\n"
	links := ExtractLinks(text)
	if len(links) != 3 {
		t.Fatalf("expected 3 links, got %v", links)
	}
	if links[0] != "trojan://a@a.example:443" || links[1] != "trojan://b@b.example:443" || links[2] != links[0] {
		t.Fatalf("unexpected links: %v", links)
	}
}
