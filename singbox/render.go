// Package singbox renders descriptors as sing-box outbounds and assembles
// whole configuration documents from them.
package singbox

import (
	"encoding/json"
	"fmt"
	"strings"

	"subsync/descriptor"
)

// Outbound renders d as a sing-box outbound object tagged with tag.
func Outbound(d *descriptor.Descriptor, tag string) (map[string]any, error) {
	if d.Kind == descriptor.KindConfig {
		return configOutbound(d, tag)
	}
	out := map[string]any{
		"tag":    tag,
		"server": d.Server,
	}
	if d.Port > 0 {
		out["server_port"] = d.Port
	}
	switch d.Kind {
	case descriptor.KindSOCKS:
		out["type"] = "socks"
		out["version"] = "5"
		putString(out, "username", d.Username)
		putString(out, "password", d.Password)
	case descriptor.KindHTTP:
		out["type"] = "http"
		putString(out, "username", d.Username)
		putString(out, "password", d.Password)
		putTLS(out, d)
	case descriptor.KindVMess:
		out["type"] = "vmess"
		out["uuid"] = d.UUID
		out["security"] = firstNonBlank(d.Security, "auto")
		out["alter_id"] = d.AlterID
		putString(out, "packet_encoding", d.PacketEncoding)
		putTLS(out, d)
		putTransport(out, d)
		putMux(out, d)
	case descriptor.KindVLESS:
		out["type"] = "vless"
		out["uuid"] = d.UUID
		putString(out, "flow", d.Flow)
		putString(out, "packet_encoding", d.PacketEncoding)
		putTLS(out, d)
		putTransport(out, d)
		putMux(out, d)
	case descriptor.KindTrojan:
		out["type"] = "trojan"
		out["password"] = d.Password
		putTLS(out, d)
		putTransport(out, d)
		putMux(out, d)
	case descriptor.KindAnyTLS:
		out["type"] = "anytls"
		out["password"] = d.Password
		putTLS(out, d)
	case descriptor.KindHysteria:
		out["type"] = "hysteria"
		putPorts(out, d)
		putString(out, "obfs", d.Hysteria.Obfs)
		putString(out, "auth_str", d.Hysteria.Auth)
		putInt(out, "up_mbps", d.Hysteria.UpMbps)
		putInt(out, "down_mbps", d.Hysteria.DownMbps)
		putInt(out, "recv_window_conn", d.Hysteria.RecvWindowConn)
		putInt(out, "recv_window", d.Hysteria.RecvWindow)
		if d.Hysteria.DisableMTUDiscovery {
			out["disable_mtu_discovery"] = true
		}
		putTLS(out, d)
	case descriptor.KindHysteria2:
		out["type"] = "hysteria2"
		putPorts(out, d)
		putString(out, "password", d.Password)
		if d.Hysteria.Obfs != "" {
			out["obfs"] = map[string]any{"type": "salamander", "password": d.Hysteria.Obfs}
		}
		putInt(out, "up_mbps", d.Hysteria.UpMbps)
		putInt(out, "down_mbps", d.Hysteria.DownMbps)
		putTLS(out, d)
	case descriptor.KindTUIC:
		out["type"] = "tuic"
		out["uuid"] = d.UUID
		putString(out, "password", firstNonBlank(d.Password, d.TUIC.Token))
		putString(out, "congestion_control", d.TUIC.CongestionControl)
		putString(out, "udp_relay_mode", d.TUIC.UDPRelayMode)
		if d.TUIC.ReduceRTT {
			out["zero_rtt_handshake"] = true
		}
		putTLS(out, d)
		if tls, ok := out["tls"].(map[string]any); ok && d.TUIC.DisableSNI {
			tls["disable_sni"] = true
		}
	case descriptor.KindWireGuard:
		out["type"] = "wireguard"
		out["local_address"] = d.WireGuard.LocalAddress
		out["private_key"] = d.WireGuard.PrivateKey
		out["peer_public_key"] = d.WireGuard.PeerPublicKey
		putString(out, "pre_shared_key", d.WireGuard.PreSharedKey)
		putInt(out, "mtu", d.WireGuard.MTU)
		if len(d.WireGuard.Reserved) > 0 {
			out["reserved"] = d.WireGuard.Reserved
		}
	default:
		return nil, fmt.Errorf("unsupported descriptor kind %q", d.Kind)
	}
	return out, nil
}

func configOutbound(d *descriptor.Descriptor, tag string) (map[string]any, error) {
	if d.Config.Aggregate {
		return nil, fmt.Errorf("aggregate document is not a single outbound")
	}
	var out map[string]any
	dec := json.NewDecoder(strings.NewReader(d.Config.Raw))
	dec.UseNumber()
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("decode outbound config: %w", err)
	}
	if out == nil {
		return nil, fmt.Errorf("outbound config is empty")
	}
	out["tag"] = tag
	return out, nil
}

func putTLS(out map[string]any, d *descriptor.Descriptor) {
	if !d.TLS.Enabled {
		return
	}
	tls := map[string]any{"enabled": true}
	putString(tls, "server_name", d.TLS.ServerName)
	if d.TLS.Insecure {
		tls["insecure"] = true
	}
	if len(d.TLS.ALPN) > 0 {
		tls["alpn"] = d.TLS.ALPN
	}
	if d.TLS.Fingerprint != "" {
		tls["utls"] = map[string]any{"enabled": true, "fingerprint": d.TLS.Fingerprint}
	}
	if d.TLS.Reality() {
		reality := map[string]any{"enabled": true, "public_key": d.TLS.RealityPublicKey}
		putString(reality, "short_id", d.TLS.RealityShortID)
		tls["reality"] = reality
	}
	out["tls"] = tls
}

// putTransport fills the websocket defaults: path "/" and the server as
// Host header.
func putTransport(out map[string]any, d *descriptor.Descriptor) {
	t := d.Transport
	switch t.Type {
	case "ws":
		transport := map[string]any{
			"type":    "ws",
			"path":    firstNonBlank(t.Path, "/"),
			"headers": map[string]any{"Host": firstNonBlank(t.Host, d.Server)},
		}
		putInt(transport, "max_early_data", t.MaxEarlyData)
		putString(transport, "early_data_header_name", t.EarlyDataHeader)
		out["transport"] = transport
	case "grpc":
		transport := map[string]any{"type": "grpc"}
		putString(transport, "service_name", t.ServiceName)
		out["transport"] = transport
	case "http":
		transport := map[string]any{"type": "http"}
		if hosts := splitList(t.Host); len(hosts) > 0 {
			transport["host"] = hosts
		}
		putString(transport, "path", t.Path)
		out["transport"] = transport
	case "httpupgrade":
		transport := map[string]any{"type": "httpupgrade"}
		putString(transport, "host", t.Host)
		putString(transport, "path", t.Path)
		out["transport"] = transport
	}
}

func putMux(out map[string]any, d *descriptor.Descriptor) {
	if !d.Mux.Enabled {
		return
	}
	mux := map[string]any{"enabled": true}
	putInt(mux, "max_streams", d.Mux.MaxStreams)
	if d.Mux.Padding {
		mux["padding"] = true
	}
	out["multiplex"] = mux
}

// putPorts renders hop ranges such as "20000-30000,443" in sing-box form.
func putPorts(out map[string]any, d *descriptor.Descriptor) {
	if d.Port > 0 || d.Ports == "" {
		return
	}
	var ports []string
	for _, p := range splitList(d.Ports) {
		if strings.Contains(p, "-") {
			ports = append(ports, strings.Replace(p, "-", ":", 1))
			continue
		}
		ports = append(ports, p+":"+p)
	}
	out["server_ports"] = ports
}

func putString(m map[string]any, key, value string) {
	if value != "" {
		m[key] = value
	}
}

func putInt(m map[string]any, key string, value int) {
	if value != 0 {
		m[key] = value
	}
}

func firstNonBlank(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if v := strings.TrimSpace(part); v != "" {
			out = append(out, v)
		}
	}
	return out
}
