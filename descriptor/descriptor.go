package descriptor

import (
	"encoding/json"
	"net"
	"strconv"
	"strings"

	M "github.com/sagernet/sing/common/metadata"
)

type Kind string

const (
	KindSOCKS     Kind = "socks5"
	KindHTTP      Kind = "http"
	KindVMess     Kind = "vmess"
	KindVLESS     Kind = "vless"
	KindTrojan    Kind = "trojan"
	KindHysteria  Kind = "hysteria"
	KindHysteria2 Kind = "hysteria2"
	KindTUIC      Kind = "tuic"
	KindWireGuard Kind = "wireguard"
	KindAnyTLS    Kind = "anytls"
	KindConfig    Kind = "config"
)

// Names given to whole-document descriptors. Both count as aggregates.
const (
	AggregateAllName  = "sing-box config (all)"
	AggregateAutoName = "Auto select"
)

func (k Kind) Valid() bool {
	switch k {
	case KindSOCKS, KindHTTP, KindVMess, KindVLESS, KindTrojan, KindHysteria,
		KindHysteria2, KindTUIC, KindWireGuard, KindAnyTLS, KindConfig:
		return true
	}
	return false
}

type TLS struct {
	Enabled          bool     `json:"enabled,omitempty"`
	ServerName       string   `json:"server_name,omitempty"`
	Insecure         bool     `json:"insecure,omitempty"`
	ALPN             []string `json:"alpn,omitempty"`
	Fingerprint      string   `json:"fingerprint,omitempty"`
	RealityPublicKey string   `json:"reality_public_key,omitempty"`
	RealityShortID   string   `json:"reality_short_id,omitempty"`
}

func (t TLS) Reality() bool {
	return t.RealityPublicKey != ""
}

type Transport struct {
	Type            string `json:"type,omitempty"`
	Path            string `json:"path,omitempty"`
	Host            string `json:"host,omitempty"`
	ServiceName     string `json:"service_name,omitempty"`
	MaxEarlyData    int    `json:"max_early_data,omitempty"`
	EarlyDataHeader string `json:"early_data_header,omitempty"`
}

type Mux struct {
	Enabled    bool `json:"enabled,omitempty"`
	MaxStreams int  `json:"max_streams,omitempty"`
	Padding    bool `json:"padding,omitempty"`
}

type Hysteria struct {
	Protocol            string `json:"protocol,omitempty"`
	Obfs                string `json:"obfs,omitempty"`
	Auth                string `json:"auth,omitempty"`
	UpMbps              int    `json:"up_mbps,omitempty"`
	DownMbps            int    `json:"down_mbps,omitempty"`
	RecvWindowConn      int    `json:"recv_window_conn,omitempty"`
	RecvWindow          int    `json:"recv_window,omitempty"`
	DisableMTUDiscovery bool   `json:"disable_mtu_discovery,omitempty"`
}

type TUIC struct {
	Version           int    `json:"version,omitempty"`
	Token             string `json:"token,omitempty"`
	CongestionControl string `json:"congestion_control,omitempty"`
	UDPRelayMode      string `json:"udp_relay_mode,omitempty"`
	ReduceRTT         bool   `json:"reduce_rtt,omitempty"`
	DisableSNI        bool   `json:"disable_sni,omitempty"`
}

type WireGuard struct {
	LocalAddress  []string `json:"local_address,omitempty"`
	PrivateKey    string   `json:"private_key,omitempty"`
	PeerPublicKey string   `json:"peer_public_key,omitempty"`
	PreSharedKey  string   `json:"pre_shared_key,omitempty"`
	MTU           int      `json:"mtu,omitempty"`
	Reserved      []int    `json:"reserved,omitempty"`
}

// Config carries a verbatim JSON document. Aggregate documents hold a
// whole outbound set, the others a single outbound.
type Config struct {
	Aggregate bool   `json:"aggregate,omitempty"`
	Raw       string `json:"raw,omitempty"`
}

// Descriptor is the normalized form of one endpoint. Only the option
// blocks that belong to Kind are meaningful.
type Descriptor struct {
	Kind           Kind      `json:"kind"`
	Name           string    `json:"name,omitempty"`
	Server         string    `json:"server,omitempty"`
	Port           int       `json:"port,omitempty"`
	Ports          string    `json:"ports,omitempty"`
	Username       string    `json:"username,omitempty"`
	Password       string    `json:"password,omitempty"`
	UUID           string    `json:"uuid,omitempty"`
	AlterID        int       `json:"alter_id,omitempty"`
	Security       string    `json:"security,omitempty"`
	Flow           string    `json:"flow,omitempty"`
	PacketEncoding string    `json:"packet_encoding,omitempty"`
	TLS            TLS       `json:"tls"`
	Transport      Transport `json:"transport"`
	Mux            Mux       `json:"mux"`
	Hysteria       Hysteria  `json:"hysteria"`
	TUIC           TUIC      `json:"tuic"`
	WireGuard      WireGuard `json:"wireguard"`
	Config         Config    `json:"config"`
}

func (d *Descriptor) IsAggregate() bool {
	return d != nil && d.Kind == KindConfig && d.Config.Aggregate
}

// DisplayName is the reconciliation key: the name, or host:port when the
// name is blank.
func (d *Descriptor) DisplayName() string {
	if name := strings.TrimSpace(d.Name); name != "" {
		return name
	}
	if d.Server == "" {
		return string(d.Kind)
	}
	port := d.Ports
	if d.Port > 0 {
		port = strconv.Itoa(d.Port)
	}
	return net.JoinHostPort(d.Server, port)
}

func (d *Descriptor) Clone() *Descriptor {
	if d == nil {
		return nil
	}
	out := *d
	out.TLS.ALPN = append([]string(nil), d.TLS.ALPN...)
	out.WireGuard.LocalAddress = append([]string(nil), d.WireGuard.LocalAddress...)
	out.WireGuard.Reserved = append([]int(nil), d.WireGuard.Reserved...)
	return &out
}

// Equal reports field-for-field equality, name included.
func (d *Descriptor) Equal(other *Descriptor) bool {
	if d == nil || other == nil {
		return d == other
	}
	a, errA := json.Marshal(d)
	b, errB := json.Marshal(other)
	return errA == nil && errB == nil && string(a) == string(b)
}

// ConfigHost returns the first address-like key of an opaque document.
func (d *Descriptor) ConfigHost() string {
	if d.Kind != KindConfig || strings.TrimSpace(d.Config.Raw) == "" {
		return ""
	}
	var doc map[string]any
	if err := json.Unmarshal([]byte(d.Config.Raw), &doc); err != nil {
		return ""
	}
	for _, key := range []string{"server", "address", "server_address"} {
		if v, ok := doc[key].(string); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

// IsIP reports whether host is an IPv4/IPv6 literal, brackets allowed.
func IsIP(host string) bool {
	host = strings.TrimSuffix(strings.TrimPrefix(strings.TrimSpace(host), "["), "]")
	if host == "" {
		return false
	}
	return M.ParseSocksaddrHostPort(host, 0).IsIP()
}
