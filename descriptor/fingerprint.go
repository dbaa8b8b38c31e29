package descriptor

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"strings"
)

// Fingerprint identifies the endpoint a descriptor connects to. Two
// descriptors that differ only by name share a fingerprint.
func (d *Descriptor) Fingerprint() string {
	var parts []string
	if d.Kind == KindConfig {
		parts = []string{string(d.Kind), strconv.FormatBool(d.Config.Aggregate), canonicalConfig(d.Config.Raw)}
	} else {
		parts = []string{
			string(d.Kind),
			strings.ToLower(strings.TrimSpace(d.Server)),
			strconv.Itoa(d.Port),
			d.Ports,
			d.Username,
			d.Password,
			d.UUID,
			strconv.Itoa(d.AlterID),
			d.Security,
			d.Flow,
			strconv.FormatBool(d.TLS.Enabled),
			strings.ToLower(d.TLS.ServerName),
			d.TLS.RealityPublicKey,
			d.TLS.RealityShortID,
			d.Transport.Type,
			d.Transport.Path,
			strings.ToLower(d.Transport.Host),
			d.Transport.ServiceName,
			d.Hysteria.Obfs,
			d.Hysteria.Auth,
			d.TUIC.Token,
			d.WireGuard.PrivateKey,
			d.WireGuard.PeerPublicKey,
			d.WireGuard.PreSharedKey,
			strings.Join(d.WireGuard.LocalAddress, ","),
		}
	}
	sum := sha1.Sum([]byte(strings.Join(parts, "\x00")))
	return hex.EncodeToString(sum[:])
}

// canonicalConfig re-encodes a document with sorted keys and without its
// tag, so renamed copies of the same outbound collapse.
func canonicalConfig(raw string) string {
	var doc any
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return strings.TrimSpace(raw)
	}
	if obj, ok := doc.(map[string]any); ok {
		delete(obj, "tag")
	}
	out, err := json.Marshal(doc)
	if err != nil {
		return strings.TrimSpace(raw)
	}
	return string(out)
}
