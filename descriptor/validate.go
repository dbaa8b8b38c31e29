package descriptor

import (
	"encoding/json"
	"fmt"
	"strings"
)

func (d *Descriptor) Validate() error {
	if d == nil {
		return fmt.Errorf("nil descriptor")
	}
	if !d.Kind.Valid() {
		return fmt.Errorf("unknown kind %q", d.Kind)
	}
	if d.Kind == KindConfig {
		raw := strings.TrimSpace(d.Config.Raw)
		if raw == "" {
			return fmt.Errorf("config document is empty")
		}
		if !json.Valid([]byte(raw)) {
			return fmt.Errorf("config document is not valid json")
		}
		return nil
	}
	if strings.TrimSpace(d.Server) == "" {
		return fmt.Errorf("%s: server is required", d.Kind)
	}
	if d.Port < 0 || d.Port > 65535 {
		return fmt.Errorf("%s: port %d out of range", d.Kind, d.Port)
	}
	hopping := d.Kind == KindHysteria || d.Kind == KindHysteria2
	if d.Port == 0 && !(hopping && strings.TrimSpace(d.Ports) != "") {
		return fmt.Errorf("%s: port is required", d.Kind)
	}
	switch d.Kind {
	case KindVMess, KindVLESS:
		if strings.TrimSpace(d.UUID) == "" {
			return fmt.Errorf("%s: uuid is required", d.Kind)
		}
	case KindTrojan, KindAnyTLS:
		if d.Password == "" {
			return fmt.Errorf("%s: password is required", d.Kind)
		}
	case KindTUIC:
		if d.UUID == "" && d.TUIC.Token == "" {
			return fmt.Errorf("tuic: uuid or token is required")
		}
	case KindWireGuard:
		if d.WireGuard.PrivateKey == "" {
			return fmt.Errorf("wireguard: private key is required")
		}
		if d.WireGuard.PeerPublicKey == "" {
			return fmt.Errorf("wireguard: peer public key is required")
		}
	}
	return nil
}
