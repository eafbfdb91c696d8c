// internal/gateway/payload.go
package gateway

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/linhtrum/gateway-app-sub000/internal/modbus"
	"github.com/linhtrum/gateway-app-sub000/internal/model"
)

// sessionPayloads are the heartbeat and registration bytes of one session
type sessionPayloads struct {
	heartbeat    []byte
	registration []byte
}

// buildPayloads resolves both configured payloads. Hex payloads are
// decoded here, once per session.
func buildPayloads(cfg model.SocketConfig, id model.Identity) (sessionPayloads, error) {
	var p sessionPayloads
	var err error

	if cfg.HasHeartbeat() {
		if p.heartbeat, err = payloadBytes(cfg.HeartbeatType, cfg.HeartbeatPayload, id); err != nil {
			return p, fmt.Errorf("heartbeat: %w", err)
		}
	}
	if cfg.HasRegistration() {
		if p.registration, err = payloadBytes(cfg.RegistrationType, cfg.RegistrationPayload, id); err != nil {
			return p, fmt.Errorf("registration: %w", err)
		}
	}
	return p, nil
}

func payloadBytes(kind model.PayloadType, custom string, id model.Identity) ([]byte, error) {
	var value string
	switch kind {
	case "", model.PayloadNone:
		return nil, nil
	case model.PayloadASCII:
		value = custom
	case model.PayloadHex:
		clean := strings.NewReplacer(" ", "", ":", "", "-", "").Replace(custom)
		b, err := hex.DecodeString(clean)
		if err != nil {
			return nil, fmt.Errorf("%w: bad hex payload %q: %v", modbus.ErrInvalid, custom, err)
		}
		value = string(b)
	case model.PayloadIMEI:
		value = id.IMEI
	case model.PayloadSN:
		value = id.SN
	case model.PayloadICCID:
		value = id.ICCID
	case model.PayloadMAC:
		value = id.MAC
	default:
		return nil, fmt.Errorf("%w: unknown payload type %q", modbus.ErrInvalid, kind)
	}
	if value == "" {
		return nil, fmt.Errorf("%w: empty %s payload", modbus.ErrInvalid, kind)
	}
	return []byte(value), nil
}
