package kasa

import (
	"fmt"

	kerrors "github.com/johnpr01/go-kasa/internal/errors"
	"github.com/johnpr01/go-kasa/pkg/kasa/config"
	"github.com/johnpr01/go-kasa/pkg/kasa/device"
	"github.com/johnpr01/go-kasa/pkg/kasa/metrics"
	"github.com/johnpr01/go-kasa/pkg/kasa/protocol"
	"github.com/johnpr01/go-kasa/pkg/kasa/transport"
)

// NewDevice is the C8 factory: given a DeviceConfig (typically
// produced by discovery or deserialised from a previous session), it
// selects and builds the matching transport + protocol pairing and
// returns a negotiated-ready *device.Device. This is the one place in
// the module that knows which encryption type pairs with which wire
// framing.
func NewDevice(cfg config.DeviceConfig) (*device.Device, error) {
	return NewDeviceWithMetrics(cfg, nil)
}

// NewDeviceWithMetrics is NewDevice plus a Collector the resulting
// device (and, process-wide, every protocol instance) reports update
// cycles, module errors, and transport retries into. Pass nil for an
// uninstrumented device, the same as calling NewDevice.
func NewDeviceWithMetrics(cfg config.DeviceConfig, collector *metrics.Collector) (*device.Device, error) {
	if collector != nil {
		protocol.SetMetrics(collector)
	}

	t, err := newTransport(cfg)
	if err != nil {
		return nil, err
	}

	proto := newProtocol(cfg, t)
	d := device.New(cfg, proto)
	if collector != nil {
		d.WithMetrics(collector)
	}
	return d, nil
}

func newTransport(cfg config.DeviceConfig) (transport.Transport, error) {
	switch cfg.ConnectionParams.EncryptionType {
	case config.EncryptionXor:
		return transport.NewXorTransport(cfg, transport.XorNetworkTCP), nil
	case config.EncryptionKlap:
		if cfg.ConnectionParams.UsesHTTPS {
			return transport.NewSslAesTransport(cfg)
		}
		return transport.NewKlapTransport(cfg)
	case config.EncryptionAes:
		if cfg.ConnectionParams.UsesHTTPS {
			return transport.NewSslAesTransport(cfg)
		}
		return transport.NewAesTransport(cfg)
	default:
		return nil, kerrors.NewConfigError(
			fmt.Sprintf("kasa: unsupported encryption type %q", cfg.ConnectionParams.EncryptionType), nil)
	}
}

// newProtocol picks the wire-framing layer for cfg's device family.
// Cameras speak the "responses"-keyed SmartCam envelope; every other
// SMART family speaks the "responseData"-keyed envelope; legacy IOT
// families speak the flat, unbatched protocol.
func newProtocol(cfg config.DeviceConfig, t transport.Transport) protocol.Protocol {
	switch cfg.ConnectionParams.DeviceFamily {
	case config.FamilyIotSmartPlugSwitch, config.FamilyIotSmartBulb:
		return protocol.NewIotProtocol(t)
	case config.FamilySmartIPCamera:
		return protocol.NewSmartCamProtocol(t)
	default:
		return protocol.NewSmartProtocol(t)
	}
}
