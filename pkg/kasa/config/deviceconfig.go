// Package config defines DeviceConfig and ConnectionParameters (C8):
// the serialisable descriptor a caller persists to reconnect to a
// device without rediscovery. The factory that turns one into a
// transport + protocol + device instance is kasa.NewDevice.
package config

import (
	"fmt"
	"net/http"
	"time"

	kerrors "github.com/johnpr01/go-kasa/internal/errors"
)

// EncryptionType is the wire-encryption family a device speaks.
type EncryptionType string

const (
	EncryptionXor  EncryptionType = "Xor"
	EncryptionAes  EncryptionType = "Aes"
	EncryptionKlap EncryptionType = "Klap"
)

// DeviceFamily is the namespaced family tag discovery reports and the
// factory dispatches on, e.g. "IOT.SMARTPLUGSWITCH", "SMART.TAPOPLUG".
type DeviceFamily string

const (
	FamilyIotSmartPlugSwitch DeviceFamily = "IOT.SMARTPLUGSWITCH"
	FamilyIotSmartBulb       DeviceFamily = "IOT.SMARTBULB"
	FamilySmartKasaPlug      DeviceFamily = "SMART.KASAPLUG"
	FamilySmartKasaSwitch    DeviceFamily = "SMART.KASASWITCH"
	FamilySmartTapoPlug      DeviceFamily = "SMART.TAPOPLUG"
	FamilySmartTapoBulb      DeviceFamily = "SMART.TAPOBULB"
	FamilySmartTapoHub       DeviceFamily = "SMART.TAPOHUB"
	FamilySmartIPCamera      DeviceFamily = "SMART.IPCAMERA"
)

// ConnectionParameters selects which transport+protocol pairing a
// device speaks.
type ConnectionParameters struct {
	DeviceFamily   DeviceFamily
	EncryptionType EncryptionType
	LoginVersion   int // 1 or 2; meaningful for Aes/Klap only
	UsesHTTPS      bool
	UsesNewKlap    bool
}

// ToMap renders the connection parameters the way DeviceConfig.to_dict
// would in the original: login_version is omitted when zero.
func (c ConnectionParameters) ToMap() map[string]any {
	m := map[string]any{
		"device_family":   string(c.DeviceFamily),
		"encryption_type": string(c.EncryptionType),
	}
	if c.LoginVersion != 0 {
		m["login_version"] = c.LoginVersion
	}
	if c.UsesHTTPS {
		m["uses_https"] = true
	}
	if c.UsesNewKlap {
		m["uses_new_klap"] = true
	}
	return m
}

// ConnectionParametersFromMap is the inverse of ToMap; it fails on a
// missing device_family/encryption_type, per invariant 5's round trip.
func ConnectionParametersFromMap(m map[string]any) (ConnectionParameters, error) {
	family, _ := m["device_family"].(string)
	enc, _ := m["encryption_type"].(string)
	if family == "" || enc == "" {
		return ConnectionParameters{}, kerrors.NewConfigError(
			fmt.Sprintf("invalid connection parameters map: %v", m), nil)
	}
	cp := ConnectionParameters{
		DeviceFamily:   DeviceFamily(family),
		EncryptionType: EncryptionType(enc),
	}
	if lv, ok := m["login_version"]; ok {
		switch v := lv.(type) {
		case int:
			cp.LoginVersion = v
		case float64:
			cp.LoginVersion = int(v)
		}
	}
	if https, ok := m["uses_https"].(bool); ok {
		cp.UsesHTTPS = https
	}
	if nk, ok := m["uses_new_klap"].(bool); ok {
		cp.UsesNewKlap = nk
	}
	return cp, nil
}

// DefaultTimeout is the per-request timeout applied when DeviceConfig
// doesn't specify one.
const DefaultTimeout = 5 * time.Second

// DeviceConfig is the serialisable descriptor sufficient to reconnect
// to a device without rediscovery. Exactly one of Credentials or
// CredentialsHash is used at login time (invariant: never both); the
// HTTPClient field is never serialised by ToMap.
type DeviceConfig struct {
	Host             string
	PortOverride     int // 0 means "use the transport default"
	Timeout          time.Duration
	Credentials      *Credentials
	CredentialsHash  string
	ConnectionParams ConnectionParameters
	HTTPClient       *http.Client
}

// NewDeviceConfig returns a DeviceConfig with the default timeout and
// an Xor/IOT.SMARTPLUGSWITCH connection type, matching the original's
// dataclass defaults.
func NewDeviceConfig(host string) DeviceConfig {
	return DeviceConfig{
		Host:    host,
		Timeout: DefaultTimeout,
		ConnectionParams: ConnectionParameters{
			DeviceFamily:   FamilyIotSmartPlugSwitch,
			EncryptionType: EncryptionXor,
		},
	}
}

// ToMapOptions controls which credential material ToMap emits.
type ToMapOptions struct {
	CredentialsHash   string // if set, overrides CredentialsHash and excludes Credentials
	ExcludeCredential bool   // if true, excludes both Credentials and CredentialsHash
}

// ToMap serialises the config to a plain map, excluding HTTPClient and
// enforcing the credentials/credentials_hash mutual exclusion: passing
// a CredentialsHash (or ExcludeCredential) always wins over Credentials.
func (d DeviceConfig) ToMap(opts ToMapOptions) map[string]any {
	m := map[string]any{
		"host": d.Host,
	}
	if d.PortOverride != 0 {
		m["port_override"] = d.PortOverride
	}
	if d.Timeout != 0 {
		m["timeout"] = int(d.Timeout / time.Second)
	}
	m["connection_type"] = d.ConnectionParams.ToMap()

	hash := d.CredentialsHash
	if opts.CredentialsHash != "" {
		hash = opts.CredentialsHash
	}

	switch {
	case opts.ExcludeCredential:
		// neither credentials nor hash emitted
	case hash != "":
		m["credentials_hash"] = hash
	case d.Credentials != nil:
		m["credentials"] = map[string]any{
			"username": d.Credentials.Username,
			"password": d.Credentials.Password,
		}
	}
	return m
}

// DeviceConfigFromMap deserialises a map built by ToMap, strictly
// rejecting unknown top-level fields.
func DeviceConfigFromMap(m map[string]any) (DeviceConfig, error) {
	known := map[string]bool{
		"host": true, "port_override": true, "timeout": true,
		"credentials": true, "credentials_hash": true, "connection_type": true,
	}
	for k := range m {
		if !known[k] {
			return DeviceConfig{}, kerrors.NewConfigError(
				fmt.Sprintf("unknown DeviceConfig field %q", k), nil)
		}
	}

	host, _ := m["host"].(string)
	if host == "" {
		return DeviceConfig{}, kerrors.NewConfigError("DeviceConfig.host is required", nil)
	}

	cfg := DeviceConfig{Host: host, Timeout: DefaultTimeout}

	if po, ok := m["port_override"]; ok {
		cfg.PortOverride = toInt(po)
	}
	if to, ok := m["timeout"]; ok {
		cfg.Timeout = time.Duration(toInt(to)) * time.Second
	}
	if credHash, ok := m["credentials_hash"].(string); ok && credHash != "" {
		if _, hasCreds := m["credentials"]; hasCreds {
			return DeviceConfig{}, kerrors.NewConfigError(
				"DeviceConfig cannot carry both credentials and credentials_hash", nil)
		}
		cfg.CredentialsHash = credHash
	}
	if credsRaw, ok := m["credentials"]; ok {
		credsMap, ok := credsRaw.(map[string]any)
		if !ok {
			return DeviceConfig{}, kerrors.NewConfigError("DeviceConfig.credentials must be a map", nil)
		}
		username, _ := credsMap["username"].(string)
		password, _ := credsMap["password"].(string)
		cfg.Credentials = &Credentials{Username: username, Password: password}
	}

	ctRaw, ok := m["connection_type"].(map[string]any)
	if !ok {
		return DeviceConfig{}, kerrors.NewConfigError("DeviceConfig.connection_type is required", nil)
	}
	cp, err := ConnectionParametersFromMap(ctRaw)
	if err != nil {
		return DeviceConfig{}, err
	}
	cfg.ConnectionParams = cp

	return cfg, nil
}

func toInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}

// Equal compares two DeviceConfigs for the round-trip law in invariant
// 5, deliberately ignoring HTTPClient (which ToMap never serialises).
func (d DeviceConfig) Equal(other DeviceConfig) bool {
	if d.Host != other.Host || d.PortOverride != other.PortOverride || d.Timeout != other.Timeout {
		return false
	}
	if d.ConnectionParams != other.ConnectionParams {
		return false
	}
	if d.CredentialsHash != other.CredentialsHash {
		return false
	}
	switch {
	case d.Credentials == nil && other.Credentials == nil:
		return true
	case d.Credentials == nil || other.Credentials == nil:
		return false
	default:
		return *d.Credentials == *other.Credentials
	}
}
