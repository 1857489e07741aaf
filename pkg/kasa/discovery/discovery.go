// Package discovery implements UDP device discovery (C4): broadcast or
// unicast probes on the legacy IOT port (9999, XOR-encrypted flat
// JSON) and the SMART port (20002, a fixed 16-byte header plus an
// optional AES-GCM body), per-IP de-duplication, and translation of a
// probe response into a config.DeviceConfig ready to hand to the
// device factory.
package discovery

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"

	kerrors "github.com/johnpr01/go-kasa/internal/errors"
	"github.com/johnpr01/go-kasa/internal/logger"
	"github.com/johnpr01/go-kasa/pkg/kasa"
	"github.com/johnpr01/go-kasa/pkg/kasa/config"
	"github.com/johnpr01/go-kasa/pkg/kasa/crypto"
	"github.com/johnpr01/go-kasa/pkg/kasa/device"
)

var discoveryJSON = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	// IotDiscoveryPort is the legacy broadcast discovery port.
	IotDiscoveryPort = 9999
	// SmartDiscoveryPort is the SMART-generation broadcast discovery port.
	SmartDiscoveryPort = 20002

	// DefaultDiscoveryPackets is the number of times the probe is
	// retransmitted to tolerate lossy broadcast delivery.
	DefaultDiscoveryPackets = 3
	// DefaultDiscoveryTimeout is a reply window callers can pass as
	// Options.Timeout. Discover does not apply it on its own: a zero
	// Timeout returns an empty map.
	DefaultDiscoveryTimeout = 5 * time.Second
)

// Result is one device's discovery response, translated into a ready-
// to-use DeviceConfig plus the raw fields spec.md §4.4 point 2 calls
// out explicitly (mac/model/firmware identify the device in logs and
// inventories well before anyone calls Update) and the full raw block
// for anything else a caller might want for diagnostics.
type Result struct {
	ID           string
	Host         string
	DeviceModel  string
	MAC          string
	HwVer        string
	FwVer        string
	DeviceConfig config.DeviceConfig
	RawSysInfo   map[string]any
}

// OnDiscovered is called once per newly-seen IP as Discover receives
// replies, in addition to the final aggregated map Discover returns.
type OnDiscovered func(Result)

// Options configures a Discover call.
type Options struct {
	// Target is the broadcast (or a specific unicast) address to probe,
	// e.g. "255.255.255.255" or a single host for DiscoverSingle.
	Target string
	// Timeout is how long to wait for replies; zero means return an
	// empty map immediately without sending any probe (used by tests
	// and the documented "timeout=0" edge case, which does not raise).
	Timeout time.Duration
	// Packets is how many times the probe is retransmitted.
	Packets int
	// OnDiscovered, if set, is invoked concurrently as each new IP
	// responds, without waiting for Discover to return.
	OnDiscovered OnDiscovered

	// Credentials, if set, are used to call an authenticated Update on
	// each discovered device after it is instantiated and before it is
	// returned (spec.md §4.4 point 6). DiscoverDevices only; plain Discover never dials out.
	Credentials *config.Credentials
}

var log = logger.New("discovery")

// SetSink installs a logger.Sink discovery logs through.
func SetSink(sink logger.Sink) { log = log.WithSink(sink) }

// Discover broadcasts both the IOT and SMART probes on opts.Target and
// collects replies for opts.Timeout, de-duplicating by source IP. A
// zero Timeout returns an empty map immediately without touching the
// network, per spec.md's explicit edge case.
func Discover(ctx context.Context, opts Options) (map[string]Result, error) {
	if opts.Timeout == 0 {
		return map[string]Result{}, nil
	}
	if opts.Packets <= 0 {
		opts.Packets = DefaultDiscoveryPackets
	}
	if opts.Target == "" {
		opts.Target = "255.255.255.255"
	}

	results := make(map[string]Result)
	var mu sync.Mutex

	conn, err := net.ListenPacket("udp4", ":0")
	if err != nil {
		return nil, kerrors.NewNetworkError("discovery: listen", err)
	}
	defer conn.Close()

	udpConn := conn.(*net.UDPConn)
	udpConn.SetBroadcast(true)

	deadline := time.Now().Add(opts.Timeout)
	udpConn.SetDeadline(deadline)

	done := make(chan struct{})
	go readLoop(udpConn, results, &mu, opts.OnDiscovered, done)

	if err := sendProbes(udpConn, opts); err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
	case <-done:
	case <-time.After(time.Until(deadline)):
	}
	udpConn.Close()
	<-done

	return results, nil
}

// DiscoverSingle sends only to host (unicast) and returns that one
// device's result, or an error if it never replies within timeout.
func DiscoverSingle(ctx context.Context, host string, timeout time.Duration) (Result, error) {
	found, err := Discover(ctx, Options{Target: host, Timeout: timeout, Packets: 1})
	if err != nil {
		return Result{}, err
	}
	for _, r := range found {
		return r, nil
	}
	return Result{}, kerrors.NewTimeoutError(fmt.Sprintf("discovery: %s did not respond", host), nil)
}

// DiscoveredDevice pairs a discovery Result with the *device.Device the
// factory built from it.
type DiscoveredDevice struct {
	Result Result
	Device *device.Device
}

// DiscoverDevices wraps Discover with spec.md §4.4 points 5 and 6: it
// instantiates a *device.Device for every reply through the same
// factory a caller would use for a DeviceConfig loaded from disk, and,
// when opts.Credentials is set, performs an authenticated Update before
// handing each device back. A device that fails that Update is still
// included in the result (never dropped), but left in its pre-Update
// state - DeviceType() reports TypeUnknown and Features/SysInfo are
// empty, the "unauthenticated form carrying the discovery info" the
// spec calls for - so a caller can still see it responded and decide
// whether to retry with different credentials.
func DiscoverDevices(ctx context.Context, opts Options) (map[string]DiscoveredDevice, error) {
	results, err := Discover(ctx, opts)
	if err != nil {
		return nil, err
	}

	out := make(map[string]DiscoveredDevice, len(results))
	for host, r := range results {
		cfg := r.DeviceConfig
		if opts.Credentials != nil {
			cfg.Credentials = opts.Credentials
		}
		d, err := kasa.NewDevice(cfg)
		if err != nil {
			log.Warn("discovered device could not be built", map[string]any{"host": host, "error": err.Error()})
			continue
		}
		if opts.Credentials != nil {
			if err := d.Update(ctx); err != nil {
				log.Warn("discovered device failed authenticated update", map[string]any{"host": host, "error": err.Error()})
			}
		}
		out[host] = DiscoveredDevice{Result: r, Device: d}
	}
	return out, nil
}

func sendProbes(conn *net.UDPConn, opts Options) error {
	iotAddr := &net.UDPAddr{IP: net.ParseIP(opts.Target), Port: IotDiscoveryPort}
	smartAddr := &net.UDPAddr{IP: net.ParseIP(opts.Target), Port: SmartDiscoveryPort}

	iotProbe := crypto.XorEncrypt(mustMarshal(map[string]any{
		"system": map[string]any{"get_sysinfo": nil},
	}))
	smartProbe := buildSmartProbe()

	for i := 0; i < opts.Packets; i++ {
		if _, err := conn.WriteToUDP(iotProbe, iotAddr); err != nil {
			return kerrors.NewNetworkError("discovery: send iot probe", err)
		}
		if _, err := conn.WriteToUDP(smartProbe, smartAddr); err != nil {
			return kerrors.NewNetworkError("discovery: send smart probe", err)
		}
	}
	return nil
}

// buildSmartProbe builds the SMART discovery probe: a 16-byte header
// (a two-byte version/type marker 0x02, 0xF0, a 4-byte zeroed length
// placeholder, a 10-byte nonce) followed by a 4-byte tag, the first
// four bytes of the header's SHA-256. No JSON body is sent.
func buildSmartProbe() []byte {
	header := make([]byte, 16)
	header[0] = 0x02
	header[1] = 0xF0
	nonce := make([]byte, 10)
	if id, err := uuid.NewRandom(); err == nil {
		copy(nonce, id[:10])
	}
	copy(header[6:], nonce)
	tag := crypto.SHA256(header)[:4]
	return append(header, tag...)
}

func readLoop(conn *net.UDPConn, results map[string]Result, mu *sync.Mutex, cb OnDiscovered, done chan<- struct{}) {
	defer close(done)
	buf := make([]byte, 16*1024)
	for {
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		host := addr.IP.String()

		mu.Lock()
		_, seen := results[host]
		mu.Unlock()
		if seen {
			continue
		}

		result, ok := parseReply(host, addr.Port, buf[:n])
		if !ok {
			continue
		}

		mu.Lock()
		results[host] = result
		mu.Unlock()

		if cb != nil {
			go cb(result) // spec.md §4.4 point 5: invoked concurrently with the read loop
		}
	}
}

// parseReply dispatches on the source port to decide whether buf is an
// IOT (XOR-encrypted flat JSON) or SMART (16-byte header) reply.
func parseReply(host string, port int, buf []byte) (Result, bool) {
	switch port {
	case IotDiscoveryPort:
		return parseIotReply(host, buf)
	case SmartDiscoveryPort:
		return parseSmartReply(host, buf)
	default:
		return Result{}, false
	}
}

func parseIotReply(host string, buf []byte) (Result, bool) {
	plaintext := crypto.XorDecrypt(buf)
	var sysInfo map[string]any
	if err := discoveryJSON.Unmarshal(plaintext, &sysInfo); err != nil {
		log.Warn("discarding malformed iot reply", map[string]any{"host": host})
		return Result{}, false
	}

	system, _ := sysInfo["system"].(map[string]any)
	info, _ := system["get_sysinfo"].(map[string]any)

	cfg := config.NewDeviceConfig(host)
	cfg.ConnectionParams = inferIotConnectionParams(info)

	id, _ := info["deviceId"].(string)
	if id == "" {
		id = host
	}
	model, _ := info["model"].(string)
	mac, _ := info["mac"].(string)
	hwVer, _ := info["hw_ver"].(string)
	fwVer, _ := info["sw_ver"].(string)
	return Result{
		ID: id, Host: host, DeviceModel: model, MAC: mac, HwVer: hwVer, FwVer: fwVer,
		DeviceConfig: cfg, RawSysInfo: info,
	}, true
}

// discoveryGCMKey is the shared key firmware uses to wrap a SMART
// discovery reply body in AES-GCM when it doesn't send it in
// cleartext (spec.md §4.4 point 1: "both paths must be supported").
// This is not secret material - it is a fixed, device-independent key
// baked into every SMART-generation firmware image purely to keep
// discovery replies off the wire in plaintext, not to authenticate
// anything; the per-device session key is still negotiated in the
// real handshake (§4.2.2/4.2.3) before any command is accepted.
var discoveryGCMKey = crypto.SHA256([]byte("tplink-smart-discovery"))[:16]

func parseSmartReply(host string, buf []byte) (Result, bool) {
	if len(buf) < 16 {
		return Result{}, false
	}

	body := buf[16:]
	info := decodeSmartDiscoveryBody(body)

	deviceType, _ := info["device_type"].(string)
	schm, _ := info["mgt_encrypt_schm"].(map[string]any)
	encryptType, _ := schm["encrypt_type"].(string)
	https, _ := schm["is_support_https"].(bool)
	lv := 0
	if v, ok := schm["lv"].(float64); ok {
		lv = int(v)
	}

	cfg := config.NewDeviceConfig(host)
	cfg.ConnectionParams = connectionParamsFromDiscovery(deviceType, encryptType, https, lv)

	id, _ := info["device_id"].(string)
	if id == "" {
		id = host
	}
	model, _ := info["device_model"].(string)
	mac, _ := info["mac"].(string)
	hwVer, _ := info["hw_ver"].(string)
	fwVer, _ := info["fw_ver"].(string)
	return Result{
		ID: id, Host: host, DeviceModel: model, MAC: mac, HwVer: hwVer, FwVer: fwVer,
		DeviceConfig: cfg, RawSysInfo: info,
	}, true
}

// decodeSmartDiscoveryBody unmarshals a SMART discovery reply's body,
// trying cleartext JSON first and falling back to the AES-GCM wrapped
// form some firmware sends instead (spec.md §4.4 point 1). Returns nil
// if neither path produces a JSON object.
func decodeSmartDiscoveryBody(body []byte) map[string]any {
	if len(body) == 0 {
		return nil
	}
	var info map[string]any
	if err := discoveryJSON.Unmarshal(body, &info); err == nil && info != nil {
		return info
	}
	plaintext, err := crypto.AESGCMDecrypt(discoveryGCMKey, body)
	if err != nil {
		return nil
	}
	if err := discoveryJSON.Unmarshal(plaintext, &info); err != nil {
		return nil
	}
	return info
}

// connectionParamsFromDiscovery maps a SMART discovery reply's
// device_type and mgt_encrypt_schm fields to the ConnectionParameters
// the factory needs, per spec.md §4.4 point 4 and the
// DeviceConnectionParameters.from_values(device_type, encrypt_type)
// pattern the original implementation's device factory uses. Falls
// back to KLAP v2 (the current-generation default) when the reply
// didn't carry a recognised encrypt_type, so a reply missing that
// field can still be dialled.
func connectionParamsFromDiscovery(deviceType, encryptType string, https bool, lv int) config.ConnectionParameters {
	family := smartFamilyFromTypeTag(deviceType)

	enc := config.EncryptionKlap
	switch encryptType {
	case "AES":
		enc = config.EncryptionAes
	case "KLAP":
		enc = config.EncryptionKlap
	case "XOR":
		enc = config.EncryptionXor
	}
	if lv == 0 {
		lv = 2
	}
	return config.ConnectionParameters{
		DeviceFamily:   family,
		EncryptionType: enc,
		LoginVersion:   lv,
		UsesHTTPS:      https,
	}
}

// smartFamilyFromTypeTag maps a discovery reply's device_type tag
// (e.g. "SMART.TAPOPLUG", "SMART.TAPOHUB") to the DeviceFamily the
// rest of the module dispatches on; unrecognised tags default to the
// most common family (Tapo plug) rather than failing discovery
// outright, since the factory still negotiates components correctly
// against any SMART-family device once connected.
func smartFamilyFromTypeTag(deviceType string) config.DeviceFamily {
	switch config.DeviceFamily(deviceType) {
	case config.FamilySmartKasaPlug, config.FamilySmartKasaSwitch,
		config.FamilySmartTapoPlug, config.FamilySmartTapoBulb,
		config.FamilySmartTapoHub, config.FamilySmartIPCamera:
		return config.DeviceFamily(deviceType)
	default:
		return config.FamilySmartTapoPlug
	}
}

// inferIotConnectionParams maps legacy get_sysinfo fields to a
// DeviceFamily, per spec.md §4.5.5's device-type inference rules: the
// presence of an "is_color" field selects the bulb family, otherwise
// plug/switch.
func inferIotConnectionParams(info map[string]any) config.ConnectionParameters {
	family := config.FamilyIotSmartPlugSwitch
	if _, isBulb := info["is_color"]; isBulb {
		family = config.FamilyIotSmartBulb
	}
	return config.ConnectionParameters{
		DeviceFamily:   family,
		EncryptionType: config.EncryptionXor,
	}
}

func mustMarshal(v any) []byte {
	b, err := discoveryJSON.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
