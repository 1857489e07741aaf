package protocol

import (
	"context"

	kerrors "github.com/johnpr01/go-kasa/internal/errors"
	"github.com/johnpr01/go-kasa/pkg/kasa/transport"
)

// IotProtocol speaks the legacy IOT-generation wire format: one flat
// JSON object per request, module name at the top level
// ({"system":{"get_sysinfo":null}, "emeter":{"get_realtime":null}}),
// no batching envelope, no per-sub-request error codes - a module
// failure surfaces as "err_code" inside that module's own response key.
type IotProtocol struct {
	t transport.Transport
}

// NewIotProtocol wraps t as an IotProtocol.
func NewIotProtocol(t transport.Transport) *IotProtocol {
	return &IotProtocol{t: t}
}

func (p *IotProtocol) Transport() transport.Transport { return p.t }

func (p *IotProtocol) Close() error { return p.t.Close() }

// Query sends request as-is (it is already shaped as the flat IOT
// envelope) and returns the decoded response, retrying once after a
// transport-level session reset if the device reports one.
func (p *IotProtocol) Query(ctx context.Context, request map[string]any) (map[string]any, error) {
	body, err := protoJSON.Marshal(request)
	if err != nil {
		return nil, kerrors.NewConfigError("iot protocol: marshal request", err)
	}

	var lastErr error
	for attempt := 0; attempt < RetryCount; attempt++ {
		respBody, err := p.t.Send(ctx, body)
		if err != nil {
			lastErr = err
			if isInvalidSession(err) && attempt == 0 {
				p.t.Reset()
				recordRetry(p.t.Host(), "invalid_session")
				continue
			}
			return nil, err
		}

		var resp map[string]any
		if err := protoJSON.Unmarshal(respBody, &resp); err != nil {
			return nil, kerrors.NewDeviceError("iot protocol: malformed response", 0, err)
		}
		return resp, nil
	}
	return nil, lastErr
}
