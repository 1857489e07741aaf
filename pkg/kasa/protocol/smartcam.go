package protocol

import (
	"context"
	"fmt"

	kerrors "github.com/johnpr01/go-kasa/internal/errors"
	"github.com/johnpr01/go-kasa/pkg/kasa/transport"
)

// SmartCamProtocol speaks the camera-family JSON envelope: like
// SmartProtocol it batches module calls into one round trip, always as
// {"method":"multipleRequest","params":{"requests":[...]}}, even for a
// single call. It adds no "stream_request" or other RTSP/ONVIF
// negotiation structure, which is outside C3's scope (media streaming
// is a non-goal).
type SmartCamProtocol struct {
	t transport.Transport
}

// NewSmartCamProtocol wraps t as a SmartCamProtocol.
func NewSmartCamProtocol(t transport.Transport) *SmartCamProtocol {
	return &SmartCamProtocol{t: t}
}

func (p *SmartCamProtocol) Transport() transport.Transport { return p.t }

func (p *SmartCamProtocol) Close() error { return p.t.Close() }

type smartCamSubRequest struct {
	Method string         `json:"method"`
	Params map[string]any `json:"params,omitempty"`
}

type smartCamResponse struct {
	ErrorCode int `json:"error_code"`
	Result    struct {
		Responses []smartSubResponse `json:"responses"`
	} `json:"result"`
}

// Query mirrors SmartProtocol.queryBatch's shape but under the
// camera's "responses" result key instead of "responseData".
func (p *SmartCamProtocol) Query(ctx context.Context, request map[string]any) (map[string]any, error) {
	requests := make([]smartCamSubRequest, 0, len(request))
	for method, params := range request {
		paramsMap, _ := params.(map[string]any)
		requests = append(requests, smartCamSubRequest{Method: method, Params: paramsMap})
	}

	envelope := map[string]any{"method": "multipleRequest", "params": map[string]any{"requests": requests}}
	body, err := protoJSON.Marshal(envelope)
	if err != nil {
		return nil, kerrors.NewConfigError("smartcam protocol: marshal request", err)
	}

	respBody, err := p.t.Send(ctx, body)
	if err != nil {
		if isInvalidSession(err) {
			p.t.Reset()
			recordRetry(p.t.Host(), "invalid_session")
			respBody, err = p.t.Send(ctx, body)
		}
		if err != nil {
			return nil, err
		}
	}

	var resp smartCamResponse
	if err := protoJSON.Unmarshal(respBody, &resp); err != nil {
		return nil, kerrors.NewDeviceError("smartcam protocol: malformed response", 0, err)
	}
	if resp.ErrorCode != 0 {
		return nil, kerrors.NewDeviceError("smartcam protocol: multipleRequest rejected", resp.ErrorCode, nil)
	}

	merged := map[string]any{}
	var failed []SubRequestErrorCode
	for _, sub := range resp.Result.Responses {
		if sub.ErrorCode != 0 {
			log.Warn("smartcam sub-request failed", map[string]any{"method": sub.Method, "error_code": sub.ErrorCode})
			failed = append(failed, SubRequestErrorCode{Method: sub.Method, ErrorCode: sub.ErrorCode})
			continue
		}
		merged, err = mergeResponses(merged, map[string]any{sub.Method: sub.Result})
		if err != nil {
			return nil, kerrors.NewDeviceError(fmt.Sprintf("smartcam protocol: merge %s", sub.Method), 0, err)
		}
	}
	for _, f := range failed {
		merged[f.Method] = f
	}
	return merged, nil
}
