package protocol

import (
	"context"
	"fmt"
	"time"

	kerrors "github.com/johnpr01/go-kasa/internal/errors"
	"github.com/johnpr01/go-kasa/pkg/kasa/transport"
)

// SmartBackoffBase is the base delay SmartProtocol waits between retry
// attempts, doubling each time up to RetryCount attempts.
const SmartBackoffBase = 200 * time.Millisecond

// SmartProtocol speaks the SMART-generation wire format: every request
// is one method/params envelope, or - when more than one module needs
// data in a single round trip - a "multipleRequest" envelope wrapping
// an array of method/params pairs, whose response carries its own
// responseData array with one error_code per sub-request (spec.md §4.3).
type SmartProtocol struct {
	t transport.Transport
}

// NewSmartProtocol wraps t as a SmartProtocol.
func NewSmartProtocol(t transport.Transport) *SmartProtocol {
	return &SmartProtocol{t: t}
}

func (p *SmartProtocol) Transport() transport.Transport { return p.t }

func (p *SmartProtocol) Close() error { return p.t.Close() }

type smartRequest struct {
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

type smartSubResponse struct {
	Method    string         `json:"method"`
	ErrorCode int            `json:"error_code"`
	Result    map[string]any `json:"result,omitempty"`
}

type smartMultiResponse struct {
	ErrorCode int `json:"error_code"`
	Result    struct {
		Responses []smartSubResponse `json:"responseData"`
	} `json:"result"`
}

type smartSingleResponse struct {
	ErrorCode int            `json:"error_code"`
	Result    map[string]any `json:"result"`
}

// Query sends one round trip covering every (method, params) pair in
// request and returns method -> result, merging independent sub-keys
// via mergeResponses. A single-method request skips the
// multipleRequest envelope entirely, matching what the device expects.
func (p *SmartProtocol) Query(ctx context.Context, request map[string]any) (map[string]any, error) {
	if len(request) == 1 {
		for method, params := range request {
			return p.querySingle(ctx, method, params)
		}
	}
	return p.queryBatch(ctx, request)
}

func (p *SmartProtocol) querySingle(ctx context.Context, method string, params any) (map[string]any, error) {
	envelope := smartRequest{Method: method, Params: params}
	body, err := protoJSON.Marshal(envelope)
	if err != nil {
		return nil, kerrors.NewConfigError("smart protocol: marshal request", err)
	}

	respBody, err := p.sendWithRetry(ctx, body)
	if err != nil {
		return nil, err
	}

	var single smartSingleResponse
	if err := protoJSON.Unmarshal(respBody, &single); err != nil {
		return nil, kerrors.NewDeviceError("smart protocol: malformed response", 0, err)
	}
	if single.ErrorCode != 0 {
		return nil, kerrors.NewDeviceError(fmt.Sprintf("smart protocol: %s failed", method), single.ErrorCode, nil)
	}
	return map[string]any{method: single.Result}, nil
}

func (p *SmartProtocol) queryBatch(ctx context.Context, request map[string]any) (map[string]any, error) {
	requests := make([]smartRequest, 0, len(request))
	for method, params := range request {
		requests = append(requests, smartRequest{Method: method, Params: params})
	}

	envelope := smartRequest{Method: "multipleRequest", Params: map[string]any{"requests": requests}}
	body, err := protoJSON.Marshal(envelope)
	if err != nil {
		return nil, kerrors.NewConfigError("smart protocol: marshal multipleRequest", err)
	}

	respBody, err := p.sendWithRetry(ctx, body)
	if err != nil {
		return nil, err
	}

	var multi smartMultiResponse
	if err := protoJSON.Unmarshal(respBody, &multi); err != nil {
		return nil, kerrors.NewDeviceError("smart protocol: malformed multipleRequest response", 0, err)
	}
	if multi.ErrorCode != 0 {
		return nil, kerrors.NewDeviceError("smart protocol: multipleRequest rejected", multi.ErrorCode, nil)
	}

	merged := map[string]any{}
	var firstSubErr error
	var failed []SubRequestErrorCode
	anySucceeded := false
	for _, sub := range multi.Result.Responses {
		if sub.ErrorCode != 0 {
			log.Warn("sub-request failed", map[string]any{"method": sub.Method, "error_code": sub.ErrorCode})
			if firstSubErr == nil {
				firstSubErr = SubRequestErrorCode{Method: sub.Method, ErrorCode: sub.ErrorCode}
			}
			failed = append(failed, SubRequestErrorCode{Method: sub.Method, ErrorCode: sub.ErrorCode})
			continue
		}
		anySucceeded = true
		merged, err = mergeResponses(merged, map[string]any{sub.Method: sub.Result})
		if err != nil {
			return nil, kerrors.NewDeviceError("smart protocol: merge sub-response", 0, err)
		}
	}

	// A batch with some failing sub-requests still returns the
	// successful ones, each keyed by method, with a SubRequestErrorCode
	// value under each failing key; independent modules must not fail
	// each other (spec.md invariant: a module's error doesn't poison
	// siblings). Only a batch where every sub-request failed surfaces
	// as a whole-call error. Failing keys are set after all merges,
	// since mergeResponses round-trips through JSON and would turn a
	// SubRequestErrorCode into a plain map.
	if !anySucceeded && firstSubErr != nil {
		return nil, firstSubErr
	}
	for _, f := range failed {
		merged[f.Method] = f
	}
	return merged, nil
}

// sendWithRetry sends body, making up to RetryCount attempts with
// exponential backoff on a network/timeout error, and retrying once
// immediately (no backoff, no count against the retry budget) after
// an invalid-session reset, per spec.md §4.3. A second invalid-session
// error in the same call is returned.
func (p *SmartProtocol) sendWithRetry(ctx context.Context, body []byte) ([]byte, error) {
	delay := SmartBackoffBase
	var lastErr error
	resetRetried := false
	for attempt := 0; attempt < RetryCount; attempt++ {
		respBody, err := p.t.Send(ctx, body)
		if err == nil {
			return respBody, nil
		}
		lastErr = err

		if isInvalidSession(err) {
			if resetRetried {
				return nil, err
			}
			resetRetried = true
			p.t.Reset()
			recordRetry(p.t.Host(), "invalid_session")
			attempt-- // free retry: consumes neither an attempt nor the backoff schedule
			continue
		}

		kerr, ok := err.(*kerrors.KasaError)
		if !ok || !kerr.Retryable() {
			return nil, err
		}

		recordRetry(p.t.Host(), "backoff")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return nil, lastErr
}
