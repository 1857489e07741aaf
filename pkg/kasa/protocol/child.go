package protocol

import (
	"context"
	"fmt"

	kerrors "github.com/johnpr01/go-kasa/internal/errors"
	"github.com/johnpr01/go-kasa/pkg/kasa/transport"
)

// childErrorDeviceNotFound is the SMART error_code a control_child call
// reports when childID no longer exists under the parent, e.g. a hub
// child that was unpaired between queries.
const childErrorDeviceNotFound = -20601

// ChildProtocolWrapper adapts a Protocol so module queries addressed to
// a specific child device are nested inside the parent's
// control_child (SMART) or context.child_ids (IOT) envelope. A
// control_child "device not found" code is returned as a DeviceError;
// a failing sub-request inside the child's batch is returned as a
// SubRequestErrorCode under its method key, as SmartProtocol does. One
// round trip per call, never a separate connection to the child
// (spec.md §4.3/C7: children have no transport of their own).
type ChildProtocolWrapper struct {
	parent  Protocol
	childID string
	isSmart bool
}

// NewChildProtocolWrapper wraps parent so queries are addressed to
// childID. isSmart selects control_child (true) vs context.child_ids
// (false, legacy IOT hubs) framing.
func NewChildProtocolWrapper(parent Protocol, childID string, isSmart bool) *ChildProtocolWrapper {
	return &ChildProtocolWrapper{parent: parent, childID: childID, isSmart: isSmart}
}

func (c *ChildProtocolWrapper) Transport() transport.Transport { return c.parent.Transport() }

// Close is a no-op: the child shares the parent's transport and
// protocol instance; only the parent owns the connection lifecycle.
func (c *ChildProtocolWrapper) Close() error { return nil }

// Query nests request inside the parent's child-addressing envelope
// for c.childID, sends it through the parent protocol, and unwraps the
// child's response back to the same shape Query callers expect from a
// standalone device.
func (c *ChildProtocolWrapper) Query(ctx context.Context, request map[string]any) (map[string]any, error) {
	if c.isSmart {
		return c.querySmart(ctx, request)
	}
	return c.queryIot(ctx, request)
}

func (c *ChildProtocolWrapper) querySmart(ctx context.Context, request map[string]any) (map[string]any, error) {
	requests := make([]smartRequest, 0, len(request))
	for method, params := range request {
		requests = append(requests, smartRequest{Method: method, Params: params})
	}

	wrapped := map[string]any{
		"control_child": map[string]any{
			"device_id": c.childID,
			"requestData": map[string]any{
				"method": "multipleRequest",
				"params": map[string]any{"requests": requests},
			},
		},
	}

	resp, err := c.parent.Query(ctx, wrapped)
	if err != nil {
		return nil, err
	}

	controlChild, _ := resp["control_child"].(map[string]any)
	if controlChild == nil {
		return nil, kerrors.NewDeviceError("child protocol: missing control_child in response", 0, nil)
	}
	if code, ok := controlChild["error_code"]; ok {
		if n, _ := code.(float64); int(n) == childErrorDeviceNotFound {
			return nil, kerrors.NewDeviceError(fmt.Sprintf("child protocol: child %q not found", c.childID), childErrorDeviceNotFound, nil)
		}
	}

	responseData, _ := controlChild["responseData"].(map[string]any)
	innerResult, _ := responseData["result"].(map[string]any)
	subResponses, _ := innerResult["responseData"].([]any)

	merged := map[string]any{}
	var failed []SubRequestErrorCode
	for _, raw := range subResponses {
		sub, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		method, _ := sub["method"].(string)
		if errCode, _ := sub["error_code"].(float64); errCode != 0 {
			log.Warn("child sub-request failed", map[string]any{"child_id": c.childID, "method": method, "error_code": errCode})
			failed = append(failed, SubRequestErrorCode{Method: method, ErrorCode: int(errCode)})
			continue
		}
		result, _ := sub["result"].(map[string]any)
		merged, err = mergeResponses(merged, map[string]any{method: result})
		if err != nil {
			return nil, err
		}
	}
	for _, f := range failed {
		merged[f.Method] = f
	}
	return merged, nil
}

func (c *ChildProtocolWrapper) queryIot(ctx context.Context, request map[string]any) (map[string]any, error) {
	wrapped := map[string]any{
		"context": map[string]any{"child_ids": []string{c.childID}},
	}
	for module, params := range request {
		wrapped[module] = params
	}

	resp, err := c.parent.Query(ctx, wrapped)
	if err != nil {
		return nil, err
	}
	delete(resp, "context")
	return resp, nil
}
