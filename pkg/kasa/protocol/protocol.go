// Package protocol implements the request-framing layer (C3) on top of
// pkg/kasa/transport: IOT's flat per-module JSON, SMART's batched
// multipleRequest envelope with per-sub-request error codes and retry,
// the SmartCam JSON envelope, and the child-device wrapper that
// nests a request inside control_child / context.child_ids.
package protocol

import (
	"context"
	"fmt"

	jsonmerge "github.com/apapsch/go-jsonmerge/v2"
	jsoniter "github.com/json-iterator/go"

	kerrors "github.com/johnpr01/go-kasa/internal/errors"
	"github.com/johnpr01/go-kasa/internal/logger"
	"github.com/johnpr01/go-kasa/pkg/kasa/metrics"
	"github.com/johnpr01/go-kasa/pkg/kasa/transport"
)

var protoJSON = jsoniter.ConfigCompatibleWithStandardLibrary

// Protocol sends a single logical query (possibly several module
// requests merged together) and returns the merged, decoded response.
type Protocol interface {
	// Query sends request (a map of module-name -> per-module params)
	// and returns the decoded, merged response.
	Query(ctx context.Context, request map[string]any) (map[string]any, error)

	// Close releases the underlying transport.
	Close() error

	// Transport exposes the underlying transport, e.g. so the device
	// engine can read its CredentialsHash for persistence.
	Transport() transport.Transport
}

// RetryCount is the number of attempts Query makes before giving up,
// per spec.md §4.3's retry_count=3 default.
const RetryCount = 3

// SubRequestErrorCode is a device-reported per-sub-request error code
// surfaced inside a SMART multipleRequest response's responseData array.
type SubRequestErrorCode struct {
	Method    string
	ErrorCode int
}

func (e SubRequestErrorCode) Error() string {
	return fmt.Sprintf("protocol: sub-request %q failed with error_code %d", e.Method, e.ErrorCode)
}

// mergeResponses deep-merges src into dst so that independent
// sub-keys from different module requests coexist rather than
// clobbering one another, per spec.md's merge requirement.
func mergeResponses(dst, src map[string]any) (map[string]any, error) {
	dstJSON, err := protoJSON.Marshal(dst)
	if err != nil {
		return nil, err
	}
	srcJSON, err := protoJSON.Marshal(src)
	if err != nil {
		return nil, err
	}
	merger := jsonmerge.Merger{}
	mergedJSON, err := merger.MergeBytes(dstJSON, srcJSON)
	if err != nil {
		return nil, fmt.Errorf("protocol: merge responses: %w", err)
	}
	var merged map[string]any
	if err := protoJSON.Unmarshal(mergedJSON, &merged); err != nil {
		return nil, err
	}
	return merged, nil
}

// log is the package-wide logger; a caller can install a sink via
// SetSink for structured output instead of plain stderr text.
var log = logger.New("protocol")

// SetSink installs a logger.Sink all protocol instances log through.
func SetSink(sink logger.Sink) { log = log.WithSink(sink) }

// metricsCollector is nil until SetMetrics is called; every recordRetry
// call below guards against that so protocol works uninstrumented.
var metricsCollector *metrics.Collector

// SetMetrics installs a Collector every protocol instance in this
// process reports retries into, labelled by host.
func SetMetrics(c *metrics.Collector) { metricsCollector = c }

func recordRetry(host, reason string) {
	if metricsCollector != nil {
		metricsCollector.RecordTransportRetry(host, reason)
	}
}

func isInvalidSession(err error) bool {
	kerr, ok := err.(*kerrors.KasaError)
	return ok && kerr.Kind == kerrors.KindInvalidSession
}
