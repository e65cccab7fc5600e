package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/ehr/legacy-gateway/internal/backend"
	"github.com/ehr/legacy-gateway/internal/bridge"
	"github.com/ehr/legacy-gateway/internal/platform/admission"
	"github.com/ehr/legacy-gateway/internal/platform/breaker"
	"github.com/ehr/legacy-gateway/internal/platform/cache"
	"github.com/ehr/legacy-gateway/internal/platform/events"
	"github.com/ehr/legacy-gateway/internal/platform/metrics"
	"github.com/ehr/legacy-gateway/internal/platform/soap"
)

// UnknownActionError is a request naming an action the gateway does not
// serve. Mapped to a Client fault without any backend or queue contact.
type UnknownActionError struct {
	Name string
}

func (e *UnknownActionError) Error() string {
	return fmt.Sprintf("unknown action %q", e.Name)
}

// AsyncResponse is returned synchronously to the caller on the write path.
// Status starts at ACCEPTED; the authoritative terminal status lives in the
// status store and is reached via ResultURL.
type AsyncResponse struct {
	Success    bool          `json:"success"`
	Status     bridge.Status `json:"status"`
	TrackingID string        `json:"trackingId"`
	Message    string        `json:"message"`
	ResultURL  string        `json:"resultUrl,omitempty"`
}

func (a *AsyncResponse) document() map[string]any {
	doc := map[string]any{
		"Status":     string(a.Status),
		"TrackingID": a.TrackingID,
		"Message":    a.Message,
	}
	if a.ResultURL != "" {
		doc["ResultURL"] = a.ResultURL
	}
	return doc
}

// Options wires a Router.
type Options struct {
	Admission *admission.Controller
	Breakers  *breaker.Registry
	Cache     cache.Store
	Bridge    *bridge.Bridge
	Backends  map[string]*backend.Client
	Logger    zerolog.Logger
	Metrics   *metrics.Metrics
	// AsyncEnabled selects the write strategy once at startup: publishing
	// to the event channel, or the synchronous backend fallback.
	AsyncEnabled bool
	// StatusPath prefixes tracking ids in ResultURL, e.g.
	// "/api/legacy/status/".
	StatusPath string
}

// Router dispatches decoded SOAP actions to the sync read path, the async
// write path, or the status lookup, and converts every outcome into a SOAP
// response or fault. One Router instance serves all requests concurrently;
// it owns no per-request state.
type Router struct {
	admission *admission.Controller
	breakers  *breaker.Registry
	cache     cache.Store
	bridge    *bridge.Bridge
	backends  map[string]*backend.Client
	validate  *validator.Validate
	logger    zerolog.Logger
	metrics   *metrics.Metrics
	writes    writeStrategy
	statusURL string
}

// NewRouter builds a Router. The async-vs-fallback choice is resolved here,
// not re-branched per request.
func NewRouter(opts Options) *Router {
	r := &Router{
		admission: opts.Admission,
		breakers:  opts.Breakers,
		cache:     opts.Cache,
		bridge:    opts.Bridge,
		backends:  opts.Backends,
		validate:  validator.New(),
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		statusURL: opts.StatusPath,
	}
	if opts.AsyncEnabled {
		r.writes = asyncWrites{}
	} else {
		r.writes = syncFallbackWrites{}
	}
	return r
}

// Handle processes one raw SOAP request and returns the HTTP status and
// response envelope. It never returns an error: every failure is encoded as
// a SOAP fault.
func (r *Router) Handle(ctx context.Context, raw []byte) (int, []byte) {
	action, err := soap.Decode(raw)
	if err != nil {
		return r.fault("", err)
	}

	result, err := r.dispatch(ctx, action)
	if err != nil {
		return r.fault(action.Name, err)
	}

	out, err := soap.EncodeResponse(action.Name, result)
	if err != nil {
		return r.fault(action.Name, err)
	}
	r.count(action.Name, "success")
	return http.StatusOK, out
}

func (r *Router) dispatch(ctx context.Context, action *soap.Action) (any, error) {
	if action.Name == ActionGetStatus {
		return r.handleStatus(ctx, action.Body)
	}
	if spec, ok := readActions[action.Name]; ok {
		return r.handleRead(ctx, spec, action.Body)
	}
	if spec, ok := writeActions[action.Name]; ok {
		return r.handleWrite(ctx, spec, spec.build(action.Body))
	}
	return nil, &UnknownActionError{Name: action.Name}
}

// handleRead is the read-through path: cache, then breaker-guarded backend
// call under an admission ticket, then cache fill.
func (r *Router) handleRead(ctx context.Context, spec readSpec, body *soap.Element) (any, error) {
	path, query, key, err := spec.build(body)
	if err != nil {
		return nil, err
	}

	if data, ok, _ := r.cache.Get(ctx, key); ok {
		r.metrics.CacheHits.Inc()
		var doc map[string]any
		if jerr := json.Unmarshal(data, &doc); jerr == nil {
			return doc, nil
		}
		// Corrupt entry: fall through to the backend as a miss.
	}
	r.metrics.CacheMisses.Inc()

	var result map[string]any
	err = r.admission.Schedule(ctx, func() error {
		return r.breakers.Get(spec.backend).Do(ctx, func(cctx context.Context) error {
			out, berr := r.backends[spec.backend].Get(cctx, path, query)
			if berr != nil {
				return berr
			}
			result = out
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	if data, jerr := json.Marshal(result); jerr == nil {
		_ = r.cache.Set(ctx, key, data, spec.ttl)
	}
	return result, nil
}

// handleWrite validates the command locally, runs the configured write
// strategy, and invalidates dependent cache entries once the write has been
// accepted.
func (r *Router) handleWrite(ctx context.Context, spec writeSpec, cmd Command) (any, error) {
	if err := validateCommand(r.validate, cmd); err != nil {
		return nil, err
	}

	result, err := r.writes.handle(ctx, r, spec, cmd)
	if err != nil {
		return nil, err
	}

	if prefix := cmd.Invalidates(); prefix != "" {
		_ = r.cache.Invalidate(ctx, prefix)
	}
	return result, nil
}

func (r *Router) handleStatus(ctx context.Context, body *soap.Element) (any, error) {
	trackingID := body.ChildText("TrackingID")
	if trackingID == "" {
		return nil, &ValidationError{Fields: []string{"TrackingID"}}
	}

	rec, err := r.bridge.GetStatus(ctx, trackingID)
	if err != nil {
		return nil, err
	}

	doc := map[string]any{
		"TrackingID": rec.TrackingID,
		"Status":     string(rec.Status),
	}
	if len(rec.Result) > 0 {
		var result map[string]any
		if jerr := json.Unmarshal(rec.Result, &result); jerr == nil {
			doc["Result"] = result
		} else {
			doc["Result"] = string(rec.Result)
		}
	}
	if rec.Error != "" {
		doc["Error"] = rec.Error
	}
	if !rec.CompletedAt.IsZero() {
		doc["CompletedAt"] = rec.CompletedAt.UTC().Format("2006-01-02T15:04:05Z07:00")
	}
	return doc, nil
}

// ExecuteWrite runs a write action with an already-typed command payload.
// Used by the REST compatibility adapters, which share the SOAP path's
// validation, strategy, and invalidation.
func (r *Router) ExecuteWrite(ctx context.Context, actionName string, cmd Command) (any, error) {
	spec, ok := writeActions[actionName]
	if !ok {
		return nil, &UnknownActionError{Name: actionName}
	}
	return r.handleWrite(ctx, spec, cmd)
}

// Status resolves a tracking id for the REST adapter.
func (r *Router) Status(ctx context.Context, trackingID string) (bridge.TrackingRecord, error) {
	return r.bridge.GetStatus(ctx, trackingID)
}

// writeStrategy is the startup-resolved write path.
type writeStrategy interface {
	handle(ctx context.Context, r *Router, spec writeSpec, cmd Command) (any, error)
}

// asyncWrites publishes the command and returns an ACCEPTED AsyncResponse.
type asyncWrites struct{}

func (asyncWrites) handle(ctx context.Context, r *Router, spec writeSpec, cmd Command) (any, error) {
	trackingID, err := r.bridge.Submit(ctx, spec.family, spec.commandType, cmd)
	if err != nil {
		return nil, err
	}
	r.metrics.CommandsPublished.WithLabelValues(spec.family).Inc()

	resp := &AsyncResponse{
		Success:    true,
		Status:     bridge.StatusAccepted,
		TrackingID: trackingID,
		Message:    "command accepted for processing",
		ResultURL:  r.statusURL + trackingID,
	}
	return resp.document(), nil
}

// syncFallbackWrites calls the owning backend directly, used when async
// infrastructure is disabled.
type syncFallbackWrites struct{}

func (syncFallbackWrites) handle(ctx context.Context, r *Router, spec writeSpec, cmd Command) (any, error) {
	name := fallbackBackend[spec.family]
	var result map[string]any
	err := r.admission.Schedule(ctx, func() error {
		return r.breakers.Get(name).Do(ctx, func(cctx context.Context) error {
			out, berr := r.backends[name].Post(cctx, spec.fallbackPath, cmd)
			if berr != nil {
				return berr
			}
			result = out
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// fault maps an error to its fault class, logs server-side failures, and
// encodes the fault envelope. Client mistakes are not logged as errors.
func (r *Router) fault(actionName string, err error) (int, []byte) {
	status, code, msg, detail, outcome := r.classify(actionName, err)
	r.count(actionName, outcome)
	return status, soap.EncodeFault(code, msg, detail)
}

func (r *Router) classify(actionName string, err error) (int, soap.FaultCode, string, string, string) {
	var decodeErr *soap.DecodeError
	var validationErr *ValidationError
	var unknownErr *UnknownActionError
	var backendErr *backend.Error

	switch {
	case errors.As(err, &decodeErr):
		return http.StatusBadRequest, soap.FaultClient, decodeErr.Error(), "", "decode_error"

	case errors.As(err, &validationErr):
		return http.StatusBadRequest, soap.FaultClient, validationErr.Error(), "", "validation_error"

	case errors.As(err, &unknownErr):
		return http.StatusBadRequest, soap.FaultClient, unknownErr.Error(), "", "unknown_action"

	case errors.Is(err, admission.ErrOverloaded):
		r.metrics.AdmissionDropped.Inc()
		r.logger.Warn().Str("action", actionName).Msg("request shed by admission control")
		return http.StatusServiceUnavailable, soap.FaultServer,
			"gateway is overloaded, retry after a short delay", "", "overloaded"

	case errors.Is(err, breaker.ErrOpen):
		r.logger.Warn().Str("action", actionName).Err(err).Msg("circuit open, failing fast")
		return http.StatusServiceUnavailable, soap.FaultServer,
			"backend temporarily unavailable, retry later", "", "circuit_open"

	case errors.Is(err, breaker.ErrCallTimeout):
		r.logger.Error().Str("action", actionName).Err(err).Msg("backend call timed out")
		return http.StatusBadGateway, soap.FaultServer,
			"backend did not respond in time", "", "backend_timeout"

	case errors.As(err, &backendErr):
		r.logger.Error().Str("action", actionName).Str("backend", backendErr.Backend).
			Int("status", backendErr.Status).Msg("backend call failed")
		return http.StatusBadGateway, soap.FaultServer,
			"backend request failed", "", "backend_error"

	case errors.Is(err, events.ErrUnavailable):
		r.logger.Error().Str("action", actionName).Err(err).Msg("event channel unavailable")
		return http.StatusServiceUnavailable, soap.FaultServer,
			"command channel unavailable, retry later", "", "channel_unavailable"

	default:
		r.logger.Error().Str("action", actionName).Err(err).Msg("unexpected gateway error")
		return http.StatusInternalServerError, soap.FaultServer,
			"internal server error", "", "internal_error"
	}
}

func (r *Router) count(actionName, outcome string) {
	if actionName == "" {
		actionName = "unknown"
	}
	r.metrics.RequestsTotal.WithLabelValues(actionName, outcome).Inc()
}
