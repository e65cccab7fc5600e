package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ehr/legacy-gateway/internal/bridge"
	"github.com/ehr/legacy-gateway/internal/platform/cache"
	"github.com/ehr/legacy-gateway/internal/platform/soap"
)

const soapContentType = "text/xml; charset=utf-8"

// Handler exposes the router over HTTP: the SOAP endpoint, WSDL discovery,
// and the thin REST compatibility adapters.
type Handler struct {
	router  *Router
	cache   cache.Store
	bridge  *bridge.Bridge
	service string
}

// NewHandler creates a Handler. service names the gateway in the WSDL.
func NewHandler(router *Router, cacheStore cache.Store, br *bridge.Bridge, service string) *Handler {
	return &Handler{
		router:  router,
		cache:   cacheStore,
		bridge:  br,
		service: service,
	}
}

// RegisterRoutes registers the gateway's endpoints.
//
//	POST /soap                           - SOAP action endpoint
//	GET  /soap?wsdl                      - service description
//	POST /api/legacy/prescription        - REST adapter for CreatePrescription
//	POST /api/legacy/dispense            - REST adapter for RecordDispense
//	GET  /api/legacy/status/:trackingId  - REST status polling
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.POST("/soap", h.HandleSOAP)
	e.GET("/soap", h.HandleWSDL)
	e.POST("/api/legacy/prescription", h.HandleRESTPrescription)
	e.POST("/api/legacy/dispense", h.HandleRESTDispense)
	e.GET("/api/legacy/status/:trackingId", h.HandleRESTStatus)
}

// HandleSOAP serves one SOAP request. Every outcome, including transport
// level mistakes, leaves as an encoded envelope.
func (h *Handler) HandleSOAP(c echo.Context) error {
	if !acceptableContentType(c.Request().Header.Get(echo.HeaderContentType)) {
		fault := soap.EncodeFault(soap.FaultClient,
			"unsupported content type, expected text/xml, application/xml or application/soap+xml", "")
		return c.Blob(http.StatusUnsupportedMediaType, soapContentType, fault)
	}

	raw, err := io.ReadAll(c.Request().Body)
	if err != nil {
		fault := soap.EncodeFault(soap.FaultClient, "failed to read request body", "")
		return c.Blob(http.StatusBadRequest, soapContentType, fault)
	}

	status, body := h.router.Handle(c.Request().Context(), raw)
	return c.Blob(status, soapContentType, body)
}

// HandleWSDL answers GET /soap?wsdl with the static service description.
// Without the wsdl flag the endpoint only accepts POST.
func (h *Handler) HandleWSDL(c echo.Context) error {
	if _, ok := c.QueryParams()["wsdl"]; !ok {
		return echo.NewHTTPError(http.StatusMethodNotAllowed, "use POST for SOAP requests or GET ?wsdl for discovery")
	}
	return c.Blob(http.StatusOK, soapContentType, WSDL(h.service, ActionNames()))
}

// restAsyncResponse is the JSON shape of an accepted REST write.
type restAsyncResponse struct {
	Success    bool   `json:"success"`
	Status     string `json:"status"`
	TrackingID string `json:"trackingId"`
	Message    string `json:"message,omitempty"`
	ResultURL  string `json:"resultUrl,omitempty"`
}

// HandleRESTPrescription adapts POST /api/legacy/prescription onto the
// CreatePrescription action.
func (h *Handler) HandleRESTPrescription(c echo.Context) error {
	var cmd CreatePrescriptionCommand
	if err := json.NewDecoder(c.Request().Body).Decode(&cmd); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid JSON body: " + err.Error()})
	}
	return h.restWrite(c, ActionCreatePrescription, &cmd)
}

// HandleRESTDispense adapts POST /api/legacy/dispense onto the
// RecordDispense action.
func (h *Handler) HandleRESTDispense(c echo.Context) error {
	var cmd RecordDispenseCommand
	if err := json.NewDecoder(c.Request().Body).Decode(&cmd); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid JSON body: " + err.Error()})
	}
	return h.restWrite(c, ActionRecordDispense, &cmd)
}

func (h *Handler) restWrite(c echo.Context, actionName string, cmd Command) error {
	result, err := h.router.ExecuteWrite(c.Request().Context(), actionName, cmd)
	if err != nil {
		status, _, msg, _, _ := h.router.classify(actionName, err)
		return c.JSON(status, map[string]string{"error": msg})
	}

	doc, ok := result.(map[string]any)
	if !ok {
		return c.JSON(http.StatusOK, result)
	}
	// Async strategy returns an AsyncResponse document; fallback returns the
	// backend's own document.
	if trackingID, ok := doc["TrackingID"].(string); ok {
		return c.JSON(http.StatusAccepted, restAsyncResponse{
			Success:    true,
			Status:     asString(doc["Status"]),
			TrackingID: trackingID,
			Message:    asString(doc["Message"]),
			ResultURL:  asString(doc["ResultURL"]),
		})
	}
	return c.JSON(http.StatusOK, doc)
}

// HandleRESTStatus serves GET /api/legacy/status/:trackingId. A missing
// record reports PROCESSING, not 404: the consumer may not have committed
// yet.
func (h *Handler) HandleRESTStatus(c echo.Context) error {
	trackingID := c.Param("trackingId")
	if trackingID == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "trackingId is required"})
	}

	rec, err := h.router.Status(c.Request().Context(), trackingID)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "status lookup failed"})
	}
	return c.JSON(http.StatusOK, rec)
}

// HealthHandler reports the gateway's operational state: admission queue
// depth, breaker states per backend, and cache/channel connectivity. It is
// consumed by orchestration probes, not business logic.
func (h *Handler) HealthHandler() echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
		defer cancel()

		cacheStatus := "ok"
		if err := h.cache.Ping(ctx); err != nil {
			cacheStatus = "unavailable"
		}
		channelStatus := "ok"
		if err := h.bridge.Ping(ctx); err != nil {
			channelStatus = "unavailable"
		}

		body := map[string]any{
			"status":    "ok",
			"admission": h.router.admission.Stats(),
			"breakers":  h.router.breakers.Snapshots(),
			"cache":     cacheStatus,
			"channel":   channelStatus,
		}
		if cacheStatus != "ok" || channelStatus != "ok" {
			body["status"] = "degraded"
		}
		return c.JSON(http.StatusOK, body)
	}
}

func acceptableContentType(ct string) bool {
	if ct == "" {
		return false
	}
	mediaType := strings.TrimSpace(strings.Split(ct, ";")[0])
	switch strings.ToLower(mediaType) {
	case "text/xml", "application/xml", "application/soap+xml":
		return true
	}
	return false
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}
