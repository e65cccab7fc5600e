package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

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

type routerEnv struct {
	router  *Router
	channel *events.Memory
	store   *bridge.MemoryStatusStore
}

type envConfig struct {
	async     bool
	admission admission.Config
	breaker   breaker.Config
	handlers  map[string]http.HandlerFunc
}

func okHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"ok":true}`))
}

func newRouterEnv(t *testing.T, cfg envConfig) *routerEnv {
	t.Helper()

	backends := make(map[string]*backend.Client)
	for _, name := range []string{backend.NamePrescription, backend.NameDispense, backend.NameMedication} {
		h := cfg.handlers[name]
		if h == nil {
			h = okHandler
		}
		srv := httptest.NewServer(h)
		t.Cleanup(srv.Close)
		backends[name] = backend.NewClient(name, srv.URL, 2*time.Second)
	}

	if cfg.breaker.VolumeThreshold == 0 {
		cfg.breaker = breaker.DefaultConfig()
	}

	channel := events.NewMemory()
	store := bridge.NewMemoryStatusStore(bridge.DefaultRetention)

	r := NewRouter(Options{
		Admission:    admission.New(cfg.admission),
		Breakers:     breaker.NewRegistry(cfg.breaker, nil),
		Cache:        cache.NewMemory(),
		Bridge:       bridge.New(channel, store),
		Backends:     backends,
		Logger:       zerolog.Nop(),
		Metrics:      metrics.New(),
		AsyncEnabled: cfg.async,
		StatusPath:   "/api/legacy/status/",
	})
	return &routerEnv{router: r, channel: channel, store: store}
}

func soapEnvelope(action string, fields map[string]string) []byte {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="utf-8"?>`)
	b.WriteString(`<soap:Envelope xmlns:soap="http://schemas.xmlsoap.org/soap/envelope/"><soap:Body>`)
	b.WriteString("<" + action + ">")
	for k, v := range fields {
		b.WriteString("<" + k + ">" + v + "</" + k + ">")
	}
	b.WriteString("</" + action + ">")
	b.WriteString(`</soap:Body></soap:Envelope>`)
	return []byte(b.String())
}

// decodeResponse reuses the codec to inspect a response envelope in tests.
func decodeResponse(t *testing.T, raw []byte) *soap.Action {
	t.Helper()
	action, err := soap.Decode(raw)
	if err != nil {
		t.Fatalf("response envelope did not decode: %v\n%s", err, raw)
	}
	return action
}

func validCreateFields() map[string]string {
	return map[string]string{
		"PatientID":        "p-100",
		"PhysicianLicense": "MD-42",
		"DrugCode":         "N02BA01",
		"Dosage":           "500mg",
		"Quantity":         "30",
	}
}

func TestRouter_AsyncWriteAcceptedThenProcessing(t *testing.T) {
	env := newRouterEnv(t, envConfig{async: true})

	status, body := env.router.Handle(context.Background(),
		soapEnvelope(ActionCreatePrescription, validCreateFields()))
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", status, body)
	}

	resp := decodeResponse(t, body)
	if resp.Name != "CreatePrescriptionResponse" {
		t.Fatalf("unexpected response element %q", resp.Name)
	}
	if got := resp.Body.ChildText("Status"); got != "ACCEPTED" {
		t.Errorf("expected ACCEPTED, got %q", got)
	}
	trackingID := resp.Body.ChildText("TrackingID")
	if trackingID == "" {
		t.Fatal("expected a tracking id")
	}
	if got := resp.Body.ChildText("ResultURL"); got != "/api/legacy/status/"+trackingID {
		t.Errorf("unexpected result url %q", got)
	}

	status, body = env.router.Handle(context.Background(),
		soapEnvelope(ActionGetStatus, map[string]string{"TrackingID": trackingID}))
	if status != http.StatusOK {
		t.Fatalf("status poll failed with %d: %s", status, body)
	}
	poll := decodeResponse(t, body)
	if got := poll.Body.ChildText("Status"); got != "PROCESSING" {
		t.Errorf("uncommitted tracking id should report PROCESSING, got %q", got)
	}
}

func TestRouter_AsyncWriteTrackingIDsAreUnique(t *testing.T) {
	env := newRouterEnv(t, envConfig{async: true})

	seen := map[string]bool{}
	for i := 0; i < 5; i++ {
		_, body := env.router.Handle(context.Background(),
			soapEnvelope(ActionCreatePrescription, validCreateFields()))
		id := decodeResponse(t, body).Body.ChildText("TrackingID")
		if seen[id] {
			t.Fatalf("duplicate tracking id %q", id)
		}
		seen[id] = true
	}
}

func TestRouter_StatusReflectsCommittedResult(t *testing.T) {
	env := newRouterEnv(t, envConfig{async: true})

	err := env.store.Put(context.Background(), bridge.TrackingRecord{
		TrackingID:  "trk-1",
		Status:      bridge.StatusCompleted,
		Result:      json.RawMessage(`{"prescriptionId":"rx-9"}`),
		CompletedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("seed status store: %v", err)
	}

	status, body := env.router.Handle(context.Background(),
		soapEnvelope(ActionGetStatus, map[string]string{"TrackingID": "trk-1"}))
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	resp := decodeResponse(t, body)
	if got := resp.Body.ChildText("Status"); got != "COMPLETED" {
		t.Errorf("expected COMPLETED, got %q", got)
	}
	result := resp.Body.Child("Result")
	if result == nil || result.ChildText("prescriptionId") != "rx-9" {
		t.Errorf("expected result document, got %s", body)
	}
}

func TestRouter_MissingRequiredFieldIsClientFault(t *testing.T) {
	env := newRouterEnv(t, envConfig{async: true})

	sub, err := env.channel.Subscribe(contextWithCancel(t), bridge.CommandTopic(bridge.FamilyPrescription))
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	fields := validCreateFields()
	delete(fields, "PhysicianLicense")
	status, body := env.router.Handle(context.Background(),
		soapEnvelope(ActionCreatePrescription, fields))

	if status != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", status, body)
	}
	if !strings.Contains(string(body), "soap:Client") {
		t.Errorf("expected Client fault, got %s", body)
	}
	if !strings.Contains(string(body), "PhysicianLicense") {
		t.Errorf("fault should name the missing field, got %s", body)
	}

	select {
	case msg := <-sub:
		t.Fatalf("rejected command must not be published, got %+v", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRouter_ReadServedFromCache(t *testing.T) {
	var mu sync.Mutex
	hits := 0
	env := newRouterEnv(t, envConfig{handlers: map[string]http.HandlerFunc{
		backend.NameMedication: func(w http.ResponseWriter, _ *http.Request) {
			mu.Lock()
			hits++
			mu.Unlock()
			_, _ = w.Write([]byte(`{"drugs":[{"code":"N02BA01","name":"Aspirin"}]}`))
		},
	}})

	req := soapEnvelope(ActionSearchDrugs, map[string]string{"Query": "aspirin"})
	for i := 0; i < 3; i++ {
		status, body := env.router.Handle(context.Background(), req)
		if status != http.StatusOK {
			t.Fatalf("request %d failed with %d: %s", i, status, body)
		}
		if !strings.Contains(string(body), "Aspirin") {
			t.Fatalf("request %d missing payload: %s", i, body)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if hits != 1 {
		t.Errorf("expected one backend call, got %d", hits)
	}
}

func TestRouter_WriteInvalidatesCachedRead(t *testing.T) {
	var mu sync.Mutex
	hits := 0
	env := newRouterEnv(t, envConfig{async: true, handlers: map[string]http.HandlerFunc{
		backend.NamePrescription: func(w http.ResponseWriter, _ *http.Request) {
			mu.Lock()
			hits++
			mu.Unlock()
			_, _ = w.Write([]byte(`{"id":"rx-7","status":"active"}`))
		},
	}})

	read := soapEnvelope(ActionGetPrescription, map[string]string{"PrescriptionID": "rx-7"})
	env.router.Handle(context.Background(), read)
	env.router.Handle(context.Background(), read)

	mu.Lock()
	if hits != 1 {
		t.Fatalf("expected cached second read, got %d backend calls", hits)
	}
	mu.Unlock()

	status, body := env.router.Handle(context.Background(),
		soapEnvelope(ActionSignPrescription, map[string]string{
			"PrescriptionID":   "rx-7",
			"PhysicianLicense": "MD-42",
			"Signature":        "sig-data",
		}))
	if status != http.StatusOK {
		t.Fatalf("sign failed with %d: %s", status, body)
	}

	env.router.Handle(context.Background(), read)
	mu.Lock()
	defer mu.Unlock()
	if hits != 2 {
		t.Errorf("expected backend re-read after invalidation, got %d calls", hits)
	}
}

func TestRouter_BreakerIsolatesFailingBackend(t *testing.T) {
	env := newRouterEnv(t, envConfig{
		breaker: breaker.Config{
			Timeout:           time.Second,
			ResetTimeout:      time.Minute,
			VolumeThreshold:   3,
			ErrorThresholdPct: 50,
			WindowSize:        6,
		},
		handlers: map[string]http.HandlerFunc{
			backend.NamePrescription: func(w http.ResponseWriter, _ *http.Request) {
				http.Error(w, "down", http.StatusInternalServerError)
			},
			backend.NameMedication: func(w http.ResponseWriter, _ *http.Request) {
				_, _ = w.Write([]byte(`{"drugs":[]}`))
			},
		},
	})

	read := soapEnvelope(ActionGetPrescription, map[string]string{"PrescriptionID": "rx-1"})
	var lastStatus int
	var lastBody []byte
	for i := 0; i < 6; i++ {
		lastStatus, lastBody = env.router.Handle(context.Background(), read)
	}
	if lastStatus != http.StatusServiceUnavailable {
		t.Fatalf("expected circuit-open 503 after repeated failures, got %d: %s", lastStatus, lastBody)
	}
	if !strings.Contains(string(lastBody), "temporarily unavailable") {
		t.Errorf("expected circuit-open fault, got %s", lastBody)
	}

	// The medication backend is healthy and must be unaffected.
	status, body := env.router.Handle(context.Background(),
		soapEnvelope(ActionSearchDrugs, map[string]string{"Query": "aspirin"}))
	if status != http.StatusOK {
		t.Errorf("healthy backend should still serve, got %d: %s", status, body)
	}
}

func TestRouter_OverloadShedsRequests(t *testing.T) {
	release := make(chan struct{})
	env := newRouterEnv(t, envConfig{
		admission: admission.Config{MaxConcurrent: 1, HighWater: 1},
		handlers: map[string]http.HandlerFunc{
			backend.NameMedication: func(w http.ResponseWriter, _ *http.Request) {
				<-release
				_, _ = w.Write([]byte(`{"name":"Aspirin"}`))
			},
		},
	})

	const n = 5
	statuses := make(chan int, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			status, _ := env.router.Handle(context.Background(),
				soapEnvelope(ActionGetDrugInfo, map[string]string{"DrugCode": "N02BA01"}))
			statuses <- status
		}()
	}

	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()
	close(statuses)

	shed, served := 0, 0
	for status := range statuses {
		switch status {
		case http.StatusServiceUnavailable:
			shed++
		case http.StatusOK:
			served++
		default:
			t.Errorf("unexpected status %d", status)
		}
	}
	if shed == 0 {
		t.Error("expected at least one shed request")
	}
	if served == 0 {
		t.Error("expected at least one served request")
	}
}

func TestRouter_UnknownActionIsClientFault(t *testing.T) {
	env := newRouterEnv(t, envConfig{})

	status, body := env.router.Handle(context.Background(),
		soapEnvelope("TransmogrifyPrescription", nil))
	if status != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", status)
	}
	if !strings.Contains(string(body), "soap:Client") || !strings.Contains(string(body), "unknown action") {
		t.Errorf("unexpected fault body: %s", body)
	}
}

func TestRouter_MalformedEnvelopeIsClientFault(t *testing.T) {
	env := newRouterEnv(t, envConfig{})

	status, body := env.router.Handle(context.Background(), []byte("this is not xml"))
	if status != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", status)
	}
	if !strings.Contains(string(body), "soap:Client") {
		t.Errorf("expected Client fault, got %s", body)
	}
	if _, err := soap.Decode(body); err != nil {
		t.Errorf("fault envelope must itself be well-formed: %v", err)
	}
}

func TestRouter_SyncFallbackWrite(t *testing.T) {
	var gotPath string
	var gotBody map[string]any
	env := newRouterEnv(t, envConfig{async: false, handlers: map[string]http.HandlerFunc{
		backend.NamePrescription: func(w http.ResponseWriter, r *http.Request) {
			gotPath = r.URL.Path
			_ = json.NewDecoder(r.Body).Decode(&gotBody)
			_, _ = w.Write([]byte(`{"id":"rx-55","status":"created"}`))
		},
	}})

	status, body := env.router.Handle(context.Background(),
		soapEnvelope(ActionCreatePrescription, validCreateFields()))
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", status, body)
	}
	if gotPath != "/prescriptions" {
		t.Errorf("unexpected backend path %q", gotPath)
	}
	if gotBody["patientId"] != "p-100" {
		t.Errorf("command payload not forwarded, got %v", gotBody)
	}
	resp := decodeResponse(t, body)
	if resp.Body.ChildText("id") != "rx-55" {
		t.Errorf("backend document not returned: %s", body)
	}
}

func TestRouter_ChannelOutageFailsWriteFast(t *testing.T) {
	env := newRouterEnv(t, envConfig{async: true})
	env.channel.Close()

	status, body := env.router.Handle(context.Background(),
		soapEnvelope(ActionCreatePrescription, validCreateFields()))
	if status != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 on channel outage, got %d: %s", status, body)
	}
	if !strings.Contains(string(body), "soap:Server") {
		t.Errorf("expected Server fault, got %s", body)
	}
}

func contextWithCancel(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}
