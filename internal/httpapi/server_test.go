package httpapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/neovend/licensegate/internal/clientip"
	"github.com/neovend/licensegate/internal/httpapi"
	"github.com/neovend/licensegate/internal/licensing/service"
	"github.com/neovend/licensegate/internal/licensing/store"
	"github.com/neovend/licensegate/internal/licensing/store/memory"
	"github.com/neovend/licensegate/internal/licensing/types"
	"github.com/neovend/licensegate/internal/throttle"
)

type testEnv struct {
	ts       *httptest.Server
	licenses *memory.LicenseStore
	audit    *memory.AuditStore
	logger   *service.AuditLogger
}

type envOption func(*httpapi.Dependencies)

// newTestServer wires the full dependency graph on in-memory stores and
// returns an httptest.Server whose URL can be hit with a plain http.Client.
func newTestServer(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	env := &testEnv{
		licenses: memory.NewLicenseStore(),
		audit:    memory.NewAuditStore(),
	}
	env.logger = service.NewAuditLogger(env.audit, service.AuditLoggerConfig{Logger: logger})
	t.Cleanup(func() { _ = env.logger.Close(context.Background()) })

	svc := service.NewValidationService(
		service.NewLicenseRegistry(env.licenses),
		service.NewBinder(env.licenses),
		env.logger,
		service.ValidationServiceConfig{Logger: logger},
	)

	deps := httpapi.Dependencies{
		Logger:     logger,
		Addr:       ":0",
		Validation: svc,
	}
	for _, o := range opts {
		o(&deps)
	}

	env.ts = httptest.NewServer(httpapi.NewServer(deps).Handler())
	t.Cleanup(env.ts.Close)
	return env
}

func (e *testEnv) put(t *testing.T, lic store.License) {
	t.Helper()
	if lic.Status == "" {
		lic.Status = store.StatusActive
	}
	if lic.Type == "" {
		lic.Type = store.TypeLifetime
	}
	if lic.CreatedAt.IsZero() {
		lic.CreatedAt = time.Now().UTC()
	}
	if err := e.licenses.Put(lic); err != nil {
		t.Fatalf("put license: %v", err)
	}
}

// validations drains the audit queue and returns what was written.
func (e *testEnv) validations(t *testing.T) []store.ValidationRecord {
	t.Helper()
	if err := e.logger.Close(context.Background()); err != nil {
		t.Fatalf("close audit logger: %v", err)
	}
	return e.audit.Validations()
}

func post(t *testing.T, url, body string, header ...string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, strings.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func license(t *testing.T, body map[string]any) map[string]any {
	t.Helper()
	lic, ok := body["license"].(map[string]any)
	if !ok {
		t.Fatalf("expected license object, got %v", body["license"])
	}
	return lic
}

// ── Validate ────────────────────────────────────────────────────────────────

func TestValidate_FirstUseBindsDevice(t *testing.T) {
	env := newTestServer(t)
	env.put(t, store.License{ID: "lic-1", Key: "NEO-AAAA"})

	resp := post(t, env.ts.URL+httpapi.PathValidate, `{"key":"neo-aaaa","deviceId":"DEV1","deviceModel":"Pixel 8"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	body := decode(t, resp)
	if body["allowed"] != true {
		t.Errorf("expected allowed=true, got %v", body["allowed"])
	}
	if body["status"] != "used" {
		t.Errorf("expected status=used, got %v", body["status"])
	}
	if body["message"] != service.MsgActivated {
		t.Errorf("unexpected message %v", body["message"])
	}

	lic := license(t, body)
	for _, f := range []string{"deviceId", "device_id", "hardware_id", "hwid", "machine_id"} {
		if lic[f] != "DEV1" {
			t.Errorf("expected %s=DEV1, got %v", f, lic[f])
		}
	}
	if lic["activatedAt"] == nil || lic["activatedAt"] != lic["activated_at"] {
		t.Errorf("activation time aliases disagree: %v / %v", lic["activatedAt"], lic["activated_at"])
	}
}

func TestValidate_LegacyPathAcceptsAliases(t *testing.T) {
	env := newTestServer(t)
	env.put(t, store.License{ID: "lic-1", Key: "NEO-AAAA"})

	resp := post(t, env.ts.URL+httpapi.PathValidateLegacy, `{"key":"NEO-AAAA","hardware_id":"DEV2","device_model":"X1"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	// Same device, canonical field, device-only lookup.
	resp = post(t, env.ts.URL+httpapi.PathValidate, `{"deviceId":"DEV2"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 on replay, got %d", resp.StatusCode)
	}
	if got := decode(t, resp)["message"]; got != service.MsgValid {
		t.Errorf("expected %q, got %v", service.MsgValid, got)
	}
}

func TestValidate_StatusCodes(t *testing.T) {
	past := time.Now().Add(-time.Hour)

	tests := []struct {
		name   string
		lic    *store.License
		body   string
		code   int
		status string
	}{
		{
			name:   "unknown key",
			body:   `{"key":"NEO-NOPE","deviceId":"DEV1"}`,
			code:   http.StatusNotFound,
			status: "not_found",
		},
		{
			name:   "expired",
			lic:    &store.License{ID: "lic-e", Key: "NEO-EXP", ExpiresAt: &past, Type: store.TypeSubscription},
			body:   `{"key":"NEO-EXP","deviceId":"DEV1"}`,
			code:   http.StatusForbidden,
			status: "expired",
		},
		{
			name:   "revoked",
			lic:    &store.License{ID: "lic-r", Key: "NEO-REV", Status: store.StatusRevoked},
			body:   `{"key":"NEO-REV","deviceId":"DEV1"}`,
			code:   http.StatusForbidden,
			status: "revoked",
		},
		{
			name:   "bound elsewhere",
			lic:    &store.License{ID: "lic-m", Key: "NEO-MIS", Status: store.StatusUsed, DeviceID: "OTHER"},
			body:   `{"key":"NEO-MIS","deviceId":"DEV1"}`,
			code:   http.StatusConflict,
			status: "mismatch",
		},
		{
			name:   "missing device",
			body:   `{"key":"NEO-AAAA"}`,
			code:   http.StatusBadRequest,
			status: "not_found",
		},
		{
			name:   "non-string device",
			body:   `{"key":"NEO-AAAA","deviceId":42}`,
			code:   http.StatusBadRequest,
			status: "not_found",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestServer(t)
			if tt.lic != nil {
				env.put(t, *tt.lic)
			}

			resp := post(t, env.ts.URL+httpapi.PathValidate, tt.body)
			if resp.StatusCode != tt.code {
				t.Fatalf("expected %d, got %d", tt.code, resp.StatusCode)
			}
			body := decode(t, resp)
			if body["allowed"] != false {
				t.Errorf("expected allowed=false")
			}
			if body["status"] != tt.status {
				t.Errorf("expected status=%s, got %v", tt.status, body["status"])
			}
		})
	}
}

func TestValidate_AuditsSourceIPAndRequestID(t *testing.T) {
	env := newTestServer(t)

	resp := post(t, env.ts.URL+httpapi.PathValidate, `{"key":"NEO-NOPE","deviceId":"DEV1"}`,
		"X-Forwarded-For", "203.0.113.7, 10.0.0.1",
		"X-Request-ID", "req-42")
	if got := resp.Header.Get("X-Request-ID"); got != "req-42" {
		t.Errorf("expected request id echoed, got %q", got)
	}

	recs := env.validations(t)
	if len(recs) != 1 {
		t.Fatalf("expected 1 validation record, got %d", len(recs))
	}
	if recs[0].SourceIP != "203.0.113.7" {
		t.Errorf("expected source ip 203.0.113.7, got %q", recs[0].SourceIP)
	}
	if recs[0].RequestID != "req-42" {
		t.Errorf("expected request id req-42, got %q", recs[0].RequestID)
	}
}

func TestValidate_MalformedJSON_400(t *testing.T) {
	env := newTestServer(t)

	for _, body := range []string{`{not-json`, `["DEV1"]`} {
		resp := post(t, env.ts.URL+httpapi.PathValidate, body)
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", body, resp.StatusCode)
		}
		got := decode(t, resp)
		if got["status"] != "not_found" || got["message"] != service.MsgMissingInput {
			t.Errorf("%s: unexpected body %v", body, got)
		}
	}

	recs := env.validations(t)
	if len(recs) != 2 {
		t.Fatalf("expected 2 audit records, got %d", len(recs))
	}
	if recs[0].Reason != "Malformed request body" {
		t.Errorf("unexpected reason %q", recs[0].Reason)
	}
}

func TestValidate_BodyTooLarge_400(t *testing.T) {
	env := newTestServer(t)
	env.put(t, store.License{ID: "lic-1", Key: "NEO-AAAA"})

	body := `{"key":"NEO-AAAA","deviceId":"DEV1","pad":"` + strings.Repeat("x", 5000) + `"}`
	resp := post(t, env.ts.URL+httpapi.PathValidate, body)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}

	lic, err := env.licenses.GetByKey(context.Background(), "NEO-AAAA")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if lic.Bound() {
		t.Error("oversized request must not bind")
	}
}

func TestValidate_Protobuf(t *testing.T) {
	env := newTestServer(t)
	env.put(t, store.License{ID: "lic-1", Key: "NEO-AAAA"})

	reqMsg, err := structpb.NewStruct(map[string]any{"key": "NEO-AAAA", "hwid": "DEV9"})
	if err != nil {
		t.Fatalf("build struct: %v", err)
	}
	raw, err := proto.Marshal(reqMsg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	resp, err := http.Post(env.ts.URL+httpapi.PathValidate, "application/x-protobuf", bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/x-protobuf" {
		t.Errorf("expected protobuf response, got %q", ct)
	}

	data, _ := io.ReadAll(resp.Body)
	var out structpb.Struct
	if err := proto.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	got := out.AsMap()
	if got["allowed"] != true {
		t.Errorf("expected allowed=true, got %v", got["allowed"])
	}
	lic := got["license"].(map[string]any)
	if lic["machine_id"] != "DEV9" {
		t.Errorf("expected machine_id=DEV9, got %v", lic["machine_id"])
	}
	if _, ok := lic["expiresAt"]; !ok {
		t.Error("expected expiresAt key present as null")
	}
}

// ── Transport surface ───────────────────────────────────────────────────────

func TestPreflight_CORS(t *testing.T) {
	env := newTestServer(t)

	for _, p := range []string{httpapi.PathValidate, httpapi.PathValidateLegacy} {
		req, _ := http.NewRequest(http.MethodOptions, env.ts.URL+p, nil)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("options: %v", err)
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			t.Errorf("%s: expected 200, got %d", p, resp.StatusCode)
		}
		if len(body) != 0 {
			t.Errorf("%s: expected empty body, got %q", p, body)
		}
		if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "*" {
			t.Errorf("%s: allow-origin = %q", p, got)
		}
		if got := resp.Header.Get("Access-Control-Allow-Headers"); got != "authorization, x-client-info, apikey, content-type" {
			t.Errorf("%s: allow-headers = %q", p, got)
		}
	}
}

func TestCORS_RestrictedOrigins(t *testing.T) {
	env := newTestServer(t, func(d *httpapi.Dependencies) {
		d.AllowedOrigins = []string{"https://app.example.com"}
	})

	resp := post(t, env.ts.URL+httpapi.PathValidate, `{"deviceId":"DEV1"}`, "Origin", "https://app.example.com")
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Errorf("expected listed origin echoed, got %q", got)
	}

	resp = post(t, env.ts.URL+httpapi.PathValidate, `{"deviceId":"DEV1"}`, "Origin", "https://evil.example.com")
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("expected no allow-origin for unlisted origin, got %q", got)
	}
}

func TestHealthz(t *testing.T) {
	env := newTestServer(t)

	resp, err := http.Get(env.ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestMetrics_OnlyWhenConfigured(t *testing.T) {
	env := newTestServer(t)
	resp, err := http.Get(env.ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 without a metrics handler, got %d", resp.StatusCode)
	}

	env = newTestServer(t, func(d *httpapi.Dependencies) {
		d.MetricsHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = io.WriteString(w, "license_validations_total 1\n")
		})
	})
	resp, err = http.Get(env.ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
}

func TestThrottle_429WithoutAudit(t *testing.T) {
	env := newTestServer(t, func(d *httpapi.Dependencies) {
		d.Limiter = throttle.NewLocal(0.001, 1)
	})

	first := post(t, env.ts.URL+httpapi.PathValidate, `{"deviceId":"DEV1"}`)
	if first.StatusCode == http.StatusTooManyRequests {
		t.Fatal("first request should pass")
	}

	second := post(t, env.ts.URL+httpapi.PathValidate, `{"deviceId":"DEV1"}`)
	if second.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", second.StatusCode)
	}
	if ct := second.Header.Get("Content-Type"); ct != "application/problem+json" {
		t.Errorf("expected problem+json, got %q", ct)
	}

	if n := len(env.validations(t)); n != 1 {
		t.Errorf("expected only the admitted request audited, got %d", n)
	}
}

func TestThrottle_ForwardedHeaderFromUntrustedPeerIgnored(t *testing.T) {
	env := newTestServer(t, func(d *httpapi.Dependencies) {
		d.Limiter = throttle.NewLocal(0.001, 1)
	})

	admitted := 0
	for i := 0; i < 20; i++ {
		resp := post(t, env.ts.URL+httpapi.PathValidate, `{"deviceId":"DEV1"}`,
			"X-Forwarded-For", fmt.Sprintf("10.0.0.%d", i))
		if resp.StatusCode != http.StatusTooManyRequests {
			admitted++
		}
	}
	if admitted != 1 {
		t.Fatalf("expected 1 admitted request from one connection, got %d", admitted)
	}
}

func TestThrottle_TrustedProxyKeysOnForwardedClient(t *testing.T) {
	proxies, err := clientip.ParseProxies([]string{"127.0.0.1", "::1"})
	if err != nil {
		t.Fatal(err)
	}
	env := newTestServer(t, func(d *httpapi.Dependencies) {
		d.Limiter = throttle.NewLocal(0.001, 1)
		d.TrustedProxies = proxies
	})

	for i := 0; i < 3; i++ {
		resp := post(t, env.ts.URL+httpapi.PathValidate, `{"deviceId":"DEV1"}`,
			"X-Forwarded-For", fmt.Sprintf("198.51.100.%d", i))
		if resp.StatusCode == http.StatusTooManyRequests {
			t.Fatalf("client %d behind trusted proxy should have its own budget", i)
		}
	}

	again := post(t, env.ts.URL+httpapi.PathValidate, `{"deviceId":"DEV1"}`,
		"X-Forwarded-For", "198.51.100.0")
	if again.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429 for repeat client, got %d", again.StatusCode)
	}
}

type brokenLimiter struct{}

func (brokenLimiter) Allow(context.Context, string) (bool, error) {
	return true, errors.New("redis: connection refused")
}

func TestThrottle_FailsOpen(t *testing.T) {
	env := newTestServer(t, func(d *httpapi.Dependencies) {
		d.Limiter = brokenLimiter{}
	})

	resp := post(t, env.ts.URL+httpapi.PathValidate, `{"deviceId":"DEV1"}`)
	if resp.StatusCode == http.StatusTooManyRequests {
		t.Fatal("limiter errors must not reject requests")
	}
}

type panickingValidator struct{}

func (panickingValidator) Validate(context.Context, types.ValidateRequest) (types.ValidateResponse, service.Result) {
	panic("boom")
}

func (panickingValidator) RejectMalformed(context.Context, types.ValidateRequest) (types.ValidateResponse, service.Result) {
	panic("boom")
}

func TestRecoverer_500Problem(t *testing.T) {
	env := newTestServer(t, func(d *httpapi.Dependencies) {
		d.Validation = panickingValidator{}
	})

	resp := post(t, env.ts.URL+httpapi.PathValidate, `{"deviceId":"DEV1"}`)
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", resp.StatusCode)
	}
	body := decode(t, resp)
	if body["status"] != float64(500) {
		t.Errorf("expected problem status 500, got %v", body["status"])
	}
}
