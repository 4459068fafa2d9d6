package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/spigell/kpi-strategist/internal/auth"
	"github.com/spigell/kpi-strategist/internal/strategy"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

type fakeService struct {
	requests   []strategy.Request
	result     *strategy.Result
	err        error
	history    []strategy.Result
	historyErr error
	historyArg struct {
		userID string
		limit  int
	}
}

func (f *fakeService) Generate(_ context.Context, req strategy.Request) (*strategy.Result, error) {
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	if f.result != nil {
		return f.result, nil
	}
	return &strategy.Result{
		ID:           uuid.New(),
		UserID:       req.UserID,
		BusinessType: req.BusinessType,
		Strategy:     strategy.Strategy{KPIs: []string{"Revenue"}, Tools: []string{"Looker"}, Advice: "Ship."},
		Source:       strategy.SourceCatalog,
	}, nil
}

func (f *fakeService) History(_ context.Context, userID string, limit int) ([]strategy.Result, error) {
	f.historyArg.userID = userID
	f.historyArg.limit = limit
	return f.history, f.historyErr
}

type fakeVerifier struct{}

func (fakeVerifier) Verify(_ context.Context, token string) (*auth.Claims, error) {
	if token != "good-token" {
		return nil, auth.ErrInvalidToken
	}
	return &auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "user-42"},
		Email:            "owner@example.com",
	}, nil
}

type fakeArchive struct {
	names []string
	err   error
}

func (f *fakeArchive) Put(_ context.Context, name, _ string, _ []byte) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.names = append(f.names, name)
	return "uploads/2025/01/01/id-" + name, nil
}

func newTestServer(t *testing.T, cfg Config, deps Deps) *Server {
	t.Helper()
	s, err := New(cfg, deps)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return s
}

func do(s *Server, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func jsonRequest(method, path, body string) *http.Request {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func errorMessage(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body %q: %v", rec.Body.String(), err)
	}
	return body.Error
}

type upload struct {
	field    string
	name     string
	content  []byte
	business string
}

func multipartRequest(t *testing.T, u upload) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if u.business != "" {
		if err := w.WriteField("business_type", u.business); err != nil {
			t.Fatalf("write field: %v", err)
		}
	}
	if u.name != "" {
		field := u.field
		if field == "" {
			field = "file"
		}
		part, err := w.CreateFormFile(field, u.name)
		if err != nil {
			t.Fatalf("create form file: %v", err)
		}
		if _, err := part.Write(u.content); err != nil {
			t.Fatalf("write form file: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close multipart writer: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/strategy/upload", &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	if _, err := New(Config{}, Deps{}); err == nil {
		t.Fatal("expected error without service")
	}
	if _, err := New(Config{RequireAuth: true}, Deps{Service: &fakeService{}}); err == nil {
		t.Fatal("expected error when auth is required without verifier")
	}
}

func TestHomeAndHealth(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, Config{}, Deps{Service: &fakeService{}})

	rec := do(s, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "KPI Generator API Working" {
		t.Fatalf("unexpected home response %d %q", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Fatal("expected generated request id")
	}

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	rec = do(s, req)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"ok"`) {
		t.Fatalf("unexpected health response %d %q", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("X-Request-ID") != "abc-123" {
		t.Fatalf("expected request id to be echoed, got %q", rec.Header().Get("X-Request-ID"))
	}

	rec = do(s, httptest.NewRequest(http.MethodGet, "/missing", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestCreateStrategyWithCatalog(t *testing.T) {
	t.Parallel()

	service := strategy.NewService(strategy.Deps{}, true)
	s := newTestServer(t, Config{}, Deps{Service: service})

	rec := do(s, jsonRequest(http.MethodPost, "/strategy", `{"business_type":"SaaS"}`))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var res strategy.Result
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if res.Source != strategy.SourceCatalog || len(res.KPIs) != 3 || res.KPIs[0] != "Churn Rate" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.Advice != "Focus on onboarding funnel and user engagement metrics." {
		t.Fatalf("unexpected advice %q", res.Advice)
	}

	rec = do(s, jsonRequest(http.MethodPost, "/strategy", `{"business_type":"Bakery"}`))
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if res.Source != strategy.SourceDefault || res.KPIs[0] != "Custom KPI 1" {
		t.Fatalf("unexpected default result: %+v", res)
	}
}

func TestCreateStrategyErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		body    string
		err     error
		expect  int
		message string
	}{
		{name: "malformed json", body: `{"business_type":`, expect: http.StatusBadRequest, message: "invalid request body"},
		{name: "empty body", body: ``, expect: http.StatusBadRequest, message: "invalid request body"},
		{name: "generation failure", body: `{"business_type":"SaaS"}`, err: errors.Join(strategy.ErrGeneration, errors.New("quota")), expect: http.StatusBadGateway},
		{name: "unexpected failure", body: `{}`, err: errors.New("boom"), expect: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s := newTestServer(t, Config{}, Deps{Service: &fakeService{err: tt.err}})
			rec := do(s, jsonRequest(http.MethodPost, "/strategy", tt.body))
			if rec.Code != tt.expect {
				t.Fatalf("expected %d, got %d: %s", tt.expect, rec.Code, rec.Body.String())
			}
			if tt.message != "" && errorMessage(t, rec) != tt.message {
				t.Fatalf("unexpected error message %q", errorMessage(t, rec))
			}
		})
	}
}

func TestCreateStrategyBodyLimit(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, Config{MaxBodyBytes: 32}, Deps{Service: &fakeService{}})
	body := `{"business_type":"SaaS","description":"` + strings.Repeat("x", 100) + `"}`

	rec := do(s, jsonRequest(http.MethodPost, "/strategy", body))
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rec.Code)
	}
}

func TestAuthentication(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		requireAuth bool
		header      string
		expect      int
		expectUser  string
	}{
		{name: "anonymous allowed", expect: http.StatusOK},
		{name: "valid token", header: "Bearer good-token", expect: http.StatusOK, expectUser: "user-42"},
		{name: "invalid token rejected", header: "Bearer forged", expect: http.StatusUnauthorized},
		{name: "malformed header rejected", header: "Token good-token", expect: http.StatusUnauthorized},
		{name: "anonymous rejected when required", requireAuth: true, expect: http.StatusUnauthorized},
		{name: "valid token when required", requireAuth: true, header: "bearer good-token", expect: http.StatusOK, expectUser: "user-42"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			service := &fakeService{}
			s := newTestServer(t, Config{RequireAuth: tt.requireAuth}, Deps{Service: service, Verifier: fakeVerifier{}})

			req := jsonRequest(http.MethodPost, "/strategy", `{"business_type":"SaaS","description":"B2B"}`)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := do(s, req)
			if rec.Code != tt.expect {
				t.Fatalf("expected %d, got %d: %s", tt.expect, rec.Code, rec.Body.String())
			}
			if tt.expect != http.StatusOK {
				if len(service.requests) != 0 {
					t.Fatal("service must not be called for rejected requests")
				}
				return
			}
			got := service.requests[0]
			if got.UserID != tt.expectUser || got.BusinessType != "SaaS" || got.Description != "B2B" {
				t.Fatalf("unexpected request: %+v", got)
			}
			if tt.expectUser != "" && got.UserEmail != "owner@example.com" {
				t.Fatalf("expected email to be forwarded, got %q", got.UserEmail)
			}
		})
	}
}

func TestListStrategies(t *testing.T) {
	t.Parallel()

	authed := func(path string) *http.Request {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.Header.Set("Authorization", "Bearer good-token")
		return req
	}

	t.Run("requires token", func(t *testing.T) {
		t.Parallel()
		s := newTestServer(t, Config{}, Deps{Service: &fakeService{}, Verifier: fakeVerifier{}})
		rec := do(s, httptest.NewRequest(http.MethodGet, "/strategies", nil))
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %d", rec.Code)
		}
	})

	t.Run("requires verifier", func(t *testing.T) {
		t.Parallel()
		s := newTestServer(t, Config{}, Deps{Service: &fakeService{}})
		rec := do(s, authed("/strategies"))
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %d", rec.Code)
		}
	})

	t.Run("lists history", func(t *testing.T) {
		t.Parallel()
		service := &fakeService{history: []strategy.Result{{ID: uuid.New(), UserID: "user-42", Source: strategy.SourceAI}}}
		s := newTestServer(t, Config{}, Deps{Service: service, Verifier: fakeVerifier{}})

		rec := do(s, authed("/strategies?limit=5"))
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
		}
		if service.historyArg.userID != "user-42" || service.historyArg.limit != 5 {
			t.Fatalf("unexpected history call: %+v", service.historyArg)
		}

		var body historyResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("decode response: %v", err)
		}
		if len(body.Strategies) != 1 || body.Strategies[0].Source != strategy.SourceAI {
			t.Fatalf("unexpected body: %+v", body)
		}
	})

	t.Run("empty history is an empty list", func(t *testing.T) {
		t.Parallel()
		s := newTestServer(t, Config{}, Deps{Service: &fakeService{}, Verifier: fakeVerifier{}})
		rec := do(s, authed("/strategies"))
		if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"strategies":[]`) {
			t.Fatalf("unexpected response %d %s", rec.Code, rec.Body.String())
		}
	})

	t.Run("invalid limit", func(t *testing.T) {
		t.Parallel()
		s := newTestServer(t, Config{}, Deps{Service: &fakeService{}, Verifier: fakeVerifier{}})
		rec := do(s, authed("/strategies?limit=ten"))
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", rec.Code)
		}
	})

	t.Run("history disabled", func(t *testing.T) {
		t.Parallel()
		service := &fakeService{historyErr: strategy.ErrHistoryDisabled}
		s := newTestServer(t, Config{}, Deps{Service: service, Verifier: fakeVerifier{}})
		rec := do(s, authed("/strategies"))
		if rec.Code != http.StatusServiceUnavailable {
			t.Fatalf("expected 503, got %d", rec.Code)
		}
	})
}

func TestUploadStrategy(t *testing.T) {
	t.Parallel()

	service := &fakeService{}
	archive := &fakeArchive{}
	s := newTestServer(t, Config{}, Deps{Service: service, Archive: archive})

	req := multipartRequest(t, upload{
		name:     "plan.txt",
		content:  []byte("  We roast coffee.\n\n\n Subscriptions next.  "),
		business: "Coffee shop",
	})
	rec := do(s, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	got := service.requests[0]
	if got.BusinessType != "Coffee shop" || got.Document == nil {
		t.Fatalf("unexpected request: %+v", got)
	}
	if got.Document.Text != "We roast coffee.\n\nSubscriptions next." {
		t.Fatalf("unexpected document text %q", got.Document.Text)
	}
	if got.Document.ArchiveKey != "uploads/2025/01/01/id-plan.txt" || len(archive.names) != 1 {
		t.Fatalf("expected document to be archived, got %+v", got.Document)
	}
}

func TestUploadStrategyPDF(t *testing.T) {
	t.Parallel()

	content, err := os.ReadFile("testdata/plan.pdf")
	if err != nil {
		t.Fatalf("read fixture: %v", err)
	}

	service := &fakeService{}
	s := newTestServer(t, Config{}, Deps{Service: service})

	rec := do(s, multipartRequest(t, upload{name: "plan.pdf", content: content, business: "Bakery"}))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	got := service.requests[0].Document
	if got == nil || got.Name != "plan.pdf" {
		t.Fatalf("unexpected document: %+v", got)
	}
	if got.Text != "Bakery growth plan\nLaunch a weekday breakfast subscription" {
		t.Fatalf("unexpected document text %q", got.Text)
	}
}

func TestUploadStrategyArchiveFailureIsTolerated(t *testing.T) {
	t.Parallel()

	service := &fakeService{}
	s := newTestServer(t, Config{}, Deps{Service: service, Archive: &fakeArchive{err: errors.New("denied")}})

	rec := do(s, multipartRequest(t, upload{name: "plan.md", content: []byte("# Plan")}))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if service.requests[0].Document.ArchiveKey != "" {
		t.Fatal("expected no archive key")
	}
}

func TestUploadStrategyErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		upload upload
		expect int
	}{
		{name: "missing file", upload: upload{business: "SaaS"}, expect: http.StatusBadRequest},
		{name: "wrong field", upload: upload{field: "document", name: "a.txt", content: []byte("x")}, expect: http.StatusBadRequest},
		{name: "unsupported type", upload: upload{name: "logo.png", content: []byte{0x89, 'P', 'N', 'G'}}, expect: http.StatusUnsupportedMediaType},
		{name: "empty document", upload: upload{name: "empty.txt", content: []byte(" \n ")}, expect: http.StatusUnprocessableEntity},
		{name: "corrupt pdf", upload: upload{name: "deck.pdf", content: []byte("not a pdf")}, expect: http.StatusUnprocessableEntity},
		{name: "too large", upload: upload{name: "big.txt", content: bytes.Repeat([]byte("a"), 2048)}, expect: http.StatusRequestEntityTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			service := &fakeService{}
			s := newTestServer(t, Config{MaxUploadBytes: 1024}, Deps{Service: service})
			rec := do(s, multipartRequest(t, tt.upload))
			if rec.Code != tt.expect {
				t.Fatalf("expected %d, got %d: %s", tt.expect, rec.Code, rec.Body.String())
			}
			if len(service.requests) != 0 {
				t.Fatal("service must not be called")
			}
		})
	}

	s := newTestServer(t, Config{}, Deps{Service: &fakeService{}})
	rec := do(s, jsonRequest(http.MethodPost, "/strategy/upload", `{}`))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for non-multipart body, got %d", rec.Code)
	}
}

func TestCORS(t *testing.T) {
	t.Parallel()

	t.Run("wildcard preflight", func(t *testing.T) {
		t.Parallel()
		s := newTestServer(t, Config{}, Deps{Service: &fakeService{}})

		req := httptest.NewRequest(http.MethodOptions, "/strategy", nil)
		req.Header.Set("Origin", "https://app.example.com")
		req.Header.Set("Access-Control-Request-Method", "POST")
		rec := do(s, req)

		if rec.Code != http.StatusNoContent {
			t.Fatalf("expected 204, got %d", rec.Code)
		}
		if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
			t.Fatalf("unexpected allow origin %q", rec.Header().Get("Access-Control-Allow-Origin"))
		}
		if !strings.Contains(rec.Header().Get("Access-Control-Allow-Headers"), "Authorization") {
			t.Fatalf("unexpected allow headers %q", rec.Header().Get("Access-Control-Allow-Headers"))
		}
	})

	t.Run("whitelist", func(t *testing.T) {
		t.Parallel()
		cfg := Config{CORS: CORSConfig{AllowOrigins: []string{"https://app.example.com"}, AllowCredentials: true}}
		s := newTestServer(t, cfg, Deps{Service: &fakeService{}})

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Origin", "https://app.example.com")
		rec := do(s, req)
		if rec.Header().Get("Access-Control-Allow-Origin") != "https://app.example.com" {
			t.Fatalf("expected origin to be allowed, got %q", rec.Header().Get("Access-Control-Allow-Origin"))
		}
		if rec.Header().Get("Access-Control-Allow-Credentials") != "true" {
			t.Fatal("expected credentials to be allowed")
		}

		req = httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Origin", "https://evil.example.com")
		rec = do(s, req)
		if rec.Code != http.StatusOK || rec.Header().Get("Access-Control-Allow-Origin") != "" {
			t.Fatalf("unexpected response for foreign origin: %d %q", rec.Code, rec.Header().Get("Access-Control-Allow-Origin"))
		}
	})

	t.Run("disabled", func(t *testing.T) {
		t.Parallel()
		s := newTestServer(t, Config{CORS: CORSConfig{AllowOrigins: []string{}}}, Deps{Service: &fakeService{}})

		req := httptest.NewRequest(http.MethodOptions, "/strategy", nil)
		req.Header.Set("Origin", "https://app.example.com")
		rec := do(s, req)
		if rec.Code != http.StatusNoContent || rec.Header().Get("Access-Control-Allow-Origin") != "" {
			t.Fatalf("unexpected preflight response: %d %q", rec.Code, rec.Header().Get("Access-Control-Allow-Origin"))
		}
	})
}

func TestServeShutsDownOnCancel(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, Config{ShutdownTimeout: time.Second}, Deps{Service: &fakeService{}})

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, listener) }()

	url := "http://" + listener.Addr().String() + "/healthz"
	var resp *http.Response
	for i := 0; i < 50; i++ {
		resp, err = http.Get(url)
		if err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("server did not start: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
