package web

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"scanlink/config"
	"scanlink/engine"
)

func newTestServer(t *testing.T, users ...config.WebUser) *Server {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Scan.Device = "stub0"
	cfg.Web.Host = "127.0.0.1"
	cfg.Web.Port = 0
	cfg.Web.SessionSecret = "dGVzdHNlY3JldHRlc3RzZWNyZXR0ZXN0c2VjcmV0dGVzdA=="
	cfg.Web.Users = users

	e := engine.New(engine.Config{AppConfig: cfg, ConfigPath: filepath.Join(t.TempDir(), "config.yaml")})
	if err := e.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	s := NewServer(e)
	t.Cleanup(func() {
		s.Stop()
		e.Stop()
	})
	return s
}

func user(t *testing.T, name, password, role string) config.WebUser {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	return config.WebUser{Username: name, PasswordHash: string(hash), Role: role}
}

func serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestOpenModeWithoutUsers(t *testing.T) {
	s := newTestServer(t)
	rec := serve(s.Handler(), httptest.NewRequest("GET", "/api/status", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d: %s", rec.Code, rec.Body.String())
	}
	rec = serve(s.Handler(), httptest.NewRequest("POST", "/api/close", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("mutation in open mode: %d", rec.Code)
	}
}

func TestAuth(t *testing.T) {
	s := newTestServer(t,
		user(t, "admin", "secret", config.RoleAdmin),
		user(t, "viewer", "look", config.RoleViewer),
	)
	h := s.Handler()

	rec := serve(h, httptest.NewRequest("GET", "/api/status", nil))
	if rec.Code != http.StatusUnauthorized || rec.Header().Get("WWW-Authenticate") == "" {
		t.Errorf("anonymous: %d", rec.Code)
	}

	tests := []struct {
		name     string
		user     string
		password string
		method   string
		path     string
		want     int
	}{
		{"admin read", "admin", "secret", "GET", "/api/status", http.StatusOK},
		{"admin write", "admin", "secret", "POST", "/api/cancel", http.StatusOK},
		{"wrong password", "admin", "nope", "GET", "/api/status", http.StatusUnauthorized},
		{"unknown user", "ghost", "secret", "GET", "/api/status", http.StatusUnauthorized},
		{"viewer read", "viewer", "look", "GET", "/api/options", http.StatusOK},
		{"viewer write", "viewer", "look", "POST", "/api/close", http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, nil)
			req.SetBasicAuth(tt.user, tt.password)
			if rec := serve(h, req); rec.Code != tt.want {
				t.Errorf("code = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestLoginCookie(t *testing.T) {
	s := newTestServer(t, user(t, "viewer", "look", config.RoleViewer))
	h := s.Handler()

	bad := httptest.NewRequest("POST", "/login", strings.NewReader(`{"username":"viewer","password":"x"}`))
	bad.Header.Set("Content-Type", "application/json")
	if rec := serve(h, bad); rec.Code != http.StatusUnauthorized {
		t.Errorf("bad login: %d", rec.Code)
	}

	form := url.Values{"username": {"viewer"}, "password": {"look"}}
	login := httptest.NewRequest("POST", "/login", strings.NewReader(form.Encode()))
	login.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := serve(h, login)
	if rec.Code != http.StatusOK {
		t.Fatalf("login: %d %s", rec.Code, rec.Body.String())
	}
	cookies := rec.Result().Cookies()
	if len(cookies) == 0 {
		t.Fatal("no session cookie")
	}

	withCookie := func(method, path string) *http.Request {
		req := httptest.NewRequest(method, path, nil)
		for _, c := range cookies {
			req.AddCookie(c)
		}
		return req
	}

	rec = serve(h, withCookie("GET", "/whoami"))
	var who map[string]string
	json.Unmarshal(rec.Body.Bytes(), &who)
	if rec.Code != http.StatusOK || who["username"] != "viewer" || who["role"] != config.RoleViewer {
		t.Errorf("whoami: %d %v", rec.Code, who)
	}
	if rec := serve(h, withCookie("GET", "/api/status")); rec.Code != http.StatusOK {
		t.Errorf("cookie read: %d", rec.Code)
	}
	if rec := serve(h, withCookie("PUT", "/api/options/resolution")); rec.Code != http.StatusForbidden {
		t.Errorf("cookie write as viewer: %d", rec.Code)
	}
	if rec := serve(h, withCookie("POST", "/logout")); rec.Code != http.StatusNoContent {
		t.Errorf("logout: %d", rec.Code)
	}

	if rec := serve(h, httptest.NewRequest("GET", "/whoami", nil)); rec.Code != http.StatusUnauthorized {
		t.Errorf("whoami without cookie: %d", rec.Code)
	}
	empty := httptest.NewRequest("POST", "/login", strings.NewReader(`{}`))
	empty.Header.Set("Content-Type", "application/json")
	if rec := serve(h, empty); rec.Code != http.StatusBadRequest {
		t.Errorf("empty login: %d", rec.Code)
	}
}

func TestServer_StartStop(t *testing.T) {
	s := newTestServer(t)
	if s.IsRunning() {
		t.Fatal("running before Start")
	}
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	if !s.IsRunning() || !strings.HasPrefix(s.Address(), "http://127.0.0.1:") {
		t.Fatalf("running=%v address=%s", s.IsRunning(), s.Address())
	}

	resp, err := http.Get(s.Address() + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("healthz: %d", resp.StatusCode)
	}

	if err := s.Stop(); err != nil {
		t.Fatal(err)
	}
	if s.IsRunning() {
		t.Error("still running after Stop")
	}
	if err := s.Stop(); err != nil {
		t.Errorf("second Stop: %v", err)
	}
}

func TestCorsPreflight(t *testing.T) {
	s := newTestServer(t)
	rec := serve(s.Handler(), httptest.NewRequest("OPTIONS", "/api/status", nil))
	if rec.Code != http.StatusOK || rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Errorf("preflight: %d %v", rec.Code, rec.Header())
	}
}

func TestHashPassword(t *testing.T) {
	hash, err := HashPassword("pw")
	if err != nil {
		t.Fatal(err)
	}
	if !CheckPassword("pw", hash) || CheckPassword("other", hash) {
		t.Error("hash does not verify")
	}
}
