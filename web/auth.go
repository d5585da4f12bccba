package web

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gorilla/sessions"
	"golang.org/x/crypto/bcrypt"

	"scanlink/config"
	"scanlink/logging"
)

const (
	sessionName    = "scanlink_session"
	sessionUserKey = "username"
	sessionRoleKey = "role"
)

type sessionStore struct {
	store *sessions.CookieStore
}

// newSessionStore creates a cookie store keyed by the base64 secret. A short
// or missing secret gets a random key, so sessions do not survive restarts.
func newSessionStore(secret string) *sessionStore {
	var key []byte
	if secret != "" {
		key, _ = base64.StdEncoding.DecodeString(secret)
	}
	if len(key) < 32 {
		key = make([]byte, 32)
		rand.Read(key)
	}

	store := sessions.NewCookieStore(key)
	store.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   86400 * 7,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}
	return &sessionStore{store: store}
}

// get ignores decode errors from stale cookies; the returned session is
// always usable.
func (s *sessionStore) get(r *http.Request) *sessions.Session {
	session, _ := s.store.Get(r, sessionName)
	return session
}

func (s *sessionStore) getUser(r *http.Request) (username, role string, ok bool) {
	session := s.get(r)
	user, uok := session.Values[sessionUserKey].(string)
	role, rok := session.Values[sessionRoleKey].(string)
	if !uok || !rok || user == "" {
		return "", "", false
	}
	return user, role, true
}

func (s *sessionStore) setUser(w http.ResponseWriter, r *http.Request, username, role string) error {
	session := s.get(r)
	session.Values[sessionUserKey] = username
	session.Values[sessionRoleKey] = role
	return session.Save(r, w)
}

func (s *sessionStore) clear(w http.ResponseWriter, r *http.Request) error {
	session := s.get(r)
	delete(session.Values, sessionUserKey)
	delete(session.Values, sessionRoleKey)
	session.Options.MaxAge = -1
	return session.Save(r, w)
}

// CheckPassword verifies a password against a bcrypt hash.
func CheckPassword(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// HashPassword returns the bcrypt hash stored in the users list.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// auth guards the API with the configured users. With no users configured
// every request is let through.
type auth struct {
	cfg      *config.Config
	sessions *sessionStore
}

func newAuth(cfg *config.Config) *auth {
	return &auth{cfg: cfg, sessions: newSessionStore(cfg.Web.SessionSecret)}
}

func (a *auth) enabled() bool {
	a.cfg.Lock()
	defer a.cfg.Unlock()
	return len(a.cfg.Web.Users) > 0
}

// lookup returns a copy of the named user.
func (a *auth) lookup(username string) (config.WebUser, bool) {
	a.cfg.Lock()
	defer a.cfg.Unlock()
	u := a.cfg.FindWebUser(username)
	if u == nil {
		return config.WebUser{}, false
	}
	return *u, true
}

// verify checks a username and password pair.
func (a *auth) verify(username, password string) (config.WebUser, bool) {
	u, ok := a.lookup(username)
	if !ok || !CheckPassword(password, u.PasswordHash) {
		return config.WebUser{}, false
	}
	return u, true
}

// identify returns the caller's role from the session cookie or, for
// scripts, HTTP basic credentials.
func (a *auth) identify(w http.ResponseWriter, r *http.Request) (string, bool) {
	if username, role, ok := a.sessions.getUser(r); ok {
		if _, exists := a.lookup(username); exists {
			return role, true
		}
		a.sessions.clear(w, r)
	}
	if username, password, ok := r.BasicAuth(); ok {
		if u, ok := a.verify(username, password); ok {
			return u.Role, true
		}
	}
	return "", false
}

func writeAuthError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// requireAuth rejects unauthenticated callers, and viewers on anything but
// reads.
func (a *auth) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.enabled() {
			next.ServeHTTP(w, r)
			return
		}
		role, ok := a.identify(w, r)
		if !ok {
			w.Header().Set("WWW-Authenticate", `Basic realm="scanlink"`)
			writeAuthError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		if role != config.RoleAdmin && r.Method != http.MethodGet && r.Method != http.MethodHead {
			writeAuthError(w, http.StatusForbidden, "admin access required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// handleLogin accepts a JSON body or a form post.
func (a *auth) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeAuthError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
	} else {
		req.Username = r.FormValue("username")
		req.Password = r.FormValue("password")
	}
	if req.Username == "" || req.Password == "" {
		writeAuthError(w, http.StatusBadRequest, "username and password are required")
		return
	}

	u, ok := a.verify(req.Username, req.Password)
	if !ok {
		logging.DebugLog("api", "failed login for %q from %s", req.Username, r.RemoteAddr)
		writeAuthError(w, http.StatusUnauthorized, "invalid username or password")
		return
	}
	if err := a.sessions.setUser(w, r, u.Username, u.Role); err != nil {
		writeAuthError(w, http.StatusInternalServerError, "session error: "+err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"username": u.Username, "role": u.Role})
}

func (a *auth) handleLogout(w http.ResponseWriter, r *http.Request) {
	a.sessions.clear(w, r)
	w.WriteHeader(http.StatusNoContent)
}

func (a *auth) handleWhoAmI(w http.ResponseWriter, r *http.Request) {
	username, role, ok := a.sessions.getUser(r)
	if !ok {
		writeAuthError(w, http.StatusUnauthorized, "not logged in")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"username": username, "role": role})
}
