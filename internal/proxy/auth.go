package proxy

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// SessionCookie is the cookie carrying a signed session.
const SessionCookie = "promptsmith_session"

const sessionTTL = 7 * 24 * time.Hour

// PasswordGate protects the API with a single shared password. A gate with
// an empty password lets every request through.
type PasswordGate struct {
	password string
	secret   []byte
	now      func() time.Time
}

// NewPasswordGate creates a gate. An empty secret is replaced with random
// bytes, so sessions do not survive a restart.
func NewPasswordGate(password, secret string) *PasswordGate {
	key := []byte(secret)
	if len(key) == 0 {
		key = make([]byte, 32)
		_, _ = rand.Read(key)
	}
	return &PasswordGate{password: password, secret: key, now: time.Now}
}

// Enabled reports whether a password is configured.
func (g *PasswordGate) Enabled() bool {
	return g != nil && g.password != ""
}

func (g *PasswordGate) sign(expires int64) string {
	mac := hmac.New(sha256.New, g.secret)
	mac.Write([]byte(strconv.FormatInt(expires, 10)))
	return hex.EncodeToString(mac.Sum(nil))
}

func (g *PasswordGate) token() (string, time.Time) {
	exp := g.now().Add(sessionTTL)
	return strconv.FormatInt(exp.Unix(), 10) + "." + g.sign(exp.Unix()), exp
}

// Valid reports whether token is an unexpired session signed by this gate.
func (g *PasswordGate) Valid(token string) bool {
	ts, sig, ok := strings.Cut(token, ".")
	if !ok {
		return false
	}
	exp, err := strconv.ParseInt(ts, 10, 64)
	if err != nil || g.now().Unix() > exp {
		return false
	}
	return hmac.Equal([]byte(sig), []byte(g.sign(exp)))
}

// Middleware rejects requests without a valid session with 401. Preflight
// requests and paths in open pass through.
func (g *PasswordGate) Middleware(open ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !g.Enabled() || r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}
			for _, p := range open {
				if r.URL.Path == p {
					next.ServeHTTP(w, r)
					return
				}
			}
			if c, err := r.Cookie(SessionCookie); err == nil && g.Valid(c.Value) {
				next.ServeHTTP(w, r)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "authentication required"})
		})
	}
}

// HandleAuth checks {"password": "..."} and sets the session cookie.
func (g *PasswordGate) HandleAuth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if !g.Enabled() {
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "required": false})
		return
	}

	var body struct {
		Password string `json:"password"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&body); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "invalid JSON body"})
		return
	}
	if subtle.ConstantTimeCompare([]byte(body.Password), []byte(g.password)) != 1 {
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "wrong password"})
		return
	}

	token, exp := g.token()
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    token,
		Path:     "/",
		Expires:  exp,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   r.TLS != nil,
	})
	_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "required": true})
}
