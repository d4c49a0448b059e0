package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"strings"
	"time"
)

type ownerKey struct{}

// Signer produces and verifies "value.signature" tokens using HMAC-SHA256.
// Each signer is bound to a purpose; a token signed for one purpose does not
// verify under another, even with the same secret.
type Signer struct {
	secret  []byte
	purpose string
}

const (
	PurposeIdentity = "identity"
	PurposeSession  = "session"
)

// NewSigner returns a signer for caller identity tokens.
func NewSigner(secret string) *Signer {
	return &Signer{secret: []byte(secret), purpose: PurposeIdentity}
}

// For returns a signer sharing s's secret but bound to purpose.
func (s *Signer) For(purpose string) *Signer {
	return &Signer{secret: s.secret, purpose: purpose}
}

func (s *Signer) Sign(value string) string {
	return value + "." + s.mac(value)
}

// Verify returns the signed value when the token's signature matches.
func (s *Signer) Verify(token string) (string, bool) {
	i := strings.LastIndexByte(token, '.')
	if i <= 0 || i == len(token)-1 {
		return "", false
	}
	value, sig := token[:i], token[i+1:]
	if subtle.ConstantTimeCompare([]byte(s.mac(value)), []byte(sig)) != 1 {
		return "", false
	}
	return value, true
}

func (s *Signer) mac(value string) string {
	h := hmac.New(sha256.New, s.secret)
	h.Write([]byte(s.purpose))
	h.Write([]byte{0})
	h.Write([]byte(value))
	return hex.EncodeToString(h.Sum(nil))
}

// WithOwner returns a context carrying the authenticated owner id.
func WithOwner(ctx context.Context, ownerID string) context.Context {
	return context.WithValue(ctx, ownerKey{}, ownerID)
}

// OwnerFromContext returns the authenticated owner id, or "" if the request
// was not authenticated.
func OwnerFromContext(ctx context.Context) string {
	v, _ := ctx.Value(ownerKey{}).(string)
	return v
}

// Middleware verifies "Authorization: Bearer <owner>.<sig>" and stores the
// owner in the request context. Requests without a valid token pass through
// unauthenticated; handlers decide how to reject them.
func Middleware(signer *Signer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			token, found := strings.CutPrefix(header, "Bearer ")
			if found {
				if owner, ok := signer.Verify(strings.TrimSpace(token)); ok {
					r = r.WithContext(WithOwner(r.Context(), owner))
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// SessionCookie carries the signed session id between requests. Its values
// are signed under PurposeSession, so they are never valid bearer tokens.
type SessionCookie struct {
	Name   string
	MaxAge time.Duration
	Secure bool
	signer *Signer
}

func NewSessionCookie(name string, maxAge time.Duration, secure bool, signer *Signer) *SessionCookie {
	return &SessionCookie{Name: name, MaxAge: maxAge, Secure: secure, signer: signer.For(PurposeSession)}
}

func (c *SessionCookie) Set(w http.ResponseWriter, sessionID string) {
	http.SetCookie(w, &http.Cookie{
		Name:     c.Name,
		Value:    c.signer.Sign(sessionID),
		Path:     "/",
		MaxAge:   int(c.MaxAge.Seconds()),
		HttpOnly: true,
		Secure:   c.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// Read returns the session id from a validly signed cookie, or "".
func (c *SessionCookie) Read(r *http.Request) string {
	ck, err := r.Cookie(c.Name)
	if err != nil {
		return ""
	}
	id, ok := c.signer.Verify(ck.Value)
	if !ok {
		return ""
	}
	return id
}

func (c *SessionCookie) Clear(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     c.Name,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   c.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}
