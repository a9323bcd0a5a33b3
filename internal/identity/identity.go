// Package identity issues every browser a durable, opaque device id carried in
// a signed cookie.
package identity

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// CookieName is the cookie carrying the signed device id.
const CookieName = "device_id"

type SecureMode int

const (
	SecureAuto SecureMode = iota
	SecureAlways
)

// CookiePolicy controls the attributes of the device cookie.
type CookiePolicy struct {
	SameSite   http.SameSite
	SecureMode SecureMode
	MaxAge     time.Duration
}

func DefaultCookiePolicy() CookiePolicy {
	return CookiePolicy{
		SameSite:   http.SameSiteStrictMode,
		SecureMode: SecureAuto,
		MaxAge:     time.Hour,
	}
}

func (p CookiePolicy) secure(r *http.Request) bool {
	if p.SecureMode == SecureAlways {
		return true
	}
	return isSecureRequest(r)
}

// Identity is the device id attached to a request.
type Identity struct {
	Device string
	// Issued is true when the id was minted for this request.
	Issued bool
}

// Assigner reuses a verified device cookie or mints a new one.
type Assigner struct {
	signer *Signer
	policy CookiePolicy
	newID  func() string
}

// NewAssigner constructs an Assigner. A zero SameSite or MaxAge in policy
// falls back to the defaults.
func NewAssigner(signer *Signer, policy CookiePolicy) *Assigner {
	defaults := DefaultCookiePolicy()
	if policy.SameSite == 0 {
		policy.SameSite = defaults.SameSite
	}
	if policy.MaxAge <= 0 {
		policy.MaxAge = defaults.MaxAge
	}
	return &Assigner{
		signer: signer,
		policy: policy,
		newID:  func() string { return uuid.NewString() },
	}
}

// Assign never fails: an absent, malformed or forged cookie is replaced.
func (a *Assigner) Assign(w http.ResponseWriter, r *http.Request) Identity {
	if cookie, err := r.Cookie(CookieName); err == nil {
		if device, ok := a.signer.Verify(cookie.Value); ok && validDeviceID(device) {
			return Identity{Device: device}
		}
	}
	device := a.newID()
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    a.signer.Sign(device),
		Path:     "/",
		Expires:  time.Now().Add(a.policy.MaxAge).UTC(),
		MaxAge:   int(a.policy.MaxAge / time.Second),
		HttpOnly: true,
		Secure:   a.policy.secure(r),
		SameSite: a.policy.SameSite,
	})
	return Identity{Device: device, Issued: true}
}

func validDeviceID(device string) bool {
	_, err := uuid.Parse(device)
	return err == nil
}

// Middleware assigns an identity before next runs and stores it on the
// request context.
func (a *Assigner) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := a.Assign(w, r)
		next.ServeHTTP(w, r.WithContext(ContextWithIdentity(r.Context(), id)))
	})
}

type contextKey struct{}

func ContextWithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

func FromContext(ctx context.Context) (Identity, bool) {
	if ctx == nil {
		return Identity{}, false
	}
	id, ok := ctx.Value(contextKey{}).(Identity)
	return id, ok && id.Device != ""
}

func isSecureRequest(r *http.Request) bool {
	if r == nil {
		return false
	}
	if r.TLS != nil {
		return true
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		for _, p := range strings.Split(proto, ",") {
			if strings.EqualFold(strings.TrimSpace(p), "https") {
				return true
			}
		}
	}
	return r.URL != nil && strings.EqualFold(r.URL.Scheme, "https")
}
