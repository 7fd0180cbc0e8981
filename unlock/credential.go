// Package unlock mints and reads the unlock credential handed to the browser
// after a confirmed payment.
package unlock

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/vitwit/solpay/types"
)

const (
	CookieName = "pro_unlocked"
	DefaultTTL = 30 * 24 * time.Hour

	version   = "v1"
	secretLen = 32
)

var (
	ErrMalformed    = errors.New("unlock: malformed credential")
	ErrBadSignature = errors.New("unlock: credential signature mismatch")
	ErrExpired      = errors.New("unlock: credential expired")
)

// Issuer signs unlock credentials with an HMAC key.
type Issuer struct {
	ttl    time.Duration
	secret []byte
	secure bool
}

type Option func(*Issuer)

// WithSecureCookie marks issued cookies Secure.
func WithSecureCookie(secure bool) Option {
	return func(i *Issuer) {
		i.secure = secure
	}
}

// NewIssuer creates an issuer. An empty secret is replaced by a random key,
// so credentials do not survive a restart. A non-positive ttl means DefaultTTL.
func NewIssuer(secret []byte, ttl time.Duration, opts ...Option) (*Issuer, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	if len(secret) == 0 {
		secret = make([]byte, secretLen)
		if _, err := rand.Read(secret); err != nil {
			return nil, types.ConfigError("generate unlock secret: %v", err)
		}
	}

	i := &Issuer{ttl: ttl, secret: secret}
	for _, opt := range opts {
		opt(i)
	}
	return i, nil
}

func (i *Issuer) TTL() time.Duration { return i.ttl }

// Issue mints a credential valid from now for the issuer's TTL.
func (i *Issuer) Issue(now time.Time) types.UnlockCredential {
	issued := now.UTC().Truncate(time.Second)
	return types.UnlockCredential{
		IssuedAt:  issued,
		ExpiresAt: issued.Add(i.ttl),
	}
}

// Encode renders c as v1.<issued>.<expires>.<mac> with unix second timestamps.
func (i *Issuer) Encode(c types.UnlockCredential) string {
	payload := fmt.Sprintf("%s.%d.%d", version, c.IssuedAt.Unix(), c.ExpiresAt.Unix())
	return payload + "." + base64.RawURLEncoding.EncodeToString(i.mac(payload))
}

// Decode verifies value and returns the credential it carries.
func (i *Issuer) Decode(value string, now time.Time) (types.UnlockCredential, error) {
	parts := strings.Split(value, ".")
	if len(parts) != 4 || parts[0] != version {
		return types.UnlockCredential{}, ErrMalformed
	}

	sig, err := base64.RawURLEncoding.DecodeString(parts[3])
	if err != nil {
		return types.UnlockCredential{}, ErrMalformed
	}
	if !hmac.Equal(sig, i.mac(strings.Join(parts[:3], "."))) {
		return types.UnlockCredential{}, ErrBadSignature
	}

	issued, err1 := strconv.ParseInt(parts[1], 10, 64)
	expires, err2 := strconv.ParseInt(parts[2], 10, 64)
	if err1 != nil || err2 != nil || expires <= issued {
		return types.UnlockCredential{}, ErrMalformed
	}

	c := types.UnlockCredential{
		IssuedAt:  time.Unix(issued, 0).UTC(),
		ExpiresAt: time.Unix(expires, 0).UTC(),
	}
	if !c.Valid(now) {
		return c, ErrExpired
	}
	return c, nil
}

func (i *Issuer) mac(payload string) []byte {
	h := hmac.New(sha256.New, i.secret)
	h.Write([]byte(payload))
	return h.Sum(nil)
}

// Cookie builds the cookie carrying c. MaxAge is the credential's remaining life.
func (i *Issuer) Cookie(c types.UnlockCredential, now time.Time) *http.Cookie {
	maxAge := int(c.ExpiresAt.Sub(now) / time.Second)
	if maxAge <= 0 {
		maxAge = -1
	}

	return &http.Cookie{
		Name:     CookieName,
		Value:    i.Encode(c),
		Path:     "/",
		MaxAge:   maxAge,
		Expires:  c.ExpiresAt,
		HttpOnly: true,
		Secure:   i.secure,
		SameSite: http.SameSiteLaxMode,
	}
}

// FromRequest returns the valid credential carried by r, if any.
func (i *Issuer) FromRequest(r *http.Request, now time.Time) (types.UnlockCredential, bool) {
	ck, err := r.Cookie(CookieName)
	if err != nil {
		return types.UnlockCredential{}, false
	}

	c, err := i.Decode(ck.Value, now)
	if err != nil {
		return types.UnlockCredential{}, false
	}
	return c, true
}

// Grant sets the unlock cookie on w. A valid credential already carried by r
// is set again unchanged, so repeated confirmations never mint a second one.
func (i *Issuer) Grant(w http.ResponseWriter, r *http.Request, now time.Time) (types.UnlockCredential, bool) {
	c, existing := i.FromRequest(r, now)
	if !existing {
		c = i.Issue(now)
	}

	http.SetCookie(w, i.Cookie(c, now))
	return c, !existing
}
