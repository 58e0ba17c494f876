// Package auth verifies bearer tokens and carries the caller's roles.
package auth

import (
	"context"
	"crypto"
	"crypto/hmac"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Verifier validates bearer tokens.
// Supports modes: dev (no verify), hmac (HS256), jwks (RS256 from a JWKS URL).
type Verifier struct {
	Mode      string
	Secrets   SecretProvider
	Keys      KeyProvider
	RoleClaim string
	UserClaim string
	Now       func() time.Time
}

type Principal struct {
	UserID string
	Roles  RoleSet
}

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpired      = errors.New("token expired")
)

// Verify checks the token and extracts the principal.
func (v *Verifier) Verify(ctx context.Context, token string) (Principal, error) {
	if v.Mode == "dev" {
		// token format: user:ROLE[,ROLE]
		user, roles, ok := strings.Cut(token, ":")
		if !ok || user == "" {
			return Principal{}, fmt.Errorf("%w: dev token must be user:ROLE[,ROLE]", ErrInvalidToken)
		}
		set, unknown := ParseRoles(roles)
		if len(unknown) > 0 {
			return Principal{}, fmt.Errorf("%w: unknown roles %v", ErrInvalidToken, unknown)
		}
		return Principal{UserID: user, Roles: set}, nil
	}
	segs := strings.Split(token, ".")
	if len(segs) != 3 {
		return Principal{}, fmt.Errorf("%w: not a JWT", ErrInvalidToken)
	}
	headerJSON, err := b64urlDecode(segs[0])
	if err != nil {
		return Principal{}, fmt.Errorf("%w: header: %v", ErrInvalidToken, err)
	}
	payloadJSON, err := b64urlDecode(segs[1])
	if err != nil {
		return Principal{}, fmt.Errorf("%w: payload: %v", ErrInvalidToken, err)
	}
	sig, err := b64urlDecode(segs[2])
	if err != nil {
		return Principal{}, fmt.Errorf("%w: signature: %v", ErrInvalidToken, err)
	}
	var hdr struct {
		Alg string `json:"alg"`
		Kid string `json:"kid"`
	}
	if err := json.Unmarshal(headerJSON, &hdr); err != nil {
		return Principal{}, fmt.Errorf("%w: header: %v", ErrInvalidToken, err)
	}
	var claims map[string]any
	if err := json.Unmarshal(payloadJSON, &claims); err != nil {
		return Principal{}, fmt.Errorf("%w: claims: %v", ErrInvalidToken, err)
	}
	signingInput := []byte(segs[0] + "." + segs[1])
	switch v.Mode {
	case "hmac":
		if hdr.Alg != "HS256" {
			return Principal{}, fmt.Errorf("%w: unsupported alg %q for hmac", ErrInvalidToken, hdr.Alg)
		}
		if v.Secrets == nil {
			return Principal{}, errors.New("hmac mode without secret provider")
		}
		secret, err := v.Secrets.Secret(ctx)
		if err != nil {
			return Principal{}, fmt.Errorf("load hmac secret: %w", err)
		}
		mac := hmac.New(sha256.New, secret)
		mac.Write(signingInput)
		if !hmac.Equal(mac.Sum(nil), sig) {
			return Principal{}, fmt.Errorf("%w: bad signature", ErrInvalidToken)
		}
	case "jwks":
		if hdr.Alg != "RS256" {
			return Principal{}, fmt.Errorf("%w: unsupported alg %q for jwks", ErrInvalidToken, hdr.Alg)
		}
		if v.Keys == nil {
			return Principal{}, errors.New("jwks mode without key provider")
		}
		pub, err := v.Keys.PublicKey(ctx, hdr.Kid)
		if err != nil {
			return Principal{}, err
		}
		h := sha256.Sum256(signingInput)
		if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, h[:], sig); err != nil {
			return Principal{}, fmt.Errorf("%w: bad signature", ErrInvalidToken)
		}
	default:
		return Principal{}, fmt.Errorf("unsupported auth mode %q", v.Mode)
	}

	if exp, ok := claims["exp"].(float64); ok {
		now := time.Now
		if v.Now != nil {
			now = v.Now
		}
		if now().Unix() >= int64(exp) {
			return Principal{}, ErrExpired
		}
	}
	user, _ := claims[orDefault(v.UserClaim, "sub")].(string)
	if user == "" {
		return Principal{}, fmt.Errorf("%w: missing user claim", ErrInvalidToken)
	}
	return Principal{UserID: user, Roles: rolesClaim(claims[orDefault(v.RoleClaim, "roles")])}, nil
}

// rolesClaim accepts either "A,B" or ["A","B"]. Unknown names are ignored.
func rolesClaim(v any) RoleSet {
	switch x := v.(type) {
	case string:
		s, _ := ParseRoles(x)
		return s
	case []any:
		names := make([]string, 0, len(x))
		for _, e := range x {
			if s, ok := e.(string); ok {
				names = append(names, s)
			}
		}
		s, _ := ParseRoles(names...)
		return s
	}
	return 0
}

func orDefault(v, d string) string {
	if v != "" {
		return v
	}
	return d
}

func b64urlDecode(s string) ([]byte, error) { return base64.RawURLEncoding.DecodeString(s) }
