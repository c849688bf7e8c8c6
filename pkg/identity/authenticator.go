package identity

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/chainbox/chainbox/pkg/chainerr"
	"github.com/chainbox/chainbox/pkg/contracts"
)

// defaultRole is assigned to an Identity when the token carries no role
// claim.
const defaultRole = "user"

// Authenticator verifies a signed bearer token, then projects it into a
// contracts.Identity. Externally-presented tokens are HMAC-signed against a
// shared secret; tokens this node forwards to another mesh node for a
// recursive call are EdDSA-signed against a KeySet so a compromised mesh
// peer can't forge an upstream identity and keys can rotate without
// invalidating every in-flight token at once.
type Authenticator struct {
	secret      []byte
	allowedAlgs map[string]bool
	keySet      KeySet
}

// NewAuthenticator builds an Authenticator over a shared HMAC secret,
// accepting the given JWT signing algorithm names (e.g. "HS256"). Defaults
// to HS256 when none are given.
func NewAuthenticator(secret []byte, allowedAlgs ...string) *Authenticator {
	if len(allowedAlgs) == 0 {
		allowedAlgs = []string{"HS256"}
	}
	set := make(map[string]bool, len(allowedAlgs))
	for _, a := range allowedAlgs {
		set[a] = true
	}
	return &Authenticator{secret: secret, allowedAlgs: set}
}

// WithKeySet enables issuing and verifying EdDSA-signed mesh-forwarded
// identity tokens against ks's rotating keys, in addition to the HMAC
// bearer tokens NewAuthenticator already accepts.
func (a *Authenticator) WithKeySet(ks KeySet) *Authenticator {
	a.keySet = ks
	a.allowedAlgs["EdDSA"] = true
	return a
}

// Issue mints a short-lived EdDSA token carrying id's identity, for
// forwarding to another mesh node on a recursive call. Fails with
// UNAUTHORIZED if no KeySet is configured.
func (a *Authenticator) Issue(id *contracts.Identity, ttl time.Duration) (string, error) {
	if a.keySet == nil {
		return "", chainerr.New(chainerr.CodeUnauthorized, "issue", "no keyset configured for token issuance")
	}
	now := time.Now().UTC()
	claims := jwt.MapClaims{
		"sub": id.ID,
		"exp": now.Add(ttl).Unix(),
		"iat": now.Unix(),
	}
	if id.Email != "" {
		claims["email"] = id.Email
	}
	if id.Role != "" {
		claims["role"] = id.Role
	}
	for k, v := range id.Claims {
		claims[k] = v
	}
	return a.keySet.Sign(context.Background(), claims)
}

// Authenticate verifies the bearer token and returns the resulting
// Identity. Fails with UNAUTHORIZED on signature mismatch, expiry, or a
// malformed token.
func (a *Authenticator) Authenticate(bearer string) (*contracts.Identity, error) {
	if bearer == "" {
		return nil, chainerr.New(chainerr.CodeUnauthorized, "authenticate", "missing bearer token")
	}

	claims := jwt.MapClaims{}
	parser := jwt.NewParser(jwt.WithValidMethods(a.allowedAlgsList()))
	token, err := parser.ParseWithClaims(bearer, claims, func(t *jwt.Token) (interface{}, error) {
		alg := t.Method.Alg()
		if !a.allowedAlgs[alg] {
			return nil, fmt.Errorf("signing method %s not permitted", alg)
		}
		if alg == "EdDSA" {
			if a.keySet == nil {
				return nil, fmt.Errorf("EdDSA tokens require a configured keyset")
			}
			return a.keySet.KeyFunc()(t)
		}
		return a.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, chainerr.Newf(chainerr.CodeUnauthorized, "authenticate", "invalid bearer token: %v", err)
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, chainerr.New(chainerr.CodeUnauthorized, "authenticate", "token missing subject")
	}
	email, _ := claims["email"].(string)
	role, _ := claims["role"].(string)
	if role == "" {
		role = defaultRole
	}

	remaining := make(map[string]any, len(claims))
	for k, v := range claims {
		switch k {
		case "sub", "email", "role", "exp", "iat", "nbf", "iss", "aud", "jti":
			continue
		default:
			remaining[k] = v
		}
	}

	return &contracts.Identity{
		ID:     sub,
		Email:  email,
		Role:   role,
		Token:  bearer,
		Claims: remaining,
	}, nil
}

func (a *Authenticator) allowedAlgsList() []string {
	out := make([]string, 0, len(a.allowedAlgs))
	for alg := range a.allowedAlgs {
		out = append(out, alg)
	}
	return out
}
