package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"

	"github.com/valyala/fasthttp"
)

// caller role
type Role int

const (
	RoleUnauth Role = iota
	RoleFrontend
	RoleBackend
	RoleAdmin
)

func (r Role) String() string {
	switch r {
	case RoleFrontend:
		return "frontend"
	case RoleBackend:
		return "backend"
	case RoleAdmin:
		return "admin"
	}
	return "unauth"
}

const identityKey = "identity"

// Identity is who a request acts as. Frontend callers always carry a signed
// AccountID. Backend callers may act for an account, as an agent, or as
// themselves when both are empty.
type Identity struct {
	Role      Role
	AccountID string
	AgentID   string
}

// Privileged reports whether the caller is a trusted service.
func (id Identity) Privileged() bool { return id.Role == RoleBackend || id.Role == RoleAdmin }

// IdentityFrom returns the identity the gateway attached to ctx.
func IdentityFrom(ctx *fasthttp.RequestCtx) Identity {
	id, _ := ctx.UserValue(identityKey).(Identity)
	return id
}

// WithIdentity attaches id to ctx.
func WithIdentity(ctx *fasthttp.RequestCtx, id Identity) {
	ctx.SetUserValue(identityKey, id)
}

// CreateHMACSignature signs a user id with key.
func CreateHMACSignature(userID, key string) string {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write([]byte(userID))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyHMACSignature checks signature against every signing key.
func VerifyHMACSignature(keys map[string]struct{}, userID, signature string) bool {
	for k := range keys {
		expected := CreateHMACSignature(userID, k)
		if hmac.Equal([]byte(expected), []byte(signature)) {
			return true
		}
	}
	return false
}

func validateActor(a string) error {
	if a == "" {
		return ErrAuthorRequired
	}
	if len(a) > 128 {
		return ErrAuthorTooLong
	}
	return nil
}
