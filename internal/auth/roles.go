package auth

import (
	"net/http"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
)

// Role names the capabilities recognized by the engine.
type Role string

const (
	// RoleAdmin may change limits, flags, and the custom-call allow-list.
	RoleAdmin Role = "admin"
	// RoleSigner issues credit vouchers.
	RoleSigner Role = "signer"
	// RoleExternalCallSigner authorizes custom external calls.
	RoleExternalCallSigner Role = "external_call_signer"
	// RolePauser may pause the engine; only RoleAdmin may unpause.
	RolePauser Role = "pauser"
	// RoleDenier manages the consumer deny list.
	RoleDenier Role = "denier"
	// RoleRevoker revokes vouchers and custom-call authorizations.
	RoleRevoker Role = "revoker"
)

// Roles is the capability check injected into the engine: (role, address)
// -> bool. Membership is seeded from config and may be extended at runtime.
type Roles struct {
	mu      sync.RWMutex
	members map[Role]map[common.Address]struct{}
}

func NewRoles() *Roles {
	return &Roles{members: make(map[Role]map[common.Address]struct{})}
}

func (r *Roles) Grant(role Role, addr common.Address) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.members[role] == nil {
		r.members[role] = make(map[common.Address]struct{})
	}
	r.members[role][addr] = struct{}{}
}

func (r *Roles) Revoke(role Role, addr common.Address) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.members[role], addr)
}

// IsAuthorized reports whether addr holds role.
func (r *Roles) IsAuthorized(role Role, addr common.Address) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.members[role][addr]
	return ok
}

// SeedRoles builds a Roles registry from per-role hex address lists
// (the shape the config file carries).
func SeedRoles(byRole map[Role][]string) *Roles {
	r := NewRoles()
	for role, addrs := range byRole {
		for _, a := range addrs {
			r.Grant(role, common.HexToAddress(a))
		}
	}
	return r
}

// RequireRole gates a route on the authenticated wallet holding role.
// Must run after Middleware, which sets wallet_address.
func RequireRole(roles *Roles, role Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		wallet := c.GetString("wallet_address")
		if wallet == "" || !roles.IsAuthorized(role, common.HexToAddress(wallet)) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": "missing role: " + strings.ToLower(string(role)),
			})
			return
		}
		c.Next()
	}
}
