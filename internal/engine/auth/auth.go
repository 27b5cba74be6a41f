package auth

import (
	"fmt"

	"atelier/internal/config"
)

const systemActorID = "system"

// ForbiddenError indicates missing permission.
type ForbiddenError struct {
	Permission string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("permission %s required", e.Permission)
}

// Actor is the caller of an engine operation.
type Actor struct {
	ID     string
	Roles  []string
	system bool
}

// System is the actor used by scheduled reconciliation. It holds every permission.
func System() Actor {
	return Actor{ID: systemActorID, system: true}
}

// IsSystem is true only for the value returned by System.
func (a Actor) IsSystem() bool {
	return a.system
}

// Authorizer resolves role grants from the rbac section of the config.
type Authorizer struct {
	Config *config.Config
}

// Can reports whether actor holds perm through any of its roles.
func (z Authorizer) Can(actor Actor, perm string) bool {
	if actor.IsSystem() {
		return true
	}
	if z.Config == nil {
		return false
	}
	perms := z.Config.Permissions(actor.Roles)
	return perms["*"] || perms[perm]
}

// Require returns ForbiddenError when actor lacks perm.
func (z Authorizer) Require(actor Actor, perm string) error {
	if !z.Can(actor, perm) {
		return ForbiddenError{Permission: perm}
	}
	return nil
}

// Permissions lists the permissions actor holds.
func (z Authorizer) Permissions(actor Actor) []string {
	if z.Config == nil {
		return nil
	}
	var out []string
	for p := range z.Config.Permissions(actor.Roles) {
		out = append(out, p)
	}
	return out
}
