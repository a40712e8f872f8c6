package access

import (
	"context"
	"strings"

	"github.com/google/uuid"
)

type Role string

const (
	RoleAdmin   Role = "ADMIN"
	RoleDoctor  Role = "DOCTOR"
	RolePatient Role = "PATIENT"
)

func ParseRole(s string) (Role, bool) {
	switch r := Role(strings.ToUpper(strings.TrimSpace(s))); r {
	case RoleAdmin, RoleDoctor, RolePatient:
		return r, true
	default:
		return "", false
	}
}

// Actor is the authenticated caller.
type Actor struct {
	ID   uuid.UUID
	Role Role
}

// System is the actor used by background workers.
var System = Actor{ID: uuid.Nil, Role: RoleAdmin}

type contextKey struct{}

func WithActor(ctx context.Context, a Actor) context.Context {
	return context.WithValue(ctx, contextKey{}, a)
}

func ActorFromContext(ctx context.Context) (Actor, bool) {
	a, ok := ctx.Value(contextKey{}).(Actor)
	return a, ok
}
