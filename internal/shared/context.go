package shared

import "context"

// Role classifies an actor's privilege level.
type Role string

const (
	// RoleStandard is the default back-office role.
	RoleStandard Role = "STANDARD"
	// RoleSupervisor may edit documents after approval.
	RoleSupervisor Role = "SUPERVISOR"
)

// Actor identifies the authenticated user performing an operation.
// Resolution happens outside the core; the core only reads it from context.
type Actor struct {
	ID   int64
	Role Role
}

// Elevated reports whether the actor may perform supervisor-only edits.
func (a Actor) Elevated() bool {
	return a.Role == RoleSupervisor
}

type actorContextKey struct{}

// ContextWithActor stores the actor in context.
func ContextWithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

// ActorFromContext extracts the actor from context. Read-only queries tolerate
// a missing actor; state-mutating operations that record an approver must not.
func ActorFromContext(ctx context.Context) (Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(Actor)
	return actor, ok && actor.ID != 0
}

// RequireActor returns the actor or ErrUnauthorized when none is resolved.
func RequireActor(ctx context.Context) (Actor, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return Actor{}, ErrUnauthorized
	}
	return actor, nil
}
