package domain

import "context"

type actorKey struct{}

type Actor struct {
	Type string
	ID   string
}

// WithActor records who issued the command carried by ctx.
func WithActor(ctx context.Context, actorType, actorID string) context.Context {
	return context.WithValue(ctx, actorKey{}, Actor{Type: actorType, ID: actorID})
}

// ActorFromContext returns the command issuer, defaulting to the system.
func ActorFromContext(ctx context.Context) Actor {
	if ctx != nil {
		if a, ok := ctx.Value(actorKey{}).(Actor); ok && a.Type != "" {
			return a
		}
	}
	return Actor{Type: "system"}
}
