package control

import "context"

// Actor identifies who triggered an operation, for the audit log.
type Actor struct {
	Name   string
	Source string
}

type actorKey struct{}

func WithActor(ctx context.Context, a Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, a)
}

// ActorFrom returns the actor on ctx, or a system actor.
func ActorFrom(ctx context.Context) Actor {
	if a, ok := ctx.Value(actorKey{}).(Actor); ok {
		if a.Source == "" {
			a.Source = "api"
		}
		return a
	}
	return Actor{Name: "system", Source: "system"}
}
