package httpapi

import (
	"context"

	"fleetstate/internal/identity"
)

func withCaller(ctx context.Context, caller identity.Caller) context.Context {
	return context.WithValue(ctx, callerKey, caller)
}

func callerFrom(ctx context.Context) identity.Caller {
	caller, _ := ctx.Value(callerKey).(identity.Caller)
	return caller
}
