package apitest

import (
	"context"

	"github.com/veteranmeet/messenger/chat"
)

type callerKey struct{}

func withCaller(ctx context.Context, user chat.User) context.Context {
	return context.WithValue(ctx, callerKey{}, user)
}

func callerFrom(ctx context.Context) chat.User {
	user, _ := ctx.Value(callerKey{}).(chat.User)
	return user
}
