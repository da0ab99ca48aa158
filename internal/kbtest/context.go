package kbtest

import (
	"context"
	"net/http"
)

func contextWithUser(r *http.Request, u *user) context.Context {
	return context.WithValue(r.Context(), ctxUserKey{}, u)
}

func userFrom(r *http.Request) *user {
	u, _ := r.Context().Value(ctxUserKey{}).(*user)
	return u
}
