// Package ctxutil provides type-safe context.Context value keys, avoiding
// the usual stringly-typed `ctx.Value("foo").(Foo)` dance.
package ctxutil

import (
	"context"
	"fmt"
)

// Key is a typed context key. context.WithValue compares keys by dynamic
// type and value, so two Keys with the same name but different T are
// distinct keys, while Keys with the same name and the same T are equal.
type Key[T any] struct {
	name string
}

func NewKey[T any](name string) Key[T] {
	return Key[T]{name: name}
}

func (k Key[T]) String() string {
	return fmt.Sprintf("ctxutil.Key[%T](%s)", *new(T), k.name)
}

func Set[T any](ctx context.Context, key Key[T], value T) context.Context {
	return context.WithValue(ctx, key, value)
}

func Get[T any](ctx context.Context, key Key[T]) (T, bool) {
	v, ok := ctx.Value(key).(T)
	return v, ok
}
