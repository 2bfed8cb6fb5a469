package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNopDoesNotPanic(t *testing.T) {
	l := Nop()
	l.Infow("hello", "k", "v")
	l.WithError(nil).Infow("still fine")
}

func TestWithRequestIDAttachesField(t *testing.T) {
	l := Nop()
	ctx := WithRequestID(context.Background(), "req-123")

	scoped := l.WithContext(ctx)
	assert.NotSame(t, l, scoped, "expected WithContext to return a distinct logger when a request id is present")
}

func TestWithContextNilIsNoOp(t *testing.T) {
	l := Nop()
	assert.Same(t, l, l.WithContext(nil), "expected WithContext(nil) to return the receiver unchanged")
}

func TestWithContextNoFieldsReturnsReceiver(t *testing.T) {
	l := Nop()
	assert.Same(t, l, l.WithContext(context.Background()), "expected WithContext with no known fields to return the receiver unchanged")
}

func TestWithFieldsEmptyIsNoOp(t *testing.T) {
	l := Nop()
	assert.Same(t, l, l.WithFields(nil), "expected WithFields(nil) to return the receiver unchanged")
}
