package node

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRequestID(t *testing.T) {
	t.Run("missing", func(t *testing.T) {
		_, ok := RequestID(context.Background())
		assert.False(t, ok)
	})

	t.Run("round trip", func(t *testing.T) {
		ctx := WithRequestID(context.Background(), "req-7")
		id, ok := RequestID(ctx)
		assert.True(t, ok)
		assert.Equal(t, "req-7", id)
	})

	t.Run("keys with the same name and another type do not collide", func(t *testing.T) {
		other := ctxKey[int]{name: "requestID"}
		ctx := withValue(context.Background(), other, 3)

		_, ok := RequestID(ctx)
		assert.False(t, ok)
		n, ok := valueOf(ctx, other)
		assert.True(t, ok)
		assert.Equal(t, 3, n)
	})

	t.Run("the innermost id wins", func(t *testing.T) {
		ctx := WithRequestID(WithRequestID(context.Background(), "outer"), "inner")
		id, _ := RequestID(ctx)
		assert.Equal(t, "inner", id)
	})
}
