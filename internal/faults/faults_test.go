package faults

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf_WrappedChain(t *testing.T) {
	base := Transient("store to PACS", context.DeadlineExceeded)
	wrapped := fmt.Errorf("route attempt 2: %w", base)

	assert.Equal(t, KindTransient, KindOf(wrapped))
	assert.True(t, IsTransient(wrapped))
	assert.True(t, errors.Is(wrapped, context.DeadlineExceeded))
}

func TestKindOf_Unclassified(t *testing.T) {
	assert.Equal(t, Kind(""), KindOf(errors.New("boom")))
	assert.False(t, IsTransient(nil))
}

func TestValidation_Message(t *testing.T) {
	err := Validation("parse change", "unknown change type %q", "Foo")
	assert.True(t, Is(err, KindValidation))
	assert.Equal(t, `parse change: unknown change type "Foo"`, err.Error())
}

func TestError_NilCause(t *testing.T) {
	err := &Error{Kind: KindUnavailable, Op: "GET /system"}
	assert.Equal(t, "GET /system: DependencyUnavailable", err.Error())
}
