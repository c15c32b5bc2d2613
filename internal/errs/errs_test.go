package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_MessageIncludesInstanceIDWhenSet(t *testing.T) {
	err := New(Backend, "poll_ready", "i0", fmt.Errorf("boom"))
	assert.Contains(t, err.Error(), "i0")
	assert.Contains(t, err.Error(), "poll_ready")
	assert.Contains(t, err.Error(), "boom")
}

func TestError_MessageOmitsInstanceIDWhenEmpty(t *testing.T) {
	err := New(Configuration, "load_config", "", fmt.Errorf("missing key"))
	assert.NotContains(t, err.Error(), "instance")
}

func TestError_Unwrap(t *testing.T) {
	cause := fmt.Errorf("root cause")
	err := New(Backend, "op", "i0", cause)
	assert.Same(t, cause, errors.Unwrap(err))
}

func TestError_IsMatchesByKindOnly(t *testing.T) {
	err := New(BootTimeout, "wait", "i0", fmt.Errorf("exceeded"))

	assert.True(t, errors.Is(err, &Error{Kind: BootTimeout}))
	assert.False(t, errors.Is(err, &Error{Kind: BootstrapFailed}))
	assert.False(t, errors.Is(err, fmt.Errorf("not an Error")))
}
