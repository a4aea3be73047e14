package asyncrt

import (
	"testing"
	"unsafe"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestTokenCompletion(t *testing.T) {
	token := NewToken()
	done := make(chan error, 1)
	go func() { done <- token.Await() }()

	token.SetAvailable()
	require.NoError(t, <-done)

	// Completing twice is a no-op.
	token.SetError(errors.New("late"))
	require.NoError(t, token.Await())
}

func TestTokenError(t *testing.T) {
	token := NewToken()
	token.SetError(errors.New("boom"))
	require.EqualError(t, token.Await(), "boom")
}

func TestValueStorage(t *testing.T) {
	value := NewValue(16)
	require.Len(t, value.Storage(), 16)

	*(*int64)(value.Ptr()) = 42
	value.SetAvailable()
	require.NoError(t, value.Await())
	require.Equal(t, int64(42), *(*int64)(value.Ptr()))
}

func TestHandleClaiming(t *testing.T) {
	token := NewToken()
	claimed, err := TokenFromPtr(unsafe.Pointer(token))
	require.NoError(t, err)
	require.Same(t, token, claimed)

	// A handle can be claimed only once.
	_, err = TokenFromPtr(unsafe.Pointer(token))
	require.Error(t, err)
}

func TestClaimKindMismatch(t *testing.T) {
	value := NewValue(8)
	_, err := TokenFromPtr(unsafe.Pointer(value))
	require.Error(t, err)

	token := NewToken()
	_, err = ValueFromPtr(unsafe.Pointer(token))
	require.Error(t, err)
}

func TestAmbientRunnerBinding(t *testing.T) {
	_, err := Current()
	require.Error(t, err)

	ran := make(chan struct{}, 1)
	runner := TaskRunnerFunc(func(task func()) {
		task()
		ran <- struct{}{}
	})

	WithRunner(runner, func() {
		current, err := Current()
		require.NoError(t, err)
		current.Schedule(func() {})
	})
	<-ran

	_, err = Current()
	require.Error(t, err)
}
