package eimzoerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCodeOf(t *testing.T) {
	t.Run("returns code of wrapped error", func(t *testing.T) {
		err := fmt.Errorf("outer: %w", New(CodeKeyLoadFailed, MsgKeyLoadFailed))
		require.Equal(t, CodeKeyLoadFailed, CodeOf(err))
	})

	t.Run("unknown for plain errors", func(t *testing.T) {
		require.Equal(t, CodeUnknown, CodeOf(errors.New("boom")))
	})
}

func TestError_Unwrap(t *testing.T) {
	cause := errors.New("socket closed")
	err := Wrap(CodeServiceError, "failed", cause).WithDetails(map[string]string{"k": "v"})

	require.ErrorIs(t, err, cause)
	require.Contains(t, err.Error(), "EIMZO_SERVICE_ERROR")
	require.Contains(t, err.Error(), "socket closed")
	require.Equal(t, map[string]string{"k": "v"}, err.Details)
}

func TestRecover(t *testing.T) {
	t.Run("panic with value", func(t *testing.T) {
		run := func() (err error) {
			defer Recover(&err)
			panic("nil map")
		}

		err := run()
		require.Error(t, err)
		require.Equal(t, CodeUnknown, CodeOf(err))
		require.Contains(t, err.Error(), "nil map")
	})

	t.Run("panic with error keeps cause", func(t *testing.T) {
		cause := errors.New("bad state")
		run := func() (err error) {
			defer Recover(&err)
			panic(cause)
		}

		require.ErrorIs(t, run(), cause)
	})

	t.Run("no panic leaves error untouched", func(t *testing.T) {
		run := func() (err error) {
			defer Recover(&err)
			return nil
		}

		require.NoError(t, run())
	})
}
