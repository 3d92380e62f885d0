package dberr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindMatching(t *testing.T) {
	t.Run("kind_matches_its_own_category", func(t *testing.T) {
		err := New(Storage, CodeClosed, "database is closed")
		assert.True(t, errors.Is(err, Storage))
		assert.False(t, errors.Is(err, Syntax))
	})

	t.Run("base_matches_every_kind", func(t *testing.T) {
		for _, k := range []Kind{Syntax, Execution, Storage, Compatibility} {
			err := Newf(k, "boom %d", 1)
			assert.True(t, errors.Is(err, ErrNervus), k.String())
		}
	})

	t.Run("wrapped_errors_still_match", func(t *testing.T) {
		sentinel := New(Storage, CodeTxFinished, "transaction already finished")
		err := fmt.Errorf("commit: %w", sentinel)
		assert.True(t, errors.Is(err, sentinel))
		assert.True(t, errors.Is(err, Storage))
		assert.True(t, errors.Is(err, ErrNervus))
	})

	t.Run("code_match_across_instances", func(t *testing.T) {
		a := New(Execution, CodeUnknownFunction, "unknown function foo")
		b := New(Execution, CodeUnknownFunction, "unknown function bar")
		assert.True(t, errors.Is(a, b))
	})

	t.Run("plain_errors_are_not_engine_errors", func(t *testing.T) {
		assert.False(t, errors.Is(errors.New("x"), ErrNervus))
		assert.Equal(t, Kind(0), KindOf(errors.New("x")))
	})
}

func TestErrorMessage(t *testing.T) {
	err := SyntaxAt("RETRUN", "unexpected token")
	assert.Contains(t, err.Error(), "SyntaxError")
	assert.Contains(t, err.Error(), "RETRUN")

	wrapped := Wrap(Storage, errors.New("disk full"), "append wal")
	assert.Contains(t, wrapped.Error(), "disk full")
	assert.Equal(t, Storage, KindOf(wrapped))
	assert.Nil(t, Wrap(Storage, nil, "noop"))
}
