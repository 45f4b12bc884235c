package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSrvrsError_Format(t *testing.T) {
	err := New(CodeUnsupportedKind, "unsupported file kind Text").
		WithContext("path", "/srv/caption/notes.txt").
		WithContext("accepted", "Audio, Video")

	assert.Equal(t,
		"[E103] unsupported file kind Text (accepted=Audio, Video, path=/srv/caption/notes.txt)",
		err.Error())
}

func TestWrap_Unwrap(t *testing.T) {
	cause := errors.New("exit status 3")
	err := Wrap(cause, CodeScriptFailed, "script failed")

	assert.True(t, errors.Is(err, cause))
	assert.True(t, IsCode(err, CodeScriptFailed))
	assert.True(t, errors.Is(err, New(CodeScriptFailed, "")))
	assert.False(t, errors.Is(err, New(CodeSpawnFailed, "")))
	assert.Nil(t, Wrap(nil, CodeScriptFailed, "x"))
}

func TestCategoryOf(t *testing.T) {
	cases := []struct {
		err  error
		want Category
	}{
		{New(CodeOwnerLookup, "x"), CategoryInput},
		{New(CodeReserveTimeout, "x"), CategoryResource},
		{New(CodeDeliveryFailed, "x"), CategoryExecution},
		{New(CodeQueueWrite, "x"), CategoryReporting},
		{New(CodeWatchFailed, "x"), CategoryFatal},
		{fmt.Errorf("wrapped: %w", New(CodeSpawnFailed, "x")), CategoryExecution},
		{errors.New("plain"), CategoryUnknown},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, CategoryOf(tc.err), tc.err.Error())
	}
	assert.True(t, IsFatal(New(CodeProbeUnavailable, "x")))
	assert.False(t, IsFatal(New(CodeReserveTimeout, "x")))
}

func TestDetail(t *testing.T) {
	assert.Equal(t, "unsupported file kind Text", Detail(New(CodeUnsupportedKind, "unsupported file kind Text")))
	assert.Equal(t, "script failed: exit status 1",
		Detail(Wrap(errors.New("exit status 1"), CodeScriptFailed, "script failed")))
	assert.Equal(t, "plain", Detail(errors.New("plain")))
	assert.Equal(t, "", Detail(nil))
}

func TestMultiError(t *testing.T) {
	var m MultiError
	assert.Nil(t, m.Combined())

	m.Add(nil)
	m.Add(errors.New("a"))
	assert.EqualError(t, m.Combined(), "a")

	m.Add(errors.New("b"))
	assert.True(t, m.HasErrors())
	assert.Contains(t, m.Error(), "2 errors occurred")
}
