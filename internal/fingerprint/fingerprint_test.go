package fingerprint

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewIsDeterministic(t *testing.T) {
	args1 := map[string]interface{}{"date": "2026-01-20", "detail": true, "limit": 10}
	args2 := map[string]interface{}{"limit": 10, "date": "2026-01-20", "detail": true}

	fp1, err := New("health", "getReadiness", args1)
	require.NoError(t, err)
	fp2, err := New("health", "getReadiness", args2)
	require.NoError(t, err)

	assert.Equal(t, fp1, fp2, "insertion order must not affect the fingerprint")
	assert.Len(t, fp1, 64)
}

func TestNewNestedArguments(t *testing.T) {
	args1 := map[string]interface{}{
		"filter": map[string]interface{}{"status": "open", "assignee": "me"},
	}
	args2 := map[string]interface{}{
		"filter": map[string]interface{}{"assignee": "me", "status": "open"},
	}

	fp1, err := New("tasks", "list", args1)
	require.NoError(t, err)
	fp2, err := New("tasks", "list", args2)
	require.NoError(t, err)

	assert.Equal(t, fp1, fp2)
}

func TestNewDistinguishesIdentity(t *testing.T) {
	base := map[string]interface{}{"q": "golang"}

	fp, err := New("docs", "search", base)
	require.NoError(t, err)

	otherService, err := New("web", "search", base)
	require.NoError(t, err)
	otherOp, err := New("docs", "fetch", base)
	require.NoError(t, err)
	otherArgs, err := New("docs", "search", map[string]interface{}{"q": "rust"})
	require.NoError(t, err)

	assert.NotEqual(t, fp, otherService)
	assert.NotEqual(t, fp, otherOp)
	assert.NotEqual(t, fp, otherArgs)
}

func TestNewNilAndEmptyArgs(t *testing.T) {
	fpNil, err := New("svc", "op", nil)
	require.NoError(t, err)
	fpEmpty, err := New("svc", "op", map[string]interface{}{})
	require.NoError(t, err)

	// nil marshals to "null", an empty map to "{}": distinct identities.
	assert.NotEqual(t, fpNil, fpEmpty)
}

func TestNewRejectsUnserializableArgs(t *testing.T) {
	_, err := New("svc", "op", map[string]interface{}{"ch": make(chan int)})
	assert.Error(t, err)
}

func TestShort(t *testing.T) {
	assert.Equal(t, "abcdefgh", Short("abcdefgh12345"))
	assert.Equal(t, "abc", Short("abc"))
}

func TestKey(t *testing.T) {
	assert.Equal(t, "svc:op:fp", Key("svc", "op", "fp"))
}
