package auth

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestAPIKeyValidatorDisabledAcceptsAnything(t *testing.T) {
	t.Parallel()

	v := NewAPIKeyValidator(false, nil, nil)
	assert.True(t, v.Validate(""))
	assert.True(t, v.Validate("anything"))
	assert.False(t, v.Enabled())
}

func TestAPIKeyValidatorEnabled(t *testing.T) {
	t.Parallel()

	v := NewAPIKeyValidator(true, []APIKey{{Name: "a", Key: "k1"}, {Name: "b", Key: "k2"}}, nil)
	assert.True(t, v.Validate("k1"))
	assert.True(t, v.Validate("k2"))
	assert.False(t, v.Validate("k3"))
	assert.False(t, v.Validate(""))
	assert.False(t, v.Validate("k1 "))
}

func TestAPIKeyValidatorEnabledWithoutKeysRejects(t *testing.T) {
	t.Parallel()

	v := NewAPIKeyValidator(true, nil, nil)
	assert.False(t, v.Validate("k1"))
}

func TestAPIKeyValidatorLogsMaskedKey(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.WarnLevel)
	v := NewAPIKeyValidator(true, []APIKey{{Name: "a", Key: "k1"}}, zap.New(core))
	require.False(t, v.Validate("supersecretvalue"))

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "supersec...", entries[0].ContextMap()["api_key"])
}

func TestExtractFromHeader(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		values []string
		want   string
		ok     bool
	}{
		{name: "bearer", values: []string{"Bearer abc"}, want: "abc", ok: true},
		{name: "raw", values: []string{"abc"}, want: "abc", ok: true},
		{name: "absent", values: nil, want: "", ok: false},
		{name: "multi valued", values: []string{"Bearer abc", "Bearer def"}, want: "abc", ok: true},
		{name: "prefix is case sensitive", values: []string{"bearer abc"}, want: "bearer abc", ok: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			h := http.Header{}
			for _, v := range tc.values {
				h.Add("Authorization", v)
			}
			got, ok := ExtractFromHeader(h)
			assert.Equal(t, tc.ok, ok)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestGenerateAPIKeyUnique(t *testing.T) {
	t.Parallel()

	a, err := GenerateAPIKey()
	require.NoError(t, err)
	b, err := GenerateAPIKey()
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
	assert.Len(t, a, 43)
}
