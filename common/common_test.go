package common

import (
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMaskSecret(t *testing.T) {
	tests := []struct {
		name     string
		secret   string
		expected string
	}{
		{name: "LongSecret", secret: "super-secret-value", expected: "supe...alue"},
		{name: "Empty", secret: "", expected: "<not set>"},
		{name: "Short", secret: "abc", expected: "***"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, MaskSecret(tt.secret))
		})
	}
}

func TestGetEnv_FallsBackToDefaultWhenUnset(t *testing.T) {
	assert.Equal(t, "fallback", GetEnv("COMMON_TEST_UNSET_VAR", "fallback"))
	t.Setenv("COMMON_TEST_SET_VAR", "actual")
	assert.Equal(t, "actual", GetEnv("COMMON_TEST_SET_VAR", "fallback"))
}

func TestGetEnvInt_ParsesOrFallsBack(t *testing.T) {
	t.Setenv("COMMON_TEST_INT_VAR", "42")
	assert.Equal(t, 42, GetEnvInt("COMMON_TEST_INT_VAR", 7))
	assert.Equal(t, 7, GetEnvInt("COMMON_TEST_INT_MISSING", 7))

	t.Setenv("COMMON_TEST_INT_BAD", "not-a-number")
	assert.Equal(t, 7, GetEnvInt("COMMON_TEST_INT_BAD", 7))
}

func TestGetEnvBool_ParsesOrFallsBack(t *testing.T) {
	t.Setenv("COMMON_TEST_BOOL_VAR", "true")
	assert.True(t, GetEnvBool("COMMON_TEST_BOOL_VAR", false))
	assert.False(t, GetEnvBool("COMMON_TEST_BOOL_MISSING", false))
}

func TestMust_PanicsOnError(t *testing.T) {
	assert.Equal(t, 5, Must(5, nil))
	assert.Panics(t, func() { Must(0, errors.New("boom")) })
}

func TestMustNoError_PanicsOnlyWhenErrorIsNonNil(t *testing.T) {
	assert.NotPanics(t, func() { MustNoError(nil) })
	assert.Panics(t, func() { MustNoError(errors.New("boom")) })
}

func TestPtr_AndPtrValue_RoundTrip(t *testing.T) {
	p := Ptr(10)
	assert.Equal(t, 10, *p)
	assert.Equal(t, 10, PtrValue(p))
	assert.Equal(t, 0, PtrValue[int](nil))
}

func TestMain(m *testing.M) {
	os.Exit(m.Run())
}
