package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDeriveKeyIsStable(t *testing.T) {
	a := DeriveKey("base-1", "culture", "Korean")
	b := DeriveKey("base-1", "culture", "Korean")
	assert.Equal(t, a, b)
	assert.Len(t, a, 32)
}

func TestDeriveKeyIsOrderSensitive(t *testing.T) {
	a := DeriveKey("base-1", "culture")
	b := DeriveKey("culture", "base-1")
	assert.NotEqual(t, a, b)
}

func TestDeriveKeySeparatesParts(t *testing.T) {
	// "ab"+"c" and "a"+"bc" must not collide.
	a := DeriveKey("ab", "c")
	b := DeriveKey("a", "bc")
	assert.NotEqual(t, a, b)
}

func TestHashBytesMatchesHashString(t *testing.T) {
	assert.Equal(t, HashString("hello"), HashBytes([]byte("hello")))
}
