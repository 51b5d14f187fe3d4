package persistence

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateSessionIDAcceptsHexAndDashes(t *testing.T) {
	assert.NoError(t, ValidateSessionID("0123456789abcdef-ABCDEF"))
}

func TestValidateSessionIDRejectsEmpty(t *testing.T) {
	assert.Error(t, ValidateSessionID(""))
}

func TestValidateSessionIDRejectsDisallowedCharacters(t *testing.T) {
	cases := []string{"sess-1", "drop table;", "abc/def", "id with space"}
	for _, id := range cases {
		assert.Error(t, ValidateSessionID(id), "expected rejection for %q", id)
	}
}
