package storage_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/forest-release/forest/internal/storage"
)

func TestIsUniqueViolationMatchesSQLSTATE(t *testing.T) {
	err := errors.New(`ERROR: duplicate key value violates unique constraint "destinations_name_key" (SQLSTATE 23505)`)
	assert.True(t, storage.IsUniqueViolation(err))
}

func TestIsUniqueViolationFalseForOtherErrors(t *testing.T) {
	assert.False(t, storage.IsUniqueViolation(errors.New("connection refused")))
	assert.False(t, storage.IsUniqueViolation(nil))
}
