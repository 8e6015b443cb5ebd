package storage

import "strings"

// IsUniqueViolation reports whether err is a Postgres unique_violation
// (SQLSTATE 23505), the condition every registry maps to releaseerr.CodeConflict.
func IsUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "23505")
}
