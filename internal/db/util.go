package db

import (
	"time"

	"github.com/google/uuid"
)

func nowISO() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// newID generates a uuid primary key for a new row.
func newID() string {
	return uuid.New().String()
}

// nullIfEmpty turns an empty string into a nil bind parameter so optional
// TEXT columns round-trip as NULL instead of an empty string.
func nullIfEmpty(s *string) interface{} {
	if s == nil || *s == "" {
		return nil
	}
	return *s
}

func orDefaultTenant(tenantID string) string {
	if tenantID == "" {
		return DefaultTenant
	}
	return tenantID
}
