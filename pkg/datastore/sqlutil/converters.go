// Package sqlutil converts between Go's nullable domain types and the
// database/sql NullXxx wrappers used when scanning optional columns.
package sqlutil

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// ToNullString converts a possibly-nil string pointer to sql.NullString.
func ToNullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

// ToNullStringValue converts an empty-means-absent string to sql.NullString.
func ToNullStringValue(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// ToNullUUID converts a possibly-nil uuid.UUID pointer to sql.NullString
// (UUIDs are stored as their canonical string form).
func ToNullUUID(id *uuid.UUID) sql.NullString {
	if id == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: id.String(), Valid: true}
}

// ToNullTime converts a possibly-nil time pointer to sql.NullTime.
func ToNullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// ToNullInt64 converts a possibly-nil int64 pointer to sql.NullInt64.
func ToNullInt64(i *int64) sql.NullInt64 {
	if i == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *i, Valid: true}
}

// FromNullString converts sql.NullString back to a string pointer,
// nil when not valid.
func FromNullString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

// FromNullTime converts sql.NullTime back to a time pointer, nil when
// not valid.
func FromNullTime(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

// FromNullInt64 converts sql.NullInt64 back to an int64 pointer, nil
// when not valid.
func FromNullInt64(ni sql.NullInt64) *int64 {
	if !ni.Valid {
		return nil
	}
	i := ni.Int64
	return &i
}
