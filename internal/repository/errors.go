// Package repository holds the SQL primitives for prizes, ticket numbers,
// purchases, webhook logs and draws.  Every statement is written to run on
// both MySQL and SQLite: timestamps are bound as UTC strings produced by
// DBTime, and state checks live in UPDATE predicates so callers compare
// rows affected with the size of their request.
package repository

import "errors"

// ErrNotFound is returned when a lookup by primary key or reference
// matches no row.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when a delete or update cannot be
// performed because of conflicting state, such as deleting a prize
// that purchases still reference or allocating numbers twice.
var ErrConflict = errors.New("conflict")
