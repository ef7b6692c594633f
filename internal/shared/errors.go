package shared

import "errors"

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrTenantMissing occurs when a request carries no cashbox scope.
	ErrTenantMissing = errors.New("tenant scope missing")
	// ErrCrossTenant occurs when an entity belongs to another cashbox.
	ErrCrossTenant = errors.New("entity belongs to another cashbox")
)
