// Package domain defines the core business types for the campaign dispatch engine.
//
// Types in this package are value objects plus the pure state-transition rules
// that govern them. They carry no database dependencies and no HTTP concerns;
// they are the shared language between handlers, services, and repositories.
//
// Rules for this package:
//   - No imports from other internal/ packages
//   - No *sql.DB, no http.Request, no context.Context in struct fields
//   - JSON/DB tags are allowed (they're metadata, not behavior)
//   - Transition tables and validation methods are allowed (pure functions on the type)
//   - Constants and enums belong here
package domain
