// Package models contains GORM-specific persistence models that map to database tables.
// These models are separate from domain entities to keep the domain layer pure and free
// from ORM concerns.
//
// Structure:
// - base.go: VersionedModel, the id, timestamp and version columns
// - goal.go: goals, progress snapshots and the goal audit log, owned by this service
// - crm.go: read-only views of the CRM deals, activities, tasks and team membership
package models
