// Package models defines the persistent entities shared by the pool,
// session, and reconciliation layers. Both store backends persist these
// structs directly: the GORM backend through the column tags, the bbolt
// backend through the JSON tags.
package models

import (
	"fmt"
	"time"
)

// ContainerStatus tracks a pool container through its lifecycle.
type ContainerStatus string

const (
	// ContainerWarming marks a create- or start-in-flight placeholder.
	ContainerWarming ContainerStatus = "warming"
	// ContainerIdle marks a running container not bound to any session.
	ContainerIdle ContainerStatus = "idle"
	// ContainerBusy marks a container reserved for a session.
	ContainerBusy ContainerStatus = "busy"
	// ContainerDestroying marks a container awaiting removal. Destroying
	// containers do not count against the pool cap.
	ContainerDestroying ContainerStatus = "destroying"
)

// SessionStatus is the session lifecycle state.
type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionDestroyed SessionStatus = "destroyed"
)

// NetworkMode selects the engine network a container attaches to.
type NetworkMode string

const (
	NetworkNone   NetworkMode = "none"
	NetworkBridge NetworkMode = "bridge"
	NetworkHost   NetworkMode = "host"
)

// ResourceLimits is the per-container resource envelope. It is persisted as
// a single JSON blob on the session row and mirrored into container labels
// so a fresh store can still be reconciled from the engine alone.
type ResourceLimits struct {
	MemoryBytes  int64   `json:"memory_bytes"`
	CPUCores     float64 `json:"cpu_cores"`
	MaxProcesses int64   `json:"max_processes"`
}

// Positive reports whether every field is strictly positive.
func (r ResourceLimits) Positive() bool {
	return r.MemoryBytes > 0 && r.CPUCores > 0 && r.MaxProcesses > 0
}

// Within reports whether r fits inside max field by field.
func (r ResourceLimits) Within(max ResourceLimits) bool {
	return r.MemoryBytes <= max.MemoryBytes &&
		r.CPUCores <= max.CPUCores &&
		r.MaxProcesses <= max.MaxProcesses
}

// Container is one engine container owned by the pool, keyed by the engine's
// container id. While creation is in flight the row carries a synthetic
// "warming-<uuid>" id so cap accounting stays consistent before the engine
// returns a real id.
type Container struct {
	ID           string            `json:"container_id" gorm:"primaryKey;column:container_id"`
	Name         string            `json:"name"`
	Image        string            `json:"image"`
	DockerStatus string            `json:"docker_status"`
	Status       ContainerStatus   `json:"status" gorm:"index"`
	CreatedAt    time.Time         `json:"created_at"`
	StartedAt    *time.Time        `json:"started_at,omitempty"`
	Labels       map[string]string `json:"labels" gorm:"serializer:json"`
}

// Running reports whether the engine last saw the container running.
func (c *Container) Running() bool {
	return c.DockerStatus == "running"
}

// CountsAgainstCap reports whether the container occupies a pool slot.
func (c *Container) CountsAgainstCap() bool {
	switch c.Status {
	case ContainerWarming, ContainerIdle, ContainerBusy:
		return true
	default:
		return false
	}
}

// Session is one caller-visible execution session. Destroyed rows are kept
// for audit and filtered from list/get/count queries.
type Session struct {
	ID             uint           `json:"id" gorm:"primarykey"`
	Name           string         `json:"name"`
	CreatedAt      time.Time      `json:"created_at"`
	LastActivityAt time.Time      `json:"last_activity_at" gorm:"index"`
	Status         SessionStatus  `json:"status" gorm:"index"`
	TimeoutSeconds *int           `json:"timeout_seconds,omitempty"`
	Limits         ResourceLimits `json:"resource_limits" gorm:"column:resource_limits;serializer:json"`
	NetworkMode    NetworkMode    `json:"network_mode"`
	ContainerID    *string        `json:"container_id,omitempty" gorm:"index"`
	CommandCount   int64          `json:"command_count"`
	IsExecuting    bool           `json:"is_executing_command" gorm:"column:is_executing_command"`
}

// DefaultName is the name assigned when the caller leaves it blank.
func (s *Session) DefaultName() string {
	return fmt.Sprintf("Session-%d", s.ID)
}

// EffectiveTimeout returns the session's inactivity budget, falling back to
// the system default when no per-session override is set.
func (s *Session) EffectiveTimeout(systemDefault time.Duration) time.Duration {
	if s.TimeoutSeconds != nil {
		return time.Duration(*s.TimeoutSeconds) * time.Second
	}
	return systemDefault
}

// Expired reports whether the session has been inactive past its budget.
func (s *Session) Expired(now time.Time, systemDefault time.Duration) bool {
	return now.Sub(s.LastActivityAt) > s.EffectiveTimeout(systemDefault)
}
