package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestResourceLimitsPositive(t *testing.T) {
	tests := []struct {
		name   string
		limits ResourceLimits
		want   bool
	}{
		{"all positive", ResourceLimits{MemoryBytes: 1, CPUCores: 0.5, MaxProcesses: 1}, true},
		{"zero memory", ResourceLimits{MemoryBytes: 0, CPUCores: 0.5, MaxProcesses: 1}, false},
		{"zero cpu", ResourceLimits{MemoryBytes: 1, CPUCores: 0, MaxProcesses: 1}, false},
		{"negative pids", ResourceLimits{MemoryBytes: 1, CPUCores: 0.5, MaxProcesses: -1}, false},
		{"zero value", ResourceLimits{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.limits.Positive())
		})
	}
}

func TestResourceLimitsWithin(t *testing.T) {
	max := ResourceLimits{MemoryBytes: 1024, CPUCores: 2.0, MaxProcesses: 100}

	assert.True(t, ResourceLimits{MemoryBytes: 512, CPUCores: 1.0, MaxProcesses: 50}.Within(max))
	assert.True(t, max.Within(max), "bounds are inclusive")
	assert.False(t, ResourceLimits{MemoryBytes: 2048, CPUCores: 1.0, MaxProcesses: 50}.Within(max))
	assert.False(t, ResourceLimits{MemoryBytes: 512, CPUCores: 2.5, MaxProcesses: 50}.Within(max))
	assert.False(t, ResourceLimits{MemoryBytes: 512, CPUCores: 1.0, MaxProcesses: 200}.Within(max))
}

func TestContainerCountsAgainstCap(t *testing.T) {
	assert.True(t, (&Container{Status: ContainerWarming}).CountsAgainstCap())
	assert.True(t, (&Container{Status: ContainerIdle}).CountsAgainstCap())
	assert.True(t, (&Container{Status: ContainerBusy}).CountsAgainstCap())
	assert.False(t, (&Container{Status: ContainerDestroying}).CountsAgainstCap())
}

func TestSessionEffectiveTimeout(t *testing.T) {
	systemDefault := 300 * time.Second

	s := &Session{}
	assert.Equal(t, systemDefault, s.EffectiveTimeout(systemDefault))

	override := 30
	s.TimeoutSeconds = &override
	assert.Equal(t, 30*time.Second, s.EffectiveTimeout(systemDefault))
}

func TestSessionExpired(t *testing.T) {
	now := time.Now().UTC()
	override := 2

	tests := []struct {
		name    string
		session Session
		want    bool
	}{
		{
			name:    "fresh session",
			session: Session{LastActivityAt: now.Add(-1 * time.Second)},
			want:    false,
		},
		{
			name:    "past system default",
			session: Session{LastActivityAt: now.Add(-301 * time.Second)},
			want:    true,
		},
		{
			name:    "past per-session override",
			session: Session{LastActivityAt: now.Add(-3 * time.Second), TimeoutSeconds: &override},
			want:    true,
		},
		{
			name:    "within per-session override",
			session: Session{LastActivityAt: now.Add(-1 * time.Second), TimeoutSeconds: &override},
			want:    false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.session.Expired(now, 300*time.Second))
		})
	}
}

func TestSessionDefaultName(t *testing.T) {
	s := &Session{ID: 42}
	assert.Equal(t, "Session-42", s.DefaultName())
}
