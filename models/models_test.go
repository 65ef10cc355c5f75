package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRoleForEmail(t *testing.T) {
	tests := []struct {
		email string
		want  Role
	}{
		{"admin@example.com", RoleAdmin},
		{"pm@example.com", RoleProjectManager},
		{"jane@example.com", RoleDeveloper},
	}
	for _, tt := range tests {
		t.Run(tt.email, func(t *testing.T) {
			assert.Equal(t, tt.want, RoleForEmail(tt.email))
		})
	}

	assert.True(t, RoleAdmin.CanEditProgress())
	assert.True(t, RoleProjectManager.CanEditProgress())
	assert.False(t, RoleDeveloper.CanEditProgress())
}

func TestTaskStatusValid(t *testing.T) {
	for _, s := range TaskStatuses {
		assert.True(t, s.Valid(), s)
	}
	assert.False(t, TaskStatus("Blocked").Valid())
	assert.False(t, TaskStatus("done").Valid())
}

func TestProjectHelpers(t *testing.T) {
	p := SeedProjects()[0]

	s := p.Summary()
	assert.Empty(t, s.Tasks)
	assert.Empty(t, s.Description)
	assert.NotEmpty(t, p.Tasks)

	c := p.Clone()
	c.Tasks[0].Title = "changed"
	assert.NotEqual(t, "changed", p.Tasks[0].Title)

	assert.Equal(t, int64(4), p.NextTaskID())
	assert.Nil(t, p.Task(99))
	p.Task(1).Status = TaskTodo
	assert.Equal(t, TaskTodo, p.Tasks[0].Status)

	empty := Project{ID: 9}
	assert.Equal(t, int64(1), empty.NextTaskID())
}

func TestSeedTaskIDsAreUnique(t *testing.T) {
	seen := map[int64]bool{}
	for _, p := range SeedProjects() {
		for _, task := range p.Tasks {
			assert.False(t, seen[task.ID], "duplicate task id %d", task.ID)
			seen[task.ID] = true
		}
	}
}
