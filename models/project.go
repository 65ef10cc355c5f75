package models

import "slices"

type TaskStatus string

const (
	TaskTodo       TaskStatus = "Todo"
	TaskInProgress TaskStatus = "In Progress"
	TaskDone       TaskStatus = "Done"
)

var TaskStatuses = []TaskStatus{TaskTodo, TaskInProgress, TaskDone}

func (s TaskStatus) Valid() bool {
	return slices.Contains(TaskStatuses, s)
}

type Priority string

const (
	PriorityLow    Priority = "Low"
	PriorityMedium Priority = "Medium"
	PriorityHigh   Priority = "High"
)

const Unassigned = "Unassigned"

type Task struct {
	ID         int64      `json:"id"`
	Title      string     `json:"title"`
	Status     TaskStatus `json:"status"`
	AssignedTo string     `json:"assignedTo"`
	Priority   Priority   `json:"priority"`
}

// Project is both the list entry and the detail record. Tasks is only
// populated on the detail form.
type Project struct {
	ID          int64   `json:"id"`
	Name        string  `json:"name"`
	Status      string  `json:"status"`
	StartDate   string  `json:"startDate"`
	EndDate     string  `json:"endDate"`
	Progress    int     `json:"progress"`
	Budget      float64 `json:"budget"`
	Description string  `json:"description,omitempty"`
	Tasks       []Task  `json:"tasks,omitempty"`
}

// Summary drops the detail-only fields.
func (p Project) Summary() Project {
	p.Description = ""
	p.Tasks = nil
	return p
}

// Clone returns a copy that shares no task slice with p.
func (p Project) Clone() Project {
	p.Tasks = slices.Clone(p.Tasks)
	return p
}

// Task returns a pointer into p's task list, or nil.
func (p *Project) Task(id int64) *Task {
	for i := range p.Tasks {
		if p.Tasks[i].ID == id {
			return &p.Tasks[i]
		}
	}
	return nil
}

// NextTaskID is one past the highest task id in p.
func (p *Project) NextTaskID() int64 {
	var highest int64
	for _, t := range p.Tasks {
		highest = max(highest, t.ID)
	}
	return highest + 1
}
