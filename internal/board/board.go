// Package board keeps a context's view of projects and tasks in step with
// updates published by other contexts, and raises short-lived notices
// when someone else changes something.
package board

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"reflect"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/InsulaLabs/taskboard/internal/events"
	"github.com/InsulaLabs/taskboard/models"
	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"
)

const DefaultNoticeTTL = 3 * time.Second

var (
	ErrForbidden      = errors.New("only Admin and ProjectManager can modify progress")
	ErrInvalidStatus  = errors.New("invalid task status")
	ErrUnknownProject = errors.New("unknown project")
	ErrUnknownTask    = errors.New("unknown task")
	ErrEmptyTitle     = errors.New("task title is empty")
)

// Publisher is the part of a realtime provider the board needs to share
// its own edits.
type Publisher interface {
	BroadcastUpdate(ctx context.Context, u events.Update) (events.Envelope, error)
}

// IsSelfOriginated reports whether env was produced by localUser. Those
// envelopes were already applied when the action was taken.
func IsSelfOriginated(env events.Envelope, localUser string) bool {
	return env.OriginUser() == localUser
}

type Notice struct {
	ID         string
	Message    string
	OriginUser string
	Kind       events.Kind
	ProjectID  int64
	RaisedAt   time.Time

	seq uint64
}

type Config struct {
	Logger *slog.Logger
	User   string
	Role   models.Role

	// Scope limits the board to one project, as on a project detail view.
	// Zero means every project.
	Scope int64

	NoticeTTL time.Duration

	// OnChange, when set, is called after every applied update or raised
	// notice. It must not call back into the board synchronously.
	OnChange func()
}

type Board struct {
	logger   *slog.Logger
	user     string
	role     models.Role
	scope    int64
	onChange func()

	mu       sync.RWMutex
	projects map[int64]*models.Project
	order    []int64

	noticeSeq uint64
	notices   *ttlcache.Cache[string, Notice]

	closeOnce sync.Once
}

var _ events.Subscriber = &Board{}

func New(cfg Config) *Board {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.NoticeTTL <= 0 {
		cfg.NoticeTTL = DefaultNoticeTTL
	}

	notices := ttlcache.New[string, Notice](
		ttlcache.WithTTL[string, Notice](cfg.NoticeTTL),
		ttlcache.WithDisableTouchOnHit[string, Notice](),
	)
	go notices.Start()

	return &Board{
		logger:   cfg.Logger.WithGroup("board").With("user", cfg.User),
		user:     cfg.User,
		role:     cfg.Role,
		scope:    cfg.Scope,
		onChange: cfg.OnChange,
		projects: make(map[int64]*models.Project),
		notices:  notices,
	}
}

func (b *Board) User() string      { return b.user }
func (b *Board) Role() models.Role { return b.role }
func (b *Board) Scope() int64      { return b.scope }

// Load replaces the board's records. Projects outside the scope are kept
// out.
func (b *Board) Load(projects []models.Project) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.projects = make(map[int64]*models.Project, len(projects))
	b.order = b.order[:0]
	for _, p := range projects {
		if !b.inScope(p.ID) {
			continue
		}
		cp := p.Clone()
		if _, dup := b.projects[p.ID]; !dup {
			b.order = append(b.order, p.ID)
		}
		b.projects[p.ID] = &cp
	}
}

func (b *Board) inScope(projectID int64) bool {
	return b.scope == 0 || b.scope == projectID
}

func (b *Board) Project(id int64) (models.Project, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	p, ok := b.projects[id]
	if !ok {
		return models.Project{}, false
	}
	return p.Clone(), true
}

// Projects returns the records in load order.
func (b *Board) Projects() []models.Project {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]models.Project, 0, len(b.order))
	for _, id := range b.order {
		out = append(out, b.projects[id].Clone())
	}
	return out
}

// Notices returns the notices that have not yet cleared, oldest first.
func (b *Board) Notices() []Notice {
	items := b.notices.Items()
	out := make([]Notice, 0, len(items))
	for _, item := range items {
		out = append(out, item.Value())
	}
	slices.SortFunc(out, func(a, c Notice) int {
		if a.seq < c.seq {
			return -1
		}
		if a.seq > c.seq {
			return 1
		}
		return 0
	})
	return out
}

func (b *Board) OnUpdate(ctx context.Context, env events.Envelope) {
	if IsSelfOriginated(env, b.user) {
		return
	}
	if !b.inScope(env.ProjectID()) {
		return
	}

	var err error
	switch env.Kind() {
	case events.KindProjectUpdated:
		err = b.mergeProject(env)
	case events.KindTaskUpdated:
		err = b.mergeTask(env)
	default:
		b.logger.Debug("Ignoring update of unknown kind", "update", env.String())
		return
	}
	if err != nil && !errors.Is(err, ErrUnknownProject) && !errors.Is(err, ErrUnknownTask) {
		b.logger.Warn("Update could not be applied", "update", env.String(), "error", err)
		return
	}
	if err != nil {
		b.logger.Debug("Update targets a record not on this board", "update", env.String(), "error", err)
	}

	b.raiseNotice(env)
	b.changed()
}

func (b *Board) mergeProject(env events.Envelope) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	current, ok := b.projects[env.ProjectID()]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownProject, env.ProjectID())
	}

	next := current.Clone()
	if err := overlay(&next, env.Payload(), "id", "tasks"); err != nil {
		return err
	}
	next.Progress = clampProgress(next.Progress)
	*current = next
	return nil
}

func (b *Board) mergeTask(env events.Envelope) error {
	taskID, ok := env.TaskID()
	if !ok {
		return fmt.Errorf("%w: task update without a task id", ErrUnknownTask)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	project, ok := b.projects[env.ProjectID()]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownProject, env.ProjectID())
	}
	task := project.Task(taskID)
	if task == nil {
		return fmt.Errorf("%w: %d in project %d", ErrUnknownTask, taskID, env.ProjectID())
	}

	next := *task
	if err := overlay(&next, env.Payload(), "id"); err != nil {
		return err
	}
	*task = next
	return nil
}

// overlay writes each payload field onto the matching field of dst. Keys
// in protected are never written. dst is left partially written on error,
// so callers overlay onto a copy.
func overlay(dst any, payload map[string]any, protected ...string) error {
	// encoding/json matches field names case-insensitively.
	for key := range payload {
		for _, p := range protected {
			if strings.EqualFold(key, p) {
				delete(payload, key)
			}
		}
	}
	if len(payload) == 0 {
		return nil
	}
	roundIntegerFields(dst, payload)
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dst)
}

// roundIntegerFields rounds fractional numbers bound for integer fields of
// dst, so {"progress": 80.5} lands as 81 instead of failing to decode.
func roundIntegerFields(dst any, payload map[string]any) {
	t := reflect.TypeOf(dst)
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return
	}
	for i := range t.NumField() {
		f := t.Field(i)
		switch f.Type.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		default:
			continue
		}
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "" {
			name = f.Name
		}
		for key, v := range payload {
			if n, ok := v.(float64); ok && strings.EqualFold(key, name) {
				payload[key] = math.Round(n)
			}
		}
	}
}

func clampProgress(p int) int {
	return min(100, max(0, p))
}

func (b *Board) raiseNotice(env events.Envelope) {
	what := "a project"
	if env.Kind() == events.KindTaskUpdated {
		what = "a task"
	}

	b.mu.Lock()
	b.noticeSeq++
	n := Notice{
		ID:         uuid.NewString(),
		Message:    fmt.Sprintf("%s updated %s", env.OriginUser(), what),
		OriginUser: env.OriginUser(),
		Kind:       env.Kind(),
		ProjectID:  env.ProjectID(),
		RaisedAt:   time.Now(),
		seq:        b.noticeSeq,
	}
	b.mu.Unlock()

	b.notices.Set(n.ID, n, ttlcache.DefaultTTL)
}

func (b *Board) changed() {
	if b.onChange != nil {
		b.onChange()
	}
}

// SetProgress records a progress edit and shares it. The stored value is
// clamped to 0..100; other contexts receive the value as entered.
func (b *Board) SetProgress(ctx context.Context, pub Publisher, projectID int64, progress int) error {
	if !b.role.CanEditProgress() {
		return ErrForbidden
	}

	b.mu.Lock()
	p, ok := b.projects[projectID]
	if !ok {
		b.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrUnknownProject, projectID)
	}
	p.Progress = clampProgress(progress)
	b.mu.Unlock()

	_, err := pub.BroadcastUpdate(ctx, events.Update{
		Kind:       events.KindProjectUpdated,
		ProjectID:  projectID,
		Payload:    map[string]any{"progress": progress},
		OriginUser: b.user,
	})
	b.changed()
	return err
}

func (b *Board) SetTaskStatus(ctx context.Context, pub Publisher, projectID, taskID int64, status models.TaskStatus) error {
	if !status.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}

	b.mu.Lock()
	p, ok := b.projects[projectID]
	if !ok {
		b.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrUnknownProject, projectID)
	}
	task := p.Task(taskID)
	if task == nil {
		b.mu.Unlock()
		return fmt.Errorf("%w: %d in project %d", ErrUnknownTask, taskID, projectID)
	}
	task.Status = status
	b.mu.Unlock()

	_, err := pub.BroadcastUpdate(ctx, events.Update{
		Kind:       events.KindTaskUpdated,
		ProjectID:  projectID,
		TaskID:     events.TaskRef(taskID),
		Payload:    map[string]any{"status": string(status)},
		OriginUser: b.user,
	})
	b.changed()
	return err
}

// AddTask appends a task to this board only. New tasks are not shared.
func (b *Board) AddTask(projectID int64, title string) (models.Task, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return models.Task{}, ErrEmptyTitle
	}

	b.mu.Lock()
	p, ok := b.projects[projectID]
	if !ok {
		b.mu.Unlock()
		return models.Task{}, fmt.Errorf("%w: %d", ErrUnknownProject, projectID)
	}
	task := models.Task{
		ID:         p.NextTaskID(),
		Title:      title,
		Status:     models.TaskTodo,
		AssignedTo: models.Unassigned,
		Priority:   models.PriorityMedium,
	}
	p.Tasks = append(p.Tasks, task)
	b.mu.Unlock()

	b.changed()
	return task, nil
}

// Close stops the notice timers.
func (b *Board) Close() {
	b.closeOnce.Do(b.notices.Stop)
}
