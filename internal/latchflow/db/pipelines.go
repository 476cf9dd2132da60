package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Pipeline is an ordered sequence of actions attached to triggers.
type Pipeline struct {
	ID          string
	Name        string
	Description sql.NullString
	IsEnabled   bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
	CreatedBy   sql.NullString
	UpdatedBy   sql.NullString
}

// PipelineStep binds an action definition into a pipeline at a position.
type PipelineStep struct {
	ID         string
	PipelineID string
	ActionID   string
	SortOrder  int
	IsEnabled  bool
}

// PipelineTrigger attaches a pipeline to a trigger definition.
type PipelineTrigger struct {
	ID         string
	PipelineID string
	TriggerID  string
	SortOrder  int
	IsEnabled  bool
}

// CreatePipelineTx inserts a pipeline inside tx.
func CreatePipelineTx(ctx context.Context, tx *sql.Tx, p *Pipeline) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	now := time.Now()
	p.CreatedAt, p.UpdatedAt = now, now
	_, err := tx.ExecContext(ctx, `
		INSERT INTO pipelines (id, name, description, is_enabled, created_at, updated_at, created_by, updated_by)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, p.ID, p.Name, p.Description, p.IsEnabled, p.CreatedAt, p.UpdatedAt, p.CreatedBy, p.UpdatedBy)
	if err != nil {
		return fmt.Errorf("db: create pipeline: %w", err)
	}
	return nil
}

// UpdatePipelineTx rewrites name, description and enablement.
func UpdatePipelineTx(ctx context.Context, tx *sql.Tx, p *Pipeline) error {
	p.UpdatedAt = time.Now()
	res, err := tx.ExecContext(ctx, `
		UPDATE pipelines SET name = ?, description = ?, is_enabled = ?, updated_at = ?, updated_by = ?
		WHERE id = ?
	`, p.Name, p.Description, p.IsEnabled, p.UpdatedAt, p.UpdatedBy, p.ID)
	if err != nil {
		return fmt.Errorf("db: update pipeline: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("db: pipeline %q: %w", p.ID, ErrNotFound)
	}
	return nil
}

// GetPipeline retrieves one pipeline.
func (s *Store) GetPipeline(ctx context.Context, id string) (*Pipeline, error) {
	p := &Pipeline{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, description, is_enabled, created_at, updated_at, created_by, updated_by
		FROM pipelines WHERE id = ?
	`, id).Scan(&p.ID, &p.Name, &p.Description, &p.IsEnabled, &p.CreatedAt, &p.UpdatedAt, &p.CreatedBy, &p.UpdatedBy)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("db: pipeline %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("db: get pipeline: %w", err)
	}
	return p, nil
}

// ListPipelines returns all pipelines, newest first.
func (s *Store) ListPipelines(ctx context.Context) ([]*Pipeline, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, description, is_enabled, created_at, updated_at, created_by, updated_by
		FROM pipelines ORDER BY created_at DESC, id
	`)
	if err != nil {
		return nil, fmt.Errorf("db: list pipelines: %w", err)
	}
	defer rows.Close()

	var out []*Pipeline
	for rows.Next() {
		p := &Pipeline{}
		if err := rows.Scan(&p.ID, &p.Name, &p.Description, &p.IsEnabled, &p.CreatedAt, &p.UpdatedAt, &p.CreatedBy, &p.UpdatedBy); err != nil {
			return nil, fmt.Errorf("db: scan pipeline: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db: iterate pipelines: %w", err)
	}
	return out, nil
}

// DeletePipeline removes a pipeline and refuses while steps or trigger
// attachments remain.
func (s *Store) DeletePipeline(ctx context.Context, id string) error {
	var dependents int
	err := s.db.QueryRowContext(ctx, `
		SELECT (SELECT COUNT(*) FROM pipeline_steps WHERE pipeline_id = ?)
		     + (SELECT COUNT(*) FROM pipeline_triggers WHERE pipeline_id = ?)
	`, id, id).Scan(&dependents)
	if err != nil {
		return fmt.Errorf("db: count pipeline dependents: %w", err)
	}
	if dependents > 0 {
		return fmt.Errorf("db: pipeline %q has %d dependents: %w", id, dependents, ErrInUse)
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM pipelines WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("db: delete pipeline: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("db: pipeline %q: %w", id, ErrNotFound)
	}
	return nil
}

// AddPipelineStepTx appends a step to a pipeline inside tx.
func AddPipelineStepTx(ctx context.Context, tx *sql.Tx, st *PipelineStep) error {
	if st.ID == "" {
		st.ID = uuid.NewString()
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO pipeline_steps (id, pipeline_id, action_id, sort_order, is_enabled)
		VALUES (?, ?, ?, ?, ?)
	`, st.ID, st.PipelineID, st.ActionID, st.SortOrder, st.IsEnabled)
	if err != nil {
		return fmt.Errorf("db: add pipeline step: %w", err)
	}
	return nil
}

// UpdatePipelineStepTx rewrites a step's position and enablement.
func UpdatePipelineStepTx(ctx context.Context, tx *sql.Tx, st *PipelineStep) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE pipeline_steps SET sort_order = ?, is_enabled = ? WHERE id = ?
	`, st.SortOrder, st.IsEnabled, st.ID)
	if err != nil {
		return fmt.Errorf("db: update pipeline step: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("db: pipeline step %q: %w", st.ID, ErrNotFound)
	}
	return nil
}

// RemovePipelineStepTx deletes a step inside tx.
func RemovePipelineStepTx(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM pipeline_steps WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("db: remove pipeline step: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("db: pipeline step %q: %w", id, ErrNotFound)
	}
	return nil
}

// GetPipelineStep retrieves one step.
func (s *Store) GetPipelineStep(ctx context.Context, id string) (*PipelineStep, error) {
	st := &PipelineStep{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, pipeline_id, action_id, sort_order, is_enabled
		FROM pipeline_steps WHERE id = ?
	`, id).Scan(&st.ID, &st.PipelineID, &st.ActionID, &st.SortOrder, &st.IsEnabled)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("db: pipeline step %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("db: get pipeline step: %w", err)
	}
	return st, nil
}

// ListPipelineSteps returns a pipeline's steps in execution order.
func (s *Store) ListPipelineSteps(ctx context.Context, pipelineID string) ([]*PipelineStep, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, pipeline_id, action_id, sort_order, is_enabled
		FROM pipeline_steps WHERE pipeline_id = ?
		ORDER BY sort_order, id
	`, pipelineID)
	if err != nil {
		return nil, fmt.Errorf("db: list pipeline steps: %w", err)
	}
	defer rows.Close()

	var out []*PipelineStep
	for rows.Next() {
		st := &PipelineStep{}
		if err := rows.Scan(&st.ID, &st.PipelineID, &st.ActionID, &st.SortOrder, &st.IsEnabled); err != nil {
			return nil, fmt.Errorf("db: scan pipeline step: %w", err)
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db: iterate pipeline steps: %w", err)
	}
	return out, nil
}

// AttachPipelineTriggerTx attaches a pipeline to a trigger inside tx.
func AttachPipelineTriggerTx(ctx context.Context, tx *sql.Tx, pt *PipelineTrigger) error {
	if pt.ID == "" {
		pt.ID = uuid.NewString()
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO pipeline_triggers (id, pipeline_id, trigger_id, sort_order, is_enabled)
		VALUES (?, ?, ?, ?, ?)
	`, pt.ID, pt.PipelineID, pt.TriggerID, pt.SortOrder, pt.IsEnabled)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("db: pipeline %q already attached to trigger %q: %w", pt.PipelineID, pt.TriggerID, ErrDuplicate)
		}
		return fmt.Errorf("db: attach pipeline trigger: %w", err)
	}
	return nil
}

// DetachPipelineTriggerTx removes the attachment inside tx.
func DetachPipelineTriggerTx(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM pipeline_triggers WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("db: detach pipeline trigger: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("db: pipeline trigger %q: %w", id, ErrNotFound)
	}
	return nil
}

// ListPipelineTriggers returns a pipeline's trigger attachments.
func (s *Store) ListPipelineTriggers(ctx context.Context, pipelineID string) ([]*PipelineTrigger, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, pipeline_id, trigger_id, sort_order, is_enabled
		FROM pipeline_triggers WHERE pipeline_id = ?
		ORDER BY sort_order, id
	`, pipelineID)
	if err != nil {
		return nil, fmt.Errorf("db: list pipeline triggers: %w", err)
	}
	defer rows.Close()

	var out []*PipelineTrigger
	for rows.Next() {
		pt := &PipelineTrigger{}
		if err := rows.Scan(&pt.ID, &pt.PipelineID, &pt.TriggerID, &pt.SortOrder, &pt.IsEnabled); err != nil {
			return nil, fmt.Errorf("db: scan pipeline trigger: %w", err)
		}
		out = append(out, pt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db: iterate pipeline triggers: %w", err)
	}
	return out, nil
}

// FanOutStep is one action enqueue target resolved from a trigger firing.
type FanOutStep struct {
	PipelineID         string
	StepID             string
	ActionDefinitionID string
}

// ResolveFanOut returns, for a trigger definition, every enabled step of
// every enabled pipeline attached through an enabled pipeline_trigger whose
// action definition is itself enabled. Order: attachment sort order first,
// then step sort order, ties broken by id.
func (s *Store) ResolveFanOut(ctx context.Context, triggerDefinitionID string) ([]FanOutStep, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT p.id, ps.id, ps.action_id
		FROM pipeline_triggers pt
		JOIN pipelines p ON p.id = pt.pipeline_id AND p.is_enabled = 1
		JOIN pipeline_steps ps ON ps.pipeline_id = p.id AND ps.is_enabled = 1
		JOIN action_definitions ad ON ad.id = ps.action_id AND ad.is_enabled = 1
		WHERE pt.trigger_id = ? AND pt.is_enabled = 1
		ORDER BY pt.sort_order, pt.id, ps.sort_order, ps.id
	`, triggerDefinitionID)
	if err != nil {
		return nil, fmt.Errorf("db: resolve fan-out: %w", err)
	}
	defer rows.Close()

	var out []FanOutStep
	for rows.Next() {
		var f FanOutStep
		if err := rows.Scan(&f.PipelineID, &f.StepID, &f.ActionDefinitionID); err != nil {
			return nil, fmt.Errorf("db: scan fan-out step: %w", err)
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db: iterate fan-out: %w", err)
	}
	return out, nil
}
