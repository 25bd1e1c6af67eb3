package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"approvalflow/api/internal/util"
)

// ErrStale reports that a transition's expectations no longer hold: another
// writer got to the document first.
var ErrStale = errors.New("document state changed")

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// --- users & sessions ---

func (s *PostgresStore) EnsureUserByName(ctx context.Context, name string) (User, error) {
	const findUser = `SELECT id, display_name, email FROM users WHERE display_name = $1`
	var user User
	err := s.db.QueryRowContext(ctx, findUser, name).Scan(&user.ID, &user.DisplayName, &user.Email)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return User{}, fmt.Errorf("lookup user: %w", err)
	}

	insertUser := `
		INSERT INTO users (id, display_name, email)
		VALUES ($1, $2, CONCAT(LOWER(REPLACE($2, ' ', '.')), '@local.approvalflow.dev'))
		RETURNING id, display_name, email
	`
	if err := s.db.QueryRowContext(ctx, insertUser, util.NewID("usr"), name).Scan(&user.ID, &user.DisplayName, &user.Email); err != nil {
		return User{}, fmt.Errorf("insert user: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `SELECT id, display_name, email FROM users WHERE id=$1`, userID).
		Scan(&user.ID, &user.DisplayName, &user.Email)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id=EXCLUDED.user_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (string, error) {
	const query = `
		SELECT user_id
		FROM refresh_sessions
		WHERE token_hash = $1
			AND revoked_at IS NULL
			AND expires_at > NOW()
	`
	var userID string
	if err := s.db.QueryRowContext(ctx, query, tokenHash).Scan(&userID); err != nil {
		return "", err
	}
	return userID, nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_access_tokens (jti, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, exp)
	if err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM revoked_access_tokens WHERE jti=$1)`, jti).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return revoked, nil
}

// --- categories ---

func (s *PostgresStore) InsertCategory(ctx context.Context, category Category) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO categories (id, name, sort_order)
		VALUES ($1, $2, $3)
		ON CONFLICT (name) DO NOTHING
	`, category.ID, category.Name, category.SortOrder)
	if err != nil {
		return fmt.Errorf("insert category: %w", err)
	}
	return nil
}

func (s *PostgresStore) CategoryExists(ctx context.Context, categoryID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM categories WHERE id=$1)`, categoryID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check category: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) ListCategories(ctx context.Context) ([]Category, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, sort_order, created_at FROM categories ORDER BY sort_order, name`)
	if err != nil {
		return nil, fmt.Errorf("list categories: %w", err)
	}
	defer rows.Close()

	items := make([]Category, 0)
	for rows.Next() {
		var item Category
		if err := rows.Scan(&item.ID, &item.Name, &item.SortOrder, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan category: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate categories: %w", err)
	}
	return items, nil
}

// --- templates ---

func (s *PostgresStore) InsertTemplate(ctx context.Context, tpl Template) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert template: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO templates (id, title, icon, color, description, body_template, use_body, use_attachment, allow_target_change, is_hidden, category_id, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, tpl.ID, tpl.Title, tpl.Icon, tpl.Color, tpl.Description, tpl.BodyTemplate, tpl.UseBody, tpl.UseAttachment, tpl.AllowTargetChange, tpl.IsHidden, tpl.CategoryID, tpl.CreatedBy)
	if err != nil {
		return fmt.Errorf("insert template: %w", err)
	}

	for _, field := range tpl.Fields {
		options, err := json.Marshal(field.Options)
		if err != nil {
			return fmt.Errorf("marshal field options: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO template_fields (id, template_id, name, field_type, required, sort_order, options)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, field.ID, tpl.ID, field.Name, field.FieldType, field.Required, field.SortOrder, options); err != nil {
			return fmt.Errorf("insert template field: %w", err)
		}
	}

	for _, stage := range tpl.Stages {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO template_stages (id, template_id, stage_order, name)
			VALUES ($1, $2, $3, $4)
		`, stage.ID, tpl.ID, stage.StageOrder, stage.Name); err != nil {
			return fmt.Errorf("insert template stage: %w", err)
		}
		for _, target := range stage.Targets {
			if err := insertTemplateTarget(ctx, tx, tpl.ID, stage.ID, target); err != nil {
				return err
			}
		}
	}

	for _, target := range tpl.ReferenceTargets {
		if err := insertTemplateTarget(ctx, tx, tpl.ID, "", target); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit insert template: %w", err)
	}
	return nil
}

func insertTemplateTarget(ctx context.Context, tx *sql.Tx, templateID, stageID string, target TargetDecl) error {
	var stage any
	if stageID != "" {
		stage = stageID
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO template_targets (id, template_id, stage_id, target_type, user_id, organization_id, manager_level, is_reference, sort_order)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, target.ID, templateID, stage, target.TargetType, target.UserID, target.OrganizationID, target.ManagerLevel, target.IsReference, target.SortOrder)
	if err != nil {
		return fmt.Errorf("insert template target: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetTemplate(ctx context.Context, templateID string) (Template, error) {
	var tpl Template
	err := s.db.QueryRowContext(ctx, `
		SELECT id, title, icon, color, description, body_template, use_body, use_attachment, allow_target_change, is_hidden, category_id, created_by, created_at
		FROM templates
		WHERE id=$1 AND deleted_at IS NULL
	`, templateID).Scan(
		&tpl.ID, &tpl.Title, &tpl.Icon, &tpl.Color, &tpl.Description, &tpl.BodyTemplate,
		&tpl.UseBody, &tpl.UseAttachment, &tpl.AllowTargetChange, &tpl.IsHidden,
		&tpl.CategoryID, &tpl.CreatedBy, &tpl.CreatedAt,
	)
	if err != nil {
		return Template{}, err
	}

	fields, err := s.templateFields(ctx, templateID)
	if err != nil {
		return Template{}, err
	}
	tpl.Fields = fields

	stages, refs, err := s.templateStages(ctx, templateID)
	if err != nil {
		return Template{}, err
	}
	tpl.Stages = stages
	tpl.ReferenceTargets = refs
	return tpl, nil
}

func (s *PostgresStore) templateFields(ctx context.Context, templateID string) ([]TemplateField, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, template_id, name, field_type, required, sort_order, options
		FROM template_fields
		WHERE template_id=$1
		ORDER BY sort_order, name
	`, templateID)
	if err != nil {
		return nil, fmt.Errorf("list template fields: %w", err)
	}
	defer rows.Close()

	fields := make([]TemplateField, 0)
	for rows.Next() {
		var field TemplateField
		var options []byte
		if err := rows.Scan(&field.ID, &field.TemplateID, &field.Name, &field.FieldType, &field.Required, &field.SortOrder, &options); err != nil {
			return nil, fmt.Errorf("scan template field: %w", err)
		}
		if err := json.Unmarshal(options, &field.Options); err != nil {
			return nil, fmt.Errorf("unmarshal field options: %w", err)
		}
		fields = append(fields, field)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate template fields: %w", err)
	}
	return fields, nil
}

func (s *PostgresStore) templateStages(ctx context.Context, templateID string) ([]TemplateStage, []TargetDecl, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, template_id, stage_order, name
		FROM template_stages
		WHERE template_id=$1
		ORDER BY stage_order
	`, templateID)
	if err != nil {
		return nil, nil, fmt.Errorf("list template stages: %w", err)
	}
	defer rows.Close()

	stages := make([]TemplateStage, 0)
	index := make(map[string]int)
	for rows.Next() {
		var stage TemplateStage
		if err := rows.Scan(&stage.ID, &stage.TemplateID, &stage.StageOrder, &stage.Name); err != nil {
			return nil, nil, fmt.Errorf("scan template stage: %w", err)
		}
		index[stage.ID] = len(stages)
		stages = append(stages, stage)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate template stages: %w", err)
	}

	targetRows, err := s.db.QueryContext(ctx, `
		SELECT id, stage_id, target_type, user_id, organization_id, manager_level, is_reference, sort_order
		FROM template_targets
		WHERE template_id=$1
		ORDER BY sort_order, id
	`, templateID)
	if err != nil {
		return nil, nil, fmt.Errorf("list template targets: %w", err)
	}
	defer targetRows.Close()

	refs := make([]TargetDecl, 0)
	for targetRows.Next() {
		var target TargetDecl
		var stageID sql.NullString
		if err := targetRows.Scan(&target.ID, &stageID, &target.TargetType, &target.UserID, &target.OrganizationID, &target.ManagerLevel, &target.IsReference, &target.SortOrder); err != nil {
			return nil, nil, fmt.Errorf("scan template target: %w", err)
		}
		if stageID.Valid {
			if at, ok := index[stageID.String]; ok {
				stages[at].Targets = append(stages[at].Targets, target)
			}
			continue
		}
		refs = append(refs, target)
	}
	if err := targetRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate template targets: %w", err)
	}
	return stages, refs, nil
}

func (s *PostgresStore) ListTemplates(ctx context.Context, categoryID string, includeHidden bool) ([]Template, error) {
	query := `
		SELECT id, title, icon, color, description, use_body, use_attachment, allow_target_change, is_hidden, category_id, created_by, created_at
		FROM templates
		WHERE deleted_at IS NULL
	`
	args := []any{}
	if !includeHidden {
		query += ` AND is_hidden = FALSE`
	}
	if categoryID != "" {
		args = append(args, categoryID)
		query += fmt.Sprintf(` AND category_id = $%d`, len(args))
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}
	defer rows.Close()

	items := make([]Template, 0)
	for rows.Next() {
		var item Template
		if err := rows.Scan(&item.ID, &item.Title, &item.Icon, &item.Color, &item.Description, &item.UseBody, &item.UseAttachment, &item.AllowTargetChange, &item.IsHidden, &item.CategoryID, &item.CreatedBy, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan template: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate templates: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) SetTemplateHidden(ctx context.Context, templateID string, hidden bool) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE templates SET is_hidden=$2 WHERE id=$1 AND deleted_at IS NULL
	`, templateID, hidden)
	if err != nil {
		return fmt.Errorf("set template hidden: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("set template hidden affected: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) SoftDeleteTemplate(ctx context.Context, templateID string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE templates SET deleted_at=NOW(), is_hidden=TRUE WHERE id=$1 AND deleted_at IS NULL
	`, templateID)
	if err != nil {
		return fmt.Errorf("delete template: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete template affected: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// --- documents ---

func (s *PostgresStore) InsertDocument(ctx context.Context, doc Document) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert document: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO approval_documents (id, template_id, author_id, title, content, status, current_stage, submitted_at, approved_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, doc.ID, doc.TemplateID, doc.AuthorID, doc.Title, doc.Content, doc.Status, doc.CurrentStage, doc.SubmittedAt, doc.ApprovedAt)
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}

	for _, stage := range doc.Stages {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO document_stages (id, document_id, stage_order, name)
			VALUES ($1, $2, $3, $4)
		`, stage.ID, doc.ID, stage.StageOrder, stage.Name); err != nil {
			return fmt.Errorf("insert document stage: %w", err)
		}
		for _, target := range stage.Targets {
			if err := insertDocumentTarget(ctx, tx, doc.ID, stage.ID, target); err != nil {
				return err
			}
		}
	}

	for _, target := range doc.ReferenceTargets {
		if err := insertDocumentTarget(ctx, tx, doc.ID, "", target); err != nil {
			return err
		}
	}

	for _, value := range doc.FieldValues {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO document_field_values (id, document_id, field_id, name, field_type, value)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, value.ID, doc.ID, value.FieldID, value.Name, value.FieldType, value.Value); err != nil {
			return fmt.Errorf("insert field value: %w", err)
		}
	}

	for _, attachment := range doc.Attachments {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO document_attachments (id, document_id, file_id, file_name, size)
			VALUES ($1, $2, $3, $4, $5)
		`, attachment.ID, doc.ID, attachment.FileID, attachment.FileName, attachment.Size); err != nil {
			return fmt.Errorf("insert attachment: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit insert document: %w", err)
	}
	return nil
}

func insertDocumentTarget(ctx context.Context, tx *sql.Tx, documentID, stageID string, target DocumentTarget) error {
	var stage any
	if stageID != "" {
		stage = stageID
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO document_targets (id, document_id, stage_id, target_type, user_id, organization_id, manager_level, is_reference, sort_order, approval_status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, target.ID, documentID, stage, target.TargetType, target.UserID, target.OrganizationID, target.ManagerLevel, target.IsReference, target.SortOrder, target.ApprovalStatus)
	if err != nil {
		return fmt.Errorf("insert document target: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetDocument(ctx context.Context, documentID string) (Document, error) {
	var doc Document
	err := s.db.QueryRowContext(ctx, `
		SELECT id, template_id, author_id, title, content, status, current_stage, submitted_at, approved_at, created_at, updated_at
		FROM approval_documents
		WHERE id=$1 AND deleted_at IS NULL
	`, documentID).Scan(
		&doc.ID, &doc.TemplateID, &doc.AuthorID, &doc.Title, &doc.Content, &doc.Status,
		&doc.CurrentStage, &doc.SubmittedAt, &doc.ApprovedAt, &doc.CreatedAt, &doc.UpdatedAt,
	)
	if err != nil {
		return Document{}, err
	}

	stages, refs, err := s.documentStages(ctx, documentID)
	if err != nil {
		return Document{}, err
	}
	doc.Stages = stages
	doc.ReferenceTargets = refs

	values, err := s.documentFieldValues(ctx, documentID)
	if err != nil {
		return Document{}, err
	}
	doc.FieldValues = values

	attachments, err := s.documentAttachments(ctx, documentID)
	if err != nil {
		return Document{}, err
	}
	doc.Attachments = attachments
	return doc, nil
}

func (s *PostgresStore) documentStages(ctx context.Context, documentID string) ([]DocumentStage, []DocumentTarget, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, document_id, stage_order, name, is_completed, completed_at
		FROM document_stages
		WHERE document_id=$1
		ORDER BY stage_order
	`, documentID)
	if err != nil {
		return nil, nil, fmt.Errorf("list document stages: %w", err)
	}
	defer rows.Close()

	stages := make([]DocumentStage, 0)
	index := make(map[string]int)
	for rows.Next() {
		var stage DocumentStage
		if err := rows.Scan(&stage.ID, &stage.DocumentID, &stage.StageOrder, &stage.Name, &stage.IsCompleted, &stage.CompletedAt); err != nil {
			return nil, nil, fmt.Errorf("scan document stage: %w", err)
		}
		index[stage.ID] = len(stages)
		stages = append(stages, stage)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate document stages: %w", err)
	}

	targetRows, err := s.db.QueryContext(ctx, `
		SELECT id, document_id, stage_id, target_type, user_id, organization_id, manager_level, is_reference, sort_order, approval_status, processed_by, processed_at
		FROM document_targets
		WHERE document_id=$1
		ORDER BY sort_order, id
	`, documentID)
	if err != nil {
		return nil, nil, fmt.Errorf("list document targets: %w", err)
	}
	defer targetRows.Close()

	refs := make([]DocumentTarget, 0)
	for targetRows.Next() {
		var target DocumentTarget
		var stageID sql.NullString
		if err := targetRows.Scan(&target.ID, &target.DocumentID, &stageID, &target.TargetType, &target.UserID, &target.OrganizationID, &target.ManagerLevel, &target.IsReference, &target.SortOrder, &target.ApprovalStatus, &target.ProcessedBy, &target.ProcessedAt); err != nil {
			return nil, nil, fmt.Errorf("scan document target: %w", err)
		}
		if stageID.Valid {
			target.StageID = stageID.String
			if at, ok := index[stageID.String]; ok {
				stages[at].Targets = append(stages[at].Targets, target)
			}
			continue
		}
		refs = append(refs, target)
	}
	if err := targetRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate document targets: %w", err)
	}
	return stages, refs, nil
}

func (s *PostgresStore) documentFieldValues(ctx context.Context, documentID string) ([]FieldValue, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, document_id, field_id, name, field_type, value
		FROM document_field_values
		WHERE document_id=$1
		ORDER BY id
	`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list field values: %w", err)
	}
	defer rows.Close()

	values := make([]FieldValue, 0)
	for rows.Next() {
		var value FieldValue
		if err := rows.Scan(&value.ID, &value.DocumentID, &value.FieldID, &value.Name, &value.FieldType, &value.Value); err != nil {
			return nil, fmt.Errorf("scan field value: %w", err)
		}
		values = append(values, value)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate field values: %w", err)
	}
	return values, nil
}

func (s *PostgresStore) documentAttachments(ctx context.Context, documentID string) ([]Attachment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, document_id, file_id, file_name, size
		FROM document_attachments
		WHERE document_id=$1
		ORDER BY id
	`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list attachments: %w", err)
	}
	defer rows.Close()

	attachments := make([]Attachment, 0)
	for rows.Next() {
		var attachment Attachment
		if err := rows.Scan(&attachment.ID, &attachment.DocumentID, &attachment.FileID, &attachment.FileName, &attachment.Size); err != nil {
			return nil, fmt.Errorf("scan attachment: %w", err)
		}
		attachments = append(attachments, attachment)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate attachments: %w", err)
	}
	return attachments, nil
}

// ListDocuments returns document headers the viewer is related to, as author
// or as a resolved target anywhere on the document, newest first.
func (s *PostgresStore) ListDocuments(ctx context.Context, viewerID string, filter DocumentFilter) ([]Document, error) {
	query := `
		SELECT d.id, d.template_id, d.author_id, d.title, d.status, d.current_stage, d.submitted_at, d.approved_at, d.created_at, d.updated_at
		FROM approval_documents d
		WHERE d.deleted_at IS NULL
			AND (d.author_id = $1 OR EXISTS (
				SELECT 1 FROM document_targets t
				WHERE t.document_id = d.id AND t.user_id = $1
			))
	`
	args := []any{viewerID}

	if filter.Status != "" {
		args = append(args, filter.Status)
		query += fmt.Sprintf(` AND d.status = $%d`, len(args))
	}
	if filter.AuthorID != "" {
		args = append(args, filter.AuthorID)
		query += fmt.Sprintf(` AND d.author_id = $%d`, len(args))
	}
	if filter.From != nil {
		args = append(args, *filter.From)
		query += fmt.Sprintf(` AND d.created_at >= $%d`, len(args))
	}
	if filter.To != nil {
		args = append(args, *filter.To)
		query += fmt.Sprintf(` AND d.created_at <= $%d`, len(args))
	}
	if filter.Query != "" {
		args = append(args, "%"+filter.Query+"%")
		query += fmt.Sprintf(` AND (d.title ILIKE $%d OR d.content ILIKE $%d)`, len(args), len(args))
	}
	if filter.IDs != nil {
		if len(filter.IDs) == 0 {
			return []Document{}, nil
		}
		placeholders := make([]string, 0, len(filter.IDs))
		for _, id := range filter.IDs {
			args = append(args, id)
			placeholders = append(placeholders, fmt.Sprintf("$%d", len(args)))
		}
		query += ` AND d.id IN (` + strings.Join(placeholders, ", ") + `)`
	}

	query += ` ORDER BY d.created_at DESC`
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit)
	query += fmt.Sprintf(` LIMIT $%d`, len(args))
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(` OFFSET $%d`, len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	items := make([]Document, 0)
	for rows.Next() {
		var item Document
		if err := rows.Scan(&item.ID, &item.TemplateID, &item.AuthorID, &item.Title, &item.Status, &item.CurrentStage, &item.SubmittedAt, &item.ApprovedAt, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) UpdateDocumentDraft(ctx context.Context, documentID, title, content string, values []FieldValue) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin update draft: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		UPDATE approval_documents
		SET title=$2, content=$3, updated_at=NOW()
		WHERE id=$1 AND deleted_at IS NULL AND status='DRAFT'
	`, documentID, title, content)
	if err != nil {
		return fmt.Errorf("update draft: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update draft affected: %w", err)
	}
	if affected == 0 {
		return ErrStale
	}

	if values != nil {
		if _, err := tx.ExecContext(ctx, `DELETE FROM document_field_values WHERE document_id=$1`, documentID); err != nil {
			return fmt.Errorf("clear field values: %w", err)
		}
		for _, value := range values {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO document_field_values (id, document_id, field_id, name, field_type, value)
				VALUES ($1, $2, $3, $4, $5, $6)
			`, value.ID, documentID, value.FieldID, value.Name, value.FieldType, value.Value); err != nil {
				return fmt.Errorf("insert field value: %w", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit update draft: %w", err)
	}
	return nil
}

func (s *PostgresStore) SoftDeleteDocument(ctx context.Context, documentID string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE approval_documents SET deleted_at=NOW(), updated_at=NOW() WHERE id=$1 AND deleted_at IS NULL
	`, documentID)
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete document affected: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// ApplyTransition locks the document row, verifies the caller's expectations
// still hold, and applies the target, stage, document, and activity writes in
// one transaction. Serializes concurrent approve/reject/submit calls per
// document.
func (s *PostgresStore) ApplyTransition(ctx context.Context, t Transition) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transition: %w", err)
	}
	defer tx.Rollback()

	var status string
	var currentStage int
	err = tx.QueryRowContext(ctx, `
		SELECT status, current_stage
		FROM approval_documents
		WHERE id=$1 AND deleted_at IS NULL
		FOR UPDATE
	`, t.DocumentID).Scan(&status, &currentStage)
	if err != nil {
		return err
	}
	if status != t.ExpectStatus || currentStage != t.ExpectCurrentStage {
		return ErrStale
	}

	if t.Target != nil {
		result, err := tx.ExecContext(ctx, `
			UPDATE document_targets
			SET approval_status=$2, processed_by=$3, processed_at=$4
			WHERE id=$1 AND approval_status='PENDING' AND is_reference=FALSE
		`, t.Target.TargetID, t.Target.Status, t.Target.ProcessedBy, t.Target.ProcessedAt)
		if err != nil {
			return fmt.Errorf("update target: %w", err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("update target affected: %w", err)
		}
		if affected == 0 {
			return ErrStale
		}
	}

	if t.CompleteStageID != "" {
		if _, err := tx.ExecContext(ctx, `
			UPDATE document_stages
			SET is_completed=TRUE, completed_at=$2
			WHERE id=$1
		`, t.CompleteStageID, t.CompletedAt); err != nil {
			return fmt.Errorf("complete stage: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE approval_documents
		SET status = COALESCE(NULLIF($2, ''), status),
			current_stage = CASE WHEN $3 > 0 THEN $3 ELSE current_stage END,
			submitted_at = COALESCE($4, submitted_at),
			approved_at = COALESCE($5, approved_at),
			updated_at = NOW()
		WHERE id=$1
	`, t.DocumentID, t.SetStatus, t.SetCurrentStage, t.SetSubmittedAt, t.SetApprovedAt); err != nil {
		return fmt.Errorf("update document: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO document_activities (document_id, activity_type, actor_id, description, reason)
		VALUES ($1, $2, $3, $4, $5)
	`, t.DocumentID, t.Activity.ActivityType, t.Activity.ActorID, t.Activity.Description, t.Activity.Reason); err != nil {
		return fmt.Errorf("insert transition activity: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transition: %w", err)
	}
	return nil
}

// --- activities & comments ---

func (s *PostgresStore) InsertActivity(ctx context.Context, activity Activity) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO document_activities (document_id, activity_type, actor_id, description, reason)
		VALUES ($1, $2, $3, $4, $5)
	`, activity.DocumentID, activity.ActivityType, activity.ActorID, activity.Description, activity.Reason)
	if err != nil {
		return fmt.Errorf("insert activity: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListActivities(ctx context.Context, documentID string) ([]Activity, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, document_id, activity_type, actor_id, description, reason, created_at
		FROM document_activities
		WHERE document_id=$1
		ORDER BY created_at, id
	`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list activities: %w", err)
	}
	defer rows.Close()

	items := make([]Activity, 0)
	for rows.Next() {
		var item Activity
		if err := rows.Scan(&item.ID, &item.DocumentID, &item.ActivityType, &item.ActorID, &item.Description, &item.Reason, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate activities: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) InsertComment(ctx context.Context, comment Comment) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO document_comments (id, document_id, author_id, body)
		VALUES ($1, $2, $3, $4)
	`, comment.ID, comment.DocumentID, comment.AuthorID, comment.Body)
	if err != nil {
		return fmt.Errorf("insert comment: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListComments(ctx context.Context, documentID string) ([]Comment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, document_id, author_id, body, created_at
		FROM document_comments
		WHERE document_id=$1
		ORDER BY created_at, id
	`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}
	defer rows.Close()

	items := make([]Comment, 0)
	for rows.Next() {
		var item Comment
		if err := rows.Scan(&item.ID, &item.DocumentID, &item.AuthorID, &item.Body, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan comment: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate comments: %w", err)
	}
	return items, nil
}
