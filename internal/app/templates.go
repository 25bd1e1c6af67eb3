package app

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"strconv"
	"strings"
	"time"

	"approvalflow/api/internal/store"
	"approvalflow/api/internal/util"
)

var fieldTypes = map[string]bool{
	"TEXT":        true,
	"NUMBER":      true,
	"MONEY":       true,
	"DATE":        true,
	"SELECT":      true,
	"MULTISELECT": true,
}

type TargetInput struct {
	TargetType     string `json:"targetType"`
	UserID         string `json:"userId,omitempty"`
	OrganizationID string `json:"organizationId,omitempty"`
	ManagerLevel   int    `json:"managerLevel,omitempty"`
	IsReference    bool   `json:"isReference,omitempty"`
}

type StageInput struct {
	StageOrder int           `json:"stageOrder"`
	Name       string        `json:"name"`
	Targets    []TargetInput `json:"targets"`
}

type FieldInput struct {
	Name      string   `json:"name"`
	FieldType string   `json:"fieldType"`
	Required  bool     `json:"required"`
	Options   []string `json:"options,omitempty"`
}

type CreateTemplateInput struct {
	Title             string        `json:"title"`
	Icon              string        `json:"icon"`
	Color             string        `json:"color"`
	Description       string        `json:"description"`
	UseBody           bool          `json:"useBody"`
	BodyTemplate      string        `json:"bodyTemplate"`
	UseAttachment     string        `json:"useAttachment"`
	AllowTargetChange bool          `json:"allowTargetChange"`
	IsHidden          bool          `json:"isHidden"`
	CategoryID        string        `json:"categoryId"`
	Fields            []FieldInput  `json:"fields"`
	Stages            []StageInput  `json:"stages"`
	ReferenceTargets  []TargetInput `json:"referenceTargets"`
}

// CreateTemplate validates and persists a new workflow template. Templates are
// structurally write-once: there is no update operation, only create and
// soft delete.
func (s *Service) CreateTemplate(ctx context.Context, actorID string, input CreateTemplateInput) (store.Template, error) {
	if strings.TrimSpace(input.Title) == "" {
		return store.Template{}, validationError("Title is required", nil)
	}
	useAttachment := input.UseAttachment
	if useAttachment == "" {
		useAttachment = store.AttachmentOptional
	}
	switch useAttachment {
	case store.AttachmentDisabled, store.AttachmentOptional, store.AttachmentRequired:
	default:
		return store.Template{}, validationError("Unknown attachment mode", map[string]string{"useAttachment": useAttachment})
	}

	fields, err := buildFields(input.Fields)
	if err != nil {
		return store.Template{}, err
	}
	stages, err := buildStages(input.Stages)
	if err != nil {
		return store.Template{}, err
	}
	references, err := buildTargetDecls(input.ReferenceTargets, true)
	if err != nil {
		return store.Template{}, err
	}

	var categoryID *string
	if input.CategoryID != "" {
		exists, err := s.store.CategoryExists(ctx, input.CategoryID)
		if err != nil {
			return store.Template{}, err
		}
		if !exists {
			return store.Template{}, notFoundError("Category not found")
		}
		categoryID = &input.CategoryID
	}

	tpl := store.Template{
		ID:                util.NewID("tpl"),
		Title:             input.Title,
		Icon:              input.Icon,
		Color:             input.Color,
		Description:       input.Description,
		UseBody:           input.UseBody,
		BodyTemplate:      input.BodyTemplate,
		UseAttachment:     useAttachment,
		AllowTargetChange: input.AllowTargetChange,
		IsHidden:          input.IsHidden,
		CategoryID:        categoryID,
		CreatedBy:         actorID,
		Fields:            fields,
		Stages:            stages,
		ReferenceTargets:  references,
	}
	if err := s.store.InsertTemplate(ctx, tpl); err != nil {
		return store.Template{}, err
	}
	return s.store.GetTemplate(ctx, tpl.ID)
}

func (s *Service) GetTemplate(ctx context.Context, templateID string) (store.Template, error) {
	tpl, err := s.store.GetTemplate(ctx, templateID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Template{}, notFoundError("Template not found")
	}
	return tpl, err
}

func (s *Service) ListTemplates(ctx context.Context, categoryID string, includeHidden bool) ([]store.Template, error) {
	return s.store.ListTemplates(ctx, categoryID, includeHidden)
}

// UpdateTemplateVisibility flips the hidden flag. Hidden templates stay usable
// through GetTemplate so existing drafts can still be submitted.
func (s *Service) UpdateTemplateVisibility(ctx context.Context, actorID, templateID string, hidden bool) (store.Template, error) {
	tpl, err := s.store.GetTemplate(ctx, templateID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Template{}, notFoundError("Template not found")
	}
	if err != nil {
		return store.Template{}, err
	}
	if tpl.CreatedBy != actorID {
		return store.Template{}, forbiddenError("Only the template creator can change visibility")
	}
	if err := s.store.SetTemplateHidden(ctx, templateID, hidden); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Template{}, notFoundError("Template not found")
		}
		return store.Template{}, err
	}
	return s.store.GetTemplate(ctx, templateID)
}

// DeleteTemplate soft-deletes a template. Documents created from it keep their
// materialized stages and field values.
func (s *Service) DeleteTemplate(ctx context.Context, actorID, templateID string) error {
	tpl, err := s.store.GetTemplate(ctx, templateID)
	if errors.Is(err, sql.ErrNoRows) {
		return notFoundError("Template not found")
	}
	if err != nil {
		return err
	}
	if tpl.CreatedBy != actorID {
		return forbiddenError("Only the template creator can delete it")
	}
	if err := s.store.SoftDeleteTemplate(ctx, templateID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return notFoundError("Template not found")
		}
		return err
	}
	return nil
}

func buildFields(inputs []FieldInput) ([]store.TemplateField, error) {
	fields := make([]store.TemplateField, 0, len(inputs))
	seen := map[string]bool{}
	for i, input := range inputs {
		name := strings.TrimSpace(input.Name)
		if name == "" {
			return nil, validationError("Field name is required", map[string]int{"index": i})
		}
		if seen[name] {
			return nil, validationError("Duplicate field name", map[string]string{"name": name})
		}
		seen[name] = true
		if !fieldTypes[input.FieldType] {
			return nil, validationError("Unknown field type", map[string]string{"name": name, "fieldType": input.FieldType})
		}
		if (input.FieldType == "SELECT" || input.FieldType == "MULTISELECT") && len(input.Options) == 0 {
			return nil, validationError("Select fields need options", map[string]string{"name": name})
		}
		fields = append(fields, store.TemplateField{
			ID:        util.NewID("fld"),
			Name:      name,
			FieldType: input.FieldType,
			Required:  input.Required,
			SortOrder: i + 1,
			Options:   input.Options,
		})
	}
	return fields, nil
}

// buildStages checks that stage orders are dense from 1 and that every stage
// carries at least one approval target.
func buildStages(inputs []StageInput) ([]store.TemplateStage, error) {
	if len(inputs) == 0 {
		return nil, validationError("At least one approval stage is required", nil)
	}
	byOrder := map[int]bool{}
	for _, input := range inputs {
		if byOrder[input.StageOrder] {
			return nil, validationError("Duplicate stage order", map[string]int{"stageOrder": input.StageOrder})
		}
		byOrder[input.StageOrder] = true
	}
	for order := 1; order <= len(inputs); order++ {
		if !byOrder[order] {
			return nil, validationError("Stage orders must be consecutive from 1", map[string]int{"missing": order})
		}
	}

	stages := make([]store.TemplateStage, 0, len(inputs))
	for _, input := range inputs {
		targets, err := buildTargetDecls(input.Targets, false)
		if err != nil {
			return nil, err
		}
		approvers := 0
		for _, target := range targets {
			if !target.IsReference {
				approvers++
			}
		}
		if approvers == 0 {
			return nil, validationError("Stage needs at least one approver", map[string]int{"stageOrder": input.StageOrder})
		}
		stages = append(stages, store.TemplateStage{
			ID:         util.NewID("stg"),
			StageOrder: input.StageOrder,
			Name:       input.Name,
			Targets:    targets,
		})
	}
	sort.Slice(stages, func(i, j int) bool { return stages[i].StageOrder < stages[j].StageOrder })
	return stages, nil
}

func buildTargetDecls(inputs []TargetInput, forceReference bool) ([]store.TargetDecl, error) {
	targets := make([]store.TargetDecl, 0, len(inputs))
	for i, input := range inputs {
		decl := store.TargetDecl{
			ID:             util.NewID("tgt"),
			TargetType:     input.TargetType,
			UserID:         input.UserID,
			OrganizationID: input.OrganizationID,
			ManagerLevel:   input.ManagerLevel,
			IsReference:    input.IsReference || forceReference,
			SortOrder:      i + 1,
		}
		if err := validateTargetDecl(decl); err != nil {
			return nil, err
		}
		targets = append(targets, decl)
	}
	return targets, nil
}

func validateTargetDecl(decl store.TargetDecl) error {
	switch decl.TargetType {
	case store.TargetUser:
		if decl.UserID == "" {
			return validationError("USER target needs userId", nil)
		}
		if decl.OrganizationID != "" || decl.ManagerLevel != 0 {
			return validationError("USER target must not set organizationId or managerLevel", map[string]string{"userId": decl.UserID})
		}
	case store.TargetOrganization:
		if decl.OrganizationID == "" {
			return validationError("ORGANIZATION target needs organizationId", nil)
		}
		if decl.UserID != "" || decl.ManagerLevel != 0 {
			return validationError("ORGANIZATION target must not set userId or managerLevel", map[string]string{"organizationId": decl.OrganizationID})
		}
	case store.TargetNLevelManager:
		if decl.ManagerLevel < 1 {
			return validationError("N_LEVEL_MANAGER target needs managerLevel >= 1", map[string]int{"managerLevel": decl.ManagerLevel})
		}
		if decl.UserID != "" {
			return validationError("N_LEVEL_MANAGER target must not set userId", nil)
		}
	default:
		return validationError("Unknown target type", map[string]string{"targetType": decl.TargetType})
	}
	return nil
}

// validateFieldValue checks a raw value against its field definition.
func validateFieldValue(field store.TemplateField, value string) error {
	switch field.FieldType {
	case "NUMBER", "MONEY":
		if _, err := strconv.ParseFloat(value, 64); err != nil {
			return validationError("Field value is not a number", map[string]string{"field": field.Name, "value": value})
		}
	case "DATE":
		if _, err := time.Parse("2006-01-02", value); err != nil {
			return validationError("Field value is not a date (YYYY-MM-DD)", map[string]string{"field": field.Name, "value": value})
		}
	case "SELECT":
		if !containsOption(field.Options, value) {
			return validationError("Field value is not one of the options", map[string]string{"field": field.Name, "value": value})
		}
	case "MULTISELECT":
		for _, part := range strings.Split(value, ",") {
			if !containsOption(field.Options, strings.TrimSpace(part)) {
				return validationError("Field value is not one of the options", map[string]string{"field": field.Name, "value": part})
			}
		}
	}
	return nil
}

func containsOption(options []string, value string) bool {
	for _, option := range options {
		if option == value {
			return true
		}
	}
	return false
}
