package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"approvalflow/api/internal/attach"
	"approvalflow/api/internal/resolve"
	"approvalflow/api/internal/search"
	"approvalflow/api/internal/store"
	"approvalflow/api/internal/util"
)

type AttachmentInput struct {
	FileID   string `json:"fileId"`
	FileName string `json:"fileName"`
}

type CreateDocumentInput struct {
	TemplateID       string            `json:"templateId"`
	Title            string            `json:"title"`
	Content          string            `json:"content"`
	FieldValues      map[string]string `json:"fieldValues"`
	Stages           []StageInput      `json:"stages,omitempty"`
	ReferenceTargets []TargetInput     `json:"referenceTargets,omitempty"`
	Attachments      []AttachmentInput `json:"attachments,omitempty"`
	Submit           bool              `json:"submit"`
}

type UpdateDocumentInput struct {
	Title       string            `json:"title"`
	Content     string            `json:"content"`
	FieldValues map[string]string `json:"fieldValues"`
}

type ListDocumentsInput struct {
	Status   string
	AuthorID string
	Query    string
	From     *time.Time
	To       *time.Time
	Limit    int
	Offset   int
}

// CreateDocument instantiates a template into a document. Every approval
// target is resolved to concrete users here, once; later organizational
// changes never touch an existing document.
func (s *Service) CreateDocument(ctx context.Context, actorID string, input CreateDocumentInput) (store.Document, error) {
	tpl, err := s.store.GetTemplate(ctx, input.TemplateID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Document{}, notFoundError("Template not found")
	}
	if err != nil {
		return store.Document{}, err
	}

	if strings.TrimSpace(input.Title) == "" {
		return store.Document{}, validationError("Title is required", nil)
	}

	stageDecls := tpl.Stages
	overridden := false
	if len(input.Stages) > 0 {
		if !tpl.AllowTargetChange {
			return store.Document{}, businessError("Template does not allow changing approval targets")
		}
		stageDecls, err = buildStages(input.Stages)
		if err != nil {
			return store.Document{}, err
		}
		overridden = true
	}

	values, err := buildFieldValues(tpl, input.FieldValues)
	if err != nil {
		return store.Document{}, err
	}

	attachments, err := s.checkAttachments(ctx, tpl, input.Attachments)
	if err != nil {
		return store.Document{}, err
	}

	content := input.Content
	if content == "" && tpl.UseBody {
		content = tpl.BodyTemplate
	}

	docID := util.NewID("doc")
	stages, err := s.materializeStages(ctx, docID, actorID, stageDecls)
	if err != nil {
		return store.Document{}, err
	}

	referenceDecls := tpl.ReferenceTargets
	if len(input.ReferenceTargets) > 0 {
		referenceDecls, err = buildTargetDecls(input.ReferenceTargets, true)
		if err != nil {
			return store.Document{}, err
		}
	}
	references, err := s.materializeTargets(ctx, docID, "", actorID, referenceDecls)
	if err != nil {
		return store.Document{}, err
	}

	for i := range values {
		values[i].DocumentID = docID
	}
	for i := range attachments {
		attachments[i].DocumentID = docID
	}

	doc := store.Document{
		ID:               docID,
		TemplateID:       tpl.ID,
		AuthorID:         actorID,
		Title:            input.Title,
		Content:          content,
		Status:           store.StatusDraft,
		CurrentStage:     0,
		Stages:           stages,
		FieldValues:      values,
		ReferenceTargets: references,
		Attachments:      attachments,
	}
	if input.Submit {
		now := time.Now()
		doc.Status = store.StatusInProgress
		doc.CurrentStage = 1
		doc.SubmittedAt = &now
	}

	if err := s.store.InsertDocument(ctx, doc); err != nil {
		return store.Document{}, err
	}

	s.recordActivity(ctx, docID, store.ActivityCreate, actorID, "Document created")
	if overridden {
		s.recordActivity(ctx, docID, store.ActivityModifyApproval, actorID, "Approval targets changed at creation")
	}
	if input.Submit {
		s.recordActivity(ctx, docID, store.ActivitySubmit, actorID, "Document submitted")
	}

	created, err := s.store.GetDocument(ctx, docID)
	if err != nil {
		return store.Document{}, err
	}
	s.index(created)
	if input.Submit {
		s.publish("document.submitted", created, actorID)
	} else {
		s.publish("document.created", created, actorID)
	}
	return created, nil
}

// materializeStages resolves every stage declaration into document stages with
// concrete user targets. Declarations that resolve to nobody abort creation
// unless they are reference-only.
func (s *Service) materializeStages(ctx context.Context, docID, authorID string, decls []store.TemplateStage) ([]store.DocumentStage, error) {
	stages := make([]store.DocumentStage, 0, len(decls))
	for _, decl := range decls {
		stageID := util.NewID("dstg")
		targets, err := s.materializeTargets(ctx, docID, stageID, authorID, decl.Targets)
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
			return nil, resolutionError("Stage has no eligible approver", map[string]any{
				"stageOrder": decl.StageOrder,
				"stageName":  decl.Name,
			})
		}
		stages = append(stages, store.DocumentStage{
			ID:         stageID,
			DocumentID: docID,
			StageOrder: decl.StageOrder,
			Name:       decl.Name,
			Targets:    targets,
		})
	}
	return stages, nil
}

// materializeTargets fans one declaration out to one pending target per
// resolved user. An ORGANIZATION declaration with three managers produces
// three targets, and all three must approve.
func (s *Service) materializeTargets(ctx context.Context, docID, stageID, authorID string, decls []store.TargetDecl) ([]store.DocumentTarget, error) {
	targets := make([]store.DocumentTarget, 0, len(decls))
	order := 0
	for _, decl := range decls {
		users, err := s.resolver.Resolve(ctx, resolve.Declaration{
			TargetType:     decl.TargetType,
			UserID:         decl.UserID,
			OrganizationID: decl.OrganizationID,
			ManagerLevel:   decl.ManagerLevel,
		}, resolve.Context{AuthorID: authorID})
		if err != nil {
			if decl.IsReference {
				log.Printf("app: skip unresolvable reference target on %s: %v", docID, err)
				continue
			}
			return nil, resolutionError("Could not resolve approval target", map[string]any{
				"targetType": decl.TargetType,
				"reason":     err.Error(),
			})
		}
		if len(users) == 0 {
			if decl.IsReference {
				log.Printf("app: reference target on %s resolved to nobody, skipping", docID)
				continue
			}
			return nil, resolutionError("Approval target resolved to no users", map[string]any{
				"targetType":     decl.TargetType,
				"organizationId": decl.OrganizationID,
			})
		}
		for _, userID := range users {
			order++
			targets = append(targets, store.DocumentTarget{
				ID:             util.NewID("dtgt"),
				DocumentID:     docID,
				StageID:        stageID,
				TargetType:     decl.TargetType,
				UserID:         userID,
				OrganizationID: decl.OrganizationID,
				ManagerLevel:   decl.ManagerLevel,
				IsReference:    decl.IsReference,
				SortOrder:      order,
				ApprovalStatus: store.TargetPending,
			})
		}
	}
	return targets, nil
}

func buildFieldValues(tpl store.Template, raw map[string]string) ([]store.FieldValue, error) {
	byName := make(map[string]store.TemplateField, len(tpl.Fields))
	for _, field := range tpl.Fields {
		byName[field.Name] = field
	}
	for name := range raw {
		if _, ok := byName[name]; !ok {
			return nil, validationError("Unknown field", map[string]string{"field": name})
		}
	}

	values := make([]store.FieldValue, 0, len(tpl.Fields))
	for _, field := range tpl.Fields {
		value, ok := raw[field.Name]
		if !ok || strings.TrimSpace(value) == "" {
			if field.Required {
				return nil, validationError("Required field is missing", map[string]string{"field": field.Name})
			}
			continue
		}
		if err := validateFieldValue(field, value); err != nil {
			return nil, err
		}
		values = append(values, store.FieldValue{
			ID:        util.NewID("fv"),
			FieldID:   field.ID,
			Name:      field.Name,
			FieldType: field.FieldType,
			Value:     value,
		})
	}
	return values, nil
}

func (s *Service) checkAttachments(ctx context.Context, tpl store.Template, inputs []AttachmentInput) ([]store.Attachment, error) {
	if tpl.UseAttachment == store.AttachmentDisabled && len(inputs) > 0 {
		return nil, validationError("Template does not accept attachments", nil)
	}
	if tpl.UseAttachment == store.AttachmentRequired && len(inputs) == 0 {
		return nil, validationError("Template requires at least one attachment", nil)
	}

	attachments := make([]store.Attachment, 0, len(inputs))
	for _, input := range inputs {
		if input.FileID == "" {
			return nil, validationError("Attachment fileId is required", nil)
		}
		var size int64
		if s.attach != nil {
			meta, err := s.attach.Stat(ctx, input.FileID)
			if errors.Is(err, attach.ErrNotFound) {
				return nil, validationError("Attachment not found in storage", map[string]string{"fileId": input.FileID})
			}
			if err != nil {
				return nil, fmt.Errorf("stat attachment %s: %w", input.FileID, err)
			}
			size = meta.Size
		}
		attachments = append(attachments, store.Attachment{
			ID:       util.NewID("att"),
			FileID:   input.FileID,
			FileName: input.FileName,
			Size:     size,
		})
	}
	return attachments, nil
}

// SubmitDocument moves a draft into the first approval stage.
func (s *Service) SubmitDocument(ctx context.Context, actorID, documentID string) (store.Document, error) {
	doc, err := s.getOwnedDocument(ctx, actorID, documentID)
	if err != nil {
		return store.Document{}, err
	}
	if doc.Status != store.StatusDraft {
		return store.Document{}, businessError("Only drafts can be submitted")
	}

	now := time.Now()
	transition := store.Transition{
		DocumentID:         documentID,
		ExpectStatus:       store.StatusDraft,
		ExpectCurrentStage: doc.CurrentStage,
		SetStatus:          store.StatusInProgress,
		SetCurrentStage:    1,
		SetSubmittedAt:     &now,
		Activity: store.Activity{
			DocumentID:   documentID,
			ActivityType: store.ActivitySubmit,
			ActorID:      actorID,
			Description:  "Document submitted",
		},
	}
	if err := s.store.ApplyTransition(ctx, transition); err != nil {
		if errors.Is(err, store.ErrStale) {
			return store.Document{}, businessError("Only drafts can be submitted")
		}
		return store.Document{}, err
	}

	submitted, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return store.Document{}, err
	}
	s.index(submitted)
	s.publish("document.submitted", submitted, actorID)
	return submitted, nil
}

// ApproveDocument records the caller's approval on the active stage, advancing
// the stage or finalizing the document when it was the last pending approval.
func (s *Service) ApproveDocument(ctx context.Context, actorID, documentID string) (store.Document, error) {
	return s.processApproval(ctx, actorID, documentID, store.TargetApproved, "")
}

// RejectDocument rejects the document outright. Rejection is terminal: the
// author starts a new document to try again.
func (s *Service) RejectDocument(ctx context.Context, actorID, documentID, reason string) (store.Document, error) {
	return s.processApproval(ctx, actorID, documentID, store.TargetRejected, reason)
}

func (s *Service) processApproval(ctx context.Context, actorID, documentID, decision, reason string) (store.Document, error) {
	// Two passes: the store rejects a transition whose expectations went
	// stale under a concurrent writer, and one re-read either produces a
	// fresh transition or the precise domain error.
	for attempt := 0; attempt < 2; attempt++ {
		doc, err := s.getVisibleDocument(ctx, actorID, documentID)
		if err != nil {
			return store.Document{}, err
		}

		transition, err := buildApprovalTransition(doc, actorID, decision, reason, time.Now())
		if err != nil {
			return store.Document{}, err
		}

		err = s.store.ApplyTransition(ctx, *transition)
		if errors.Is(err, store.ErrStale) {
			continue
		}
		if err != nil {
			return store.Document{}, err
		}

		updated, err := s.store.GetDocument(ctx, documentID)
		if err != nil {
			return store.Document{}, err
		}
		s.index(updated)
		switch updated.Status {
		case store.StatusApproved:
			s.publish("document.approved", updated, actorID)
		case store.StatusRejected:
			s.publish("document.rejected", updated, actorID)
		default:
			s.publish("document.progressed", updated, actorID)
		}
		return updated, nil
	}
	return store.Document{}, businessError("Document changed concurrently, please retry")
}

// buildApprovalTransition computes the state change one approval or rejection
// causes, against a snapshot of the document. The store re-checks the
// expectations under a row lock before applying it.
func buildApprovalTransition(doc store.Document, actorID, decision, reason string, now time.Time) (*store.Transition, error) {
	switch doc.Status {
	case store.StatusDraft:
		return nil, businessError("Document has not been submitted")
	case store.StatusApproved, store.StatusRejected:
		return nil, businessError("Document is already finalized")
	}

	var stage *store.DocumentStage
	for i := range doc.Stages {
		if doc.Stages[i].StageOrder == doc.CurrentStage {
			stage = &doc.Stages[i]
			break
		}
	}
	if stage == nil {
		return nil, fmt.Errorf("document %s has no stage %d", doc.ID, doc.CurrentStage)
	}

	var target *store.DocumentTarget
	alreadyProcessed := false
	for i := range stage.Targets {
		t := &stage.Targets[i]
		if t.IsReference || t.UserID != actorID {
			continue
		}
		if t.ApprovalStatus == store.TargetPending {
			target = t
			break
		}
		alreadyProcessed = true
	}
	if target == nil {
		if alreadyProcessed {
			return nil, businessError("You already processed this stage")
		}
		return nil, forbiddenError("You are not a pending approver on the current stage")
	}

	transition := &store.Transition{
		DocumentID:         doc.ID,
		ExpectStatus:       store.StatusInProgress,
		ExpectCurrentStage: doc.CurrentStage,
		Target: &store.TargetUpdate{
			TargetID:    target.ID,
			Status:      decision,
			ProcessedBy: actorID,
			ProcessedAt: now,
		},
	}

	if decision == store.TargetRejected {
		transition.SetStatus = store.StatusRejected
		transition.Activity = store.Activity{
			DocumentID:   doc.ID,
			ActivityType: store.ActivityReject,
			ActorID:      actorID,
			Description:  "Document rejected",
			Reason:       reason,
		}
		return transition, nil
	}

	transition.Activity = store.Activity{
		DocumentID:   doc.ID,
		ActivityType: store.ActivityApprove,
		ActorID:      actorID,
		Description:  "Stage approved",
	}

	// The stage completes when every other approver already approved.
	stageComplete := true
	for _, t := range stage.Targets {
		if t.IsReference || t.ID == target.ID {
			continue
		}
		if t.ApprovalStatus != store.TargetApproved {
			stageComplete = false
			break
		}
	}
	if !stageComplete {
		return transition, nil
	}

	transition.CompleteStageID = stage.ID
	transition.CompletedAt = &now
	if doc.CurrentStage >= len(doc.Stages) {
		transition.SetStatus = store.StatusApproved
		transition.SetApprovedAt = &now
	} else {
		transition.SetCurrentStage = doc.CurrentStage + 1
	}
	return transition, nil
}

// UpdateDocument edits a draft in place. Submitted documents are immutable.
func (s *Service) UpdateDocument(ctx context.Context, actorID, documentID string, input UpdateDocumentInput) (store.Document, error) {
	doc, err := s.getOwnedDocument(ctx, actorID, documentID)
	if err != nil {
		return store.Document{}, err
	}
	if doc.Status != store.StatusDraft {
		return store.Document{}, businessError("Only drafts can be edited")
	}

	title := input.Title
	if strings.TrimSpace(title) == "" {
		title = doc.Title
	}
	content := input.Content
	if content == "" {
		content = doc.Content
	}

	var values []store.FieldValue
	if input.FieldValues != nil {
		tpl, err := s.store.GetTemplate(ctx, doc.TemplateID)
		if errors.Is(err, sql.ErrNoRows) {
			return store.Document{}, businessError("Template is no longer available")
		}
		if err != nil {
			return store.Document{}, err
		}
		values, err = buildFieldValues(tpl, input.FieldValues)
		if err != nil {
			return store.Document{}, err
		}
		for i := range values {
			values[i].DocumentID = documentID
		}
	}

	if err := s.store.UpdateDocumentDraft(ctx, documentID, title, content, values); err != nil {
		if errors.Is(err, store.ErrStale) {
			return store.Document{}, businessError("Only drafts can be edited")
		}
		return store.Document{}, err
	}
	s.recordActivity(ctx, documentID, store.ActivityUpdate, actorID, "Document updated")

	updated, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return store.Document{}, err
	}
	s.index(updated)
	return updated, nil
}

// DeleteDocument soft-deletes a draft or finalized document. In-progress
// documents must finish their workflow first.
func (s *Service) DeleteDocument(ctx context.Context, actorID, documentID string) error {
	doc, err := s.getOwnedDocument(ctx, actorID, documentID)
	if err != nil {
		return err
	}
	if doc.Status == store.StatusInProgress {
		return businessError("An in-progress document cannot be deleted")
	}
	if err := s.store.SoftDeleteDocument(ctx, documentID); err != nil {
		return err
	}
	s.recordActivity(ctx, documentID, store.ActivityDelete, actorID, "Document deleted")
	if s.search != nil {
		s.search.DeleteDocument(documentID)
	}
	s.publish("document.deleted", doc, actorID)
	return nil
}

// AddComment appends a comment visible to everyone involved in the document.
func (s *Service) AddComment(ctx context.Context, actorID, documentID, body string) (store.Comment, error) {
	if strings.TrimSpace(body) == "" {
		return store.Comment{}, validationError("Comment body is required", nil)
	}
	doc, err := s.getVisibleDocument(ctx, actorID, documentID)
	if err != nil {
		return store.Comment{}, err
	}

	comment := store.Comment{
		ID:         util.NewID("cmt"),
		DocumentID: doc.ID,
		AuthorID:   actorID,
		Body:       body,
	}
	if err := s.store.InsertComment(ctx, comment); err != nil {
		return store.Comment{}, err
	}
	s.recordActivity(ctx, documentID, store.ActivityComment, actorID, "Comment added")
	return comment, nil
}

// GetDocument returns a document the viewer participates in. Unrelated
// viewers get a 404 rather than a hint that the document exists.
func (s *Service) GetDocument(ctx context.Context, viewerID, documentID string) (store.Document, error) {
	return s.getVisibleDocument(ctx, viewerID, documentID)
}

func (s *Service) ListDocumentActivities(ctx context.Context, viewerID, documentID string) ([]store.Activity, error) {
	if _, err := s.getVisibleDocument(ctx, viewerID, documentID); err != nil {
		return nil, err
	}
	return s.store.ListActivities(ctx, documentID)
}

func (s *Service) ListDocumentComments(ctx context.Context, viewerID, documentID string) ([]store.Comment, error) {
	if _, err := s.getVisibleDocument(ctx, viewerID, documentID); err != nil {
		return nil, err
	}
	return s.store.ListComments(ctx, documentID)
}

// ListDocuments returns documents the viewer authored or appears in as a
// target. A free-text query goes through the search index first and the hit
// IDs narrow the SQL filter, so visibility is always enforced by the store.
func (s *Service) ListDocuments(ctx context.Context, viewerID string, input ListDocumentsInput) ([]store.Document, error) {
	filter := store.DocumentFilter{
		Status:   input.Status,
		AuthorID: input.AuthorID,
		From:     input.From,
		To:       input.To,
		Limit:    input.Limit,
		Offset:   input.Offset,
	}

	if input.Query != "" {
		if s.search != nil {
			limit := input.Limit
			if limit <= 0 {
				limit = 20
			}
			hits, _, err := s.search.Search(search.Query{
				Text:     input.Query,
				Status:   input.Status,
				AuthorID: input.AuthorID,
				Limit:    limit + input.Offset,
			})
			if err == nil {
				ids := make([]string, 0, len(hits))
				for _, hit := range hits {
					ids = append(ids, hit.ID)
				}
				filter.IDs = ids
				return s.store.ListDocuments(ctx, viewerID, filter)
			}
			log.Printf("app: search failed, falling back to SQL filter: %v", err)
		}
		filter.Query = input.Query
	}
	return s.store.ListDocuments(ctx, viewerID, filter)
}

func (s *Service) getOwnedDocument(ctx context.Context, actorID, documentID string) (store.Document, error) {
	doc, err := s.getVisibleDocument(ctx, actorID, documentID)
	if err != nil {
		return store.Document{}, err
	}
	if doc.AuthorID != actorID {
		return store.Document{}, forbiddenError("Only the author can do this")
	}
	return doc, nil
}

func (s *Service) getVisibleDocument(ctx context.Context, viewerID, documentID string) (store.Document, error) {
	doc, err := s.store.GetDocument(ctx, documentID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Document{}, notFoundError("Document not found")
	}
	if err != nil {
		return store.Document{}, err
	}
	if !isParticipant(doc, viewerID) {
		return store.Document{}, notFoundError("Document not found")
	}
	return doc, nil
}

func isParticipant(doc store.Document, userID string) bool {
	if doc.AuthorID == userID {
		return true
	}
	for _, stage := range doc.Stages {
		for _, target := range stage.Targets {
			if target.UserID == userID {
				return true
			}
		}
	}
	for _, target := range doc.ReferenceTargets {
		if target.UserID == userID {
			return true
		}
	}
	return false
}

// recordActivity is best-effort for activities outside a transition: a failed
// insert is logged, never surfaced.
func (s *Service) recordActivity(ctx context.Context, documentID, activityType, actorID, description string) {
	err := s.store.InsertActivity(ctx, store.Activity{
		DocumentID:   documentID,
		ActivityType: activityType,
		ActorID:      actorID,
		Description:  description,
	})
	if err != nil {
		log.Printf("app: record %s activity for %s: %v", activityType, documentID, err)
	}
}
