package app

import (
	"context"
	"fmt"
	"time"

	"approvalflow/api/internal/attach"
	"approvalflow/api/internal/config"
	"approvalflow/api/internal/notify"
	"approvalflow/api/internal/resolve"
	"approvalflow/api/internal/search"
	"approvalflow/api/internal/store"
	"approvalflow/api/internal/util"
)

// dataStore is everything the service needs from Postgres.
type dataStore interface {
	Ping(ctx context.Context) error

	EnsureUserByName(ctx context.Context, name string) (store.User, error)
	GetUserByID(ctx context.Context, userID string) (store.User, error)
	RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error
	IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error)

	InsertCategory(ctx context.Context, category store.Category) error
	CategoryExists(ctx context.Context, categoryID string) (bool, error)
	ListCategories(ctx context.Context) ([]store.Category, error)

	InsertTemplate(ctx context.Context, tpl store.Template) error
	GetTemplate(ctx context.Context, templateID string) (store.Template, error)
	ListTemplates(ctx context.Context, categoryID string, includeHidden bool) ([]store.Template, error)
	SetTemplateHidden(ctx context.Context, templateID string, hidden bool) error
	SoftDeleteTemplate(ctx context.Context, templateID string) error

	InsertDocument(ctx context.Context, doc store.Document) error
	GetDocument(ctx context.Context, documentID string) (store.Document, error)
	ListDocuments(ctx context.Context, viewerID string, filter store.DocumentFilter) ([]store.Document, error)
	UpdateDocumentDraft(ctx context.Context, documentID, title, content string, values []store.FieldValue) error
	SoftDeleteDocument(ctx context.Context, documentID string) error
	ApplyTransition(ctx context.Context, t store.Transition) error

	InsertActivity(ctx context.Context, activity store.Activity) error
	ListActivities(ctx context.Context, documentID string) ([]store.Activity, error)
	InsertComment(ctx context.Context, comment store.Comment) error
	ListComments(ctx context.Context, documentID string) ([]store.Comment, error)
}

// sessionStore holds refresh tokens. Redis in production, Postgres as a
// fallback when Redis is not configured.
type sessionStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (string, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
}

// targetResolver turns a target declaration into concrete user IDs.
type targetResolver interface {
	Resolve(ctx context.Context, decl resolve.Declaration, docCtx resolve.Context) ([]string, error)
}

// attachmentValidator checks uploaded objects actually exist in storage.
type attachmentValidator interface {
	Stat(ctx context.Context, fileID string) (attach.Metadata, error)
}

// eventPublisher fans workflow events out to external consumers.
type eventPublisher interface {
	Publish(event notify.Event)
}

// documentSearcher is the full-text index used by the listing layer.
type documentSearcher interface {
	Search(q search.Query) ([]search.Result, int, error)
	IndexDocument(doc search.DocumentRecord)
	DeleteDocument(id string)
}

type Service struct {
	cfg      config.Config
	store    dataStore
	sessions sessionStore
	resolver targetResolver
	attach   attachmentValidator
	events   eventPublisher
	search   documentSearcher
}

func New(cfg config.Config, dataStore dataStore, sessions sessionStore, resolver targetResolver) *Service {
	return &Service{
		cfg:      cfg,
		store:    dataStore,
		sessions: sessions,
		resolver: resolver,
	}
}

// SetSearch wires the full-text index. Listing falls back to SQL ILIKE
// filtering when no searcher is configured.
func (s *Service) SetSearch(searcher *search.Service) {
	if searcher != nil {
		s.search = searcher
	}
}

// SetAttachmentValidator wires object-storage validation. Without it,
// attachment references are accepted as-is.
func (s *Service) SetAttachmentValidator(v attachmentValidator) {
	if v != nil {
		s.attach = v
	}
}

// SetEventPublisher wires the workflow event channel.
func (s *Service) SetEventPublisher(p *notify.Publisher) {
	if p != nil {
		s.events = p
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) publish(eventType string, doc store.Document, actorID string) {
	if s.events == nil {
		return
	}
	s.events.Publish(notify.Event{
		Type:       eventType,
		DocumentID: doc.ID,
		ActorID:    actorID,
		Status:     doc.Status,
		Stage:      doc.CurrentStage,
	})
}

func (s *Service) index(doc store.Document) {
	if s.search == nil {
		return
	}
	s.search.IndexDocument(search.DocumentRecord{
		ID:       doc.ID,
		Title:    doc.Title,
		Content:  doc.Content,
		Status:   doc.Status,
		AuthorID: doc.AuthorID,
	})
}

// Bootstrap seeds the default categories and a starter template on first run.
func (s *Service) Bootstrap(ctx context.Context) error {
	seed := []store.Category{
		{ID: "cat_general", Name: "General", SortOrder: 1},
		{ID: "cat_hr", Name: "HR", SortOrder: 2},
		{ID: "cat_finance", Name: "Finance", SortOrder: 3},
		{ID: "cat_purchase", Name: "Purchase", SortOrder: 4},
	}
	for _, category := range seed {
		if err := s.store.InsertCategory(ctx, category); err != nil {
			return fmt.Errorf("seed category %s: %w", category.Name, err)
		}
	}

	templates, err := s.store.ListTemplates(ctx, "", true)
	if err != nil {
		return fmt.Errorf("list templates: %w", err)
	}
	if len(templates) > 0 {
		return nil
	}

	system, err := s.store.EnsureUserByName(ctx, "System")
	if err != nil {
		return fmt.Errorf("ensure system user: %w", err)
	}

	categoryID := "cat_finance"
	tpl := store.Template{
		ID:            util.NewID("tpl"),
		Title:         "Expense Report",
		Icon:          "receipt",
		Color:         "#2D7D6E",
		Description:   "Reimbursement request for business expenses.",
		UseBody:       true,
		BodyTemplate:  "## Expense details\n\nDescribe the expense and attach receipts.",
		UseAttachment: store.AttachmentRequired,
		CategoryID:    &categoryID,
		CreatedBy:     system.ID,
		Fields: []store.TemplateField{
			{ID: util.NewID("fld"), Name: "Amount", FieldType: "MONEY", Required: true, SortOrder: 1},
			{ID: util.NewID("fld"), Name: "Expense date", FieldType: "DATE", Required: true, SortOrder: 2},
			{ID: util.NewID("fld"), Name: "Cost center", FieldType: "TEXT", SortOrder: 3},
		},
		Stages: []store.TemplateStage{
			{
				ID:         util.NewID("stg"),
				StageOrder: 1,
				Name:       "Manager review",
				Targets: []store.TargetDecl{
					{ID: util.NewID("tgt"), TargetType: store.TargetNLevelManager, ManagerLevel: 1, SortOrder: 1},
				},
			},
		},
	}
	if err := s.store.InsertTemplate(ctx, tpl); err != nil {
		return fmt.Errorf("seed template: %w", err)
	}
	return nil
}

func (s *Service) ListCategories(ctx context.Context) ([]store.Category, error) {
	return s.store.ListCategories(ctx)
}
