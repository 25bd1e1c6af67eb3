package store

import "time"

// Document lifecycle states.
const (
	StatusDraft      = "DRAFT"
	StatusInProgress = "IN_PROGRESS"
	StatusApproved   = "APPROVED"
	StatusRejected   = "REJECTED"
)

// Per-target approval states.
const (
	TargetPending  = "PENDING"
	TargetApproved = "APPROVED"
	TargetRejected = "REJECTED"
)

// Target declaration kinds.
const (
	TargetUser          = "USER"
	TargetOrganization  = "ORGANIZATION"
	TargetNLevelManager = "N_LEVEL_MANAGER"
)

// Attachment usage modes on a template.
const (
	AttachmentDisabled = "DISABLED"
	AttachmentOptional = "OPTIONAL"
	AttachmentRequired = "REQUIRED"
)

// Activity types recorded by the audit log.
const (
	ActivityCreate         = "CREATE"
	ActivityUpdate         = "UPDATE"
	ActivitySubmit         = "SUBMIT"
	ActivityApprove        = "APPROVE"
	ActivityReject         = "REJECT"
	ActivityModifyApproval = "MODIFY_APPROVAL"
	ActivityComment        = "COMMENT"
	ActivityDelete         = "DELETE"
)

type User struct {
	ID          string
	DisplayName string
	Email       string
	CreatedAt   time.Time
}

type Category struct {
	ID        string
	Name      string
	SortOrder int
	CreatedAt time.Time
}

type Template struct {
	ID                string
	Title             string
	Icon              string
	Color             string
	Description       string
	BodyTemplate      string
	UseBody           bool
	UseAttachment     string
	AllowTargetChange bool
	IsHidden          bool
	CategoryID        *string
	CreatedBy         string
	CreatedAt         time.Time
	Fields            []TemplateField
	Stages            []TemplateStage
	ReferenceTargets  []TargetDecl
}

type TemplateField struct {
	ID         string
	TemplateID string
	Name       string
	FieldType  string
	Required   bool
	SortOrder  int
	Options    []string
}

type TemplateStage struct {
	ID         string
	TemplateID string
	StageOrder int
	Name       string
	Targets    []TargetDecl
}

// TargetDecl is the declarative, template-side form of an approval target.
// Exactly one of UserID, OrganizationID, or OrganizationID+ManagerLevel is
// meaningful depending on TargetType.
type TargetDecl struct {
	ID             string
	TargetType     string
	UserID         string
	OrganizationID string
	ManagerLevel   int
	IsReference    bool
	SortOrder      int
}

type Document struct {
	ID               string
	TemplateID       string
	AuthorID         string
	Title            string
	Content          string
	Status           string
	CurrentStage     int
	SubmittedAt      *time.Time
	ApprovedAt       *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
	Stages           []DocumentStage
	FieldValues      []FieldValue
	ReferenceTargets []DocumentTarget
	Attachments      []Attachment
}

type DocumentStage struct {
	ID          string
	DocumentID  string
	StageOrder  int
	Name        string
	IsCompleted bool
	CompletedAt *time.Time
	Targets     []DocumentTarget
}

// DocumentTarget is a materialized approval obligation. UserID is always the
// concrete resolved user; the declaration fields record where it came from.
type DocumentTarget struct {
	ID             string
	DocumentID     string
	StageID        string // empty for document-level reference targets
	TargetType     string
	UserID         string
	OrganizationID string
	ManagerLevel   int
	IsReference    bool
	SortOrder      int
	ApprovalStatus string
	ProcessedBy    string
	ProcessedAt    *time.Time
}

type FieldValue struct {
	ID         string
	DocumentID string
	FieldID    string
	Name       string
	FieldType  string
	Value      string
}

type Attachment struct {
	ID         string
	DocumentID string
	FileID     string
	FileName   string
	Size       int64
}

type Activity struct {
	ID           int64
	DocumentID   string
	ActivityType string
	ActorID      string
	Description  string
	Reason       string
	CreatedAt    time.Time
}

type Comment struct {
	ID         string
	DocumentID string
	AuthorID   string
	Body       string
	CreatedAt  time.Time
}

type DocumentFilter struct {
	Status   string
	AuthorID string
	Query    string
	From     *time.Time
	To       *time.Time
	IDs      []string
	Limit    int
	Offset   int
}

// TargetUpdate flips a single PENDING target to APPROVED or REJECTED.
type TargetUpdate struct {
	TargetID    string
	Status      string
	ProcessedBy string
	ProcessedAt time.Time
}

// Transition is a compare-and-apply mutation of one document. The store locks
// the document row, verifies the expectations, and applies every update plus
// the activity row in a single transaction. A concurrent writer that got there
// first makes the expectations fail with ErrStale.
type Transition struct {
	DocumentID         string
	ExpectStatus       string
	ExpectCurrentStage int

	Target          *TargetUpdate
	CompleteStageID string
	CompletedAt     *time.Time

	SetStatus       string
	SetCurrentStage int
	SetSubmittedAt  *time.Time
	SetApprovedAt   *time.Time

	Activity Activity
}
