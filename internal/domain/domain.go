package domain

type DesignStatus string

const (
	DesignPending   DesignStatus = "PENDING"
	DesignValidated DesignStatus = "VALIDATED"
	DesignRejected  DesignStatus = "REJECTED"
)

type ProductStatus string

const (
	ProductDraft     ProductStatus = "DRAFT"
	ProductPending   ProductStatus = "PENDING"
	ProductPublished ProductStatus = "PUBLISHED"
)

type PostValidationAction string

const (
	AutoPublish PostValidationAction = "AUTO_PUBLISH"
	ToDraft     PostValidationAction = "TO_DRAFT"
)

// Valid reports whether a is a known action.
func (a PostValidationAction) Valid() bool {
	return a == AutoPublish || a == ToDraft
}

type ValidatorKind string

const (
	ValidatorAdmin  ValidatorKind = "admin"
	ValidatorSystem ValidatorKind = "system"
)

// Validator identifies who validated a design or product: a named administrator
// or the system itself. The system variant carries no id.
type Validator struct {
	Kind ValidatorKind `json:"kind" enum:"admin,system"`
	ID   string        `json:"id,omitempty"`
}

func AdminValidator(id string) Validator { return Validator{Kind: ValidatorAdmin, ID: id} }

func SystemValidator() Validator { return Validator{Kind: ValidatorSystem} }

func (v Validator) IsSystem() bool { return v.Kind == ValidatorSystem }

// Actor returns the id used in the event log for this validator.
func (v Validator) Actor() string {
	if v.Kind == ValidatorSystem {
		return "system"
	}
	return v.ID
}

type Design struct {
	ID              string       `json:"id"`
	VendorID        string       `json:"vendor_id"`
	Title           string       `json:"title"`
	AssetRef        string       `json:"asset_ref,omitempty"`
	Status          DesignStatus `json:"status" enum:"PENDING,VALIDATED,REJECTED"`
	ValidatedAt     *string      `json:"validated_at,omitempty" format:"date-time"`
	ValidatedBy     *Validator   `json:"validated_by,omitempty"`
	RejectionReason string       `json:"rejection_reason,omitempty"`
	Version         int64        `json:"version"`
	CreatedAt       string       `json:"created_at" format:"date-time"`
	UpdatedAt       string       `json:"updated_at" format:"date-time"`
}

type VendorProduct struct {
	ID                   string               `json:"id"`
	VendorID             string               `json:"vendor_id"`
	Name                 string               `json:"name"`
	DesignRefs           []string             `json:"design_refs"`
	Status               ProductStatus        `json:"status" enum:"DRAFT,PENDING,PUBLISHED"`
	IsValidated          bool                 `json:"is_validated"`
	PostValidationAction PostValidationAction `json:"post_validation_action" enum:"AUTO_PUBLISH,TO_DRAFT"`
	ValidatedAt          *string              `json:"validated_at,omitempty" format:"date-time"`
	ValidatedBy          *Validator           `json:"validated_by,omitempty"`
	PublishedAt          *string              `json:"published_at,omitempty" format:"date-time"`
	RejectionReason      string               `json:"rejection_reason,omitempty"`
	Version              int64                `json:"version"`
	CreatedAt            string               `json:"created_at" format:"date-time"`
	UpdatedAt            string               `json:"updated_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string   `json:"id"`
	ActorID   string   `json:"actor_id"`
	Name      string   `json:"name,omitempty"`
	Roles     []string `json:"roles"`
	KeyHash   string   `json:"-"`
	CreatedAt string   `json:"created_at" format:"date-time"`
}

// ValidationStats summarizes how products reached validation.
type ValidationStats struct {
	AutoValidated     int `json:"auto_validated"`
	ManuallyValidated int `json:"manually_validated"`
	PendingValidation int `json:"pending_validation"`
	AwaitingPublish   int `json:"awaiting_publish"`
	Published         int `json:"published"`
	Total             int `json:"total"`
}
