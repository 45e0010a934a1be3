package model

import "time"

type TransformationStatus string

const (
	TransformationPending    TransformationStatus = "PENDING"
	TransformationProcessing TransformationStatus = "PROCESSING"
	TransformationCompleted  TransformationStatus = "COMPLETED"
	TransformationFailed     TransformationStatus = "FAILED"
)

// Terminal reports whether no further transition is permitted.
func (s TransformationStatus) Terminal() bool {
	return s == TransformationCompleted || s == TransformationFailed
}

// Transformation is one unit of work. Image references hold storage keys.
type Transformation struct {
	ID                  string               `db:"id" json:"id"`
	UserID              string               `db:"user_id" json:"user_id"`
	TypeID              string               `db:"transformation_type_id" json:"transformation_type_id"`
	Prompt              string               `db:"prompt" json:"prompt,omitempty"`
	OriginalImageKey    *string              `db:"original_image_key" json:"original_image_key,omitempty"`
	TransformedImageKey *string              `db:"transformed_image_key" json:"transformed_image_key,omitempty"`
	Status              TransformationStatus `db:"status" json:"status"`
	ErrorMessage        *string              `db:"error_message" json:"error_message,omitempty"`
	CreatedAt           time.Time            `db:"created_at" json:"created_at"`
	UpdatedAt           time.Time            `db:"updated_at" json:"updated_at"`
	DownloadedAt        *time.Time           `db:"downloaded_at" json:"downloaded_at,omitempty"`
	DeletedAt           *time.Time           `db:"deleted_at" json:"deleted_at,omitempty"`
}

// Purged reports whether retention has already removed every image reference.
func (t *Transformation) Purged() bool {
	return t.DeletedAt != nil && t.OriginalImageKey == nil && t.TransformedImageKey == nil
}

// TransformationType carries the prompt configuration for a kind of transformation.
type TransformationType struct {
	ID             string    `db:"id" json:"id"`
	Name           string    `db:"name" json:"name"`
	Description    string    `db:"description" json:"description"`
	PromptTemplate string    `db:"prompt_template" json:"prompt_template"`
	Enabled        bool      `db:"enabled" json:"enabled"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
}
