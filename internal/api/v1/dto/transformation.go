package dto

import "time"

// CreateTransformationRequest is the body of POST /transformations.
type CreateTransformationRequest struct {
	ImageRef string `json:"image_ref" validate:"required"`
	TypeID   string `json:"transformation_type_id" validate:"required"`
	Prompt   string `json:"prompt,omitempty" validate:"max=2000"`
}

// TransformationResponseDTO is returned for creation and status polls. Image keys are not exposed.
type TransformationResponseDTO struct {
	ID           string     `json:"id"`
	TypeID       string     `json:"transformation_type_id"`
	Status       string     `json:"status"`
	Prompt       string     `json:"prompt,omitempty"`
	ErrorMessage *string    `json:"error_message,omitempty"`
	Downloadable bool       `json:"downloadable"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	DownloadedAt *time.Time `json:"downloaded_at,omitempty"`
	DeletedAt    *time.Time `json:"deleted_at,omitempty"`
}

type TransformationTypeDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

type DownloadResponseDTO struct {
	URL         string    `json:"url"`
	ContentType string    `json:"content_type"`
	ExpiresAt   time.Time `json:"expires_at"`
}
