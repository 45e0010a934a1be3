package dto

type UploadResponseDTO struct {
	ImageRef    string `json:"image_ref"`
	URL         string `json:"url"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
}
