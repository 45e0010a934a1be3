package dto

// SessionExpiredRequest is sent by the identity provider when a session ends.
type SessionExpiredRequest struct {
	UserID string `json:"user_id" validate:"required"`
}

type PurgeResponseDTO struct {
	Purged int `json:"purged"`
}

type SweepResponseDTO struct {
	Purged        int   `json:"purged"`
	Scanned       int   `json:"scanned"`
	Failed        int   `json:"failed"`
	TokensDeleted int64 `json:"tokens_deleted"`
}
