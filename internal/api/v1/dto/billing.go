package dto

// PaymentIntentRequest is the body of POST /payments/intent.
type PaymentIntentRequest struct {
	TransformationID string `json:"transformation_id" validate:"required,uuid"`
}
