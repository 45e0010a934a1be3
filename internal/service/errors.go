package service

import "pixshift/internal/apperr"

var (
	ErrUserNotFound           = apperr.New(apperr.KindNotFound, "user_not_found", "user not found")
	ErrTransformationNotFound = apperr.New(apperr.KindNotFound, "transformation_not_found", "transformation not found")
	ErrTypeNotFound           = apperr.New(apperr.KindNotFound, "transformation_type_not_found", "transformation type not found")
	ErrImageNotFound          = apperr.New(apperr.KindNotFound, "image_not_found", "image not found")
	ErrBillingRecordNotFound  = apperr.New(apperr.KindNotFound, "billing_record_not_found", "billing record not found")

	ErrInvalidImageRef  = apperr.New(apperr.KindValidation, "invalid_image_reference", "image reference does not resolve to an upload of this user")
	ErrTypeDisabled     = apperr.New(apperr.KindValidation, "transformation_type_disabled", "transformation type is disabled")
	ErrInvalidSignature = apperr.New(apperr.KindValidation, "invalid_signature", "webhook signature verification failed")
	ErrUnsupportedImage = apperr.New(apperr.KindValidation, "unsupported_image_type", "unsupported image type")
	ErrImageTooLarge    = apperr.New(apperr.KindValidation, "image_too_large", "image exceeds the upload size limit")
	ErrInvalidToken     = apperr.New(apperr.KindValidation, "invalid_token", "token is invalid or expired")
	ErrUnknownTier      = apperr.New(apperr.KindValidation, "unknown_pricing_tier", "pricing tier is not in the catalog")

	ErrFreeTierExhausted = apperr.New(apperr.KindConflict, "free_tier_exhausted", "free tier exhausted")
	ErrAlreadyClaimed    = apperr.New(apperr.KindConflict, "already_claimed", "transformation is not pending")
	ErrNotDownloadable   = apperr.New(apperr.KindConflict, "not_downloadable", "transformation has no downloadable image")
	ErrNotBillable       = apperr.New(apperr.KindConflict, "not_billable", "transformation has no billable record")
	ErrSweepInProgress   = apperr.New(apperr.KindConflict, "sweep_in_progress", "a sweep is already running")
	ErrCooldownActive    = apperr.New(apperr.KindConflict, "cooldown_active", "a token was issued recently")
	ErrUserExists        = apperr.New(apperr.KindConflict, "user_exists", "user profile already exists")
)
