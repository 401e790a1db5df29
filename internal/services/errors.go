// Package services defines the business logic for conversations, plants,
// care plans, and feedback. This file centralizes common service-level error
// values so that they can be consistently returned by service methods and
// checked by callers.
//
// These errors are intended for internal use by the service layer and translation
// into user-facing messages or HTTP status codes should be performed at the
// handler/controller layer.
package services

import "errors"

// Conversation-related errors.
var (
	// ErrConversationNotFound indicates that the requested conversation does
	// not exist.
	ErrConversationNotFound = errors.New("conversation not found")

	// ErrEmptyMessage is returned when a submitted turn carries neither text
	// nor images.
	ErrEmptyMessage = errors.New("message is empty")

	// ErrTooLong is returned when a submitted message exceeds the maximum
	// configured length limit.
	ErrTooLong = errors.New("message too long")
)

// Plant-related errors.
var (
	// ErrPlantNotFound indicates that the requested plant does not exist.
	ErrPlantNotFound = errors.New("plant not found")

	// ErrCommonNameRequired is returned when a plant is created or resolved
	// without a common name.
	ErrCommonNameRequired = errors.New("common name is required")

	// ErrInvalidPlantStatus is returned when a status update names a value
	// outside {active, archived}.
	ErrInvalidPlantStatus = errors.New("plant status must be active or archived")

	// ErrDuplicatePlantName is returned when a rename collides with another of
	// the user's active plants (common names dedup case-insensitively).
	ErrDuplicatePlantName = errors.New("another active plant already has this name")
)

// Feedback-related errors.
var (
	// ErrInvalidFeedback is returned when a feedback value is outside the
	// allowed set (currently -1 or 1).
	ErrInvalidFeedback = errors.New("feedback value must be -1 or 1")

	// ErrMessageNotFound indicates that the requested message does not exist
	// or is not accessible to the current user.
	ErrMessageNotFound = errors.New("message not found")

	// ErrForbiddenFeedback is returned when a user attempts to leave feedback
	// on a message they are not permitted to rate.
	ErrForbiddenFeedback = errors.New("cannot leave feedback on this message")

	// ErrDuplicateFeedback is returned when a user attempts to leave feedback
	// on a message that they have already rated.
	ErrDuplicateFeedback = errors.New("feedback already exists")
)
