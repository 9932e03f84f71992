package app

import (
	"errors"
	"fmt"
	"net/http"

	"taskboard/api/internal/auth"
	"taskboard/api/internal/ordering"
	"taskboard/api/internal/store"
)

// DomainError is a failure the caller can act on. Anything else that
// reaches the HTTP boundary is reported as SERVER_ERROR.
type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *DomainError) ErrorCode() string {
	return e.Code
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

func validationError(message string, details any) *DomainError {
	return domainError(http.StatusBadRequest, "VALIDATION_ERROR", message, details)
}

var (
	errTitleRequired      = domainError(http.StatusBadRequest, "TITLE_REQUIRED", "Title is required", nil)
	errBoardNotFound      = domainError(http.StatusNotFound, "BOARD_NOT_FOUND", "Board not found", nil)
	errBoardAccessDenied  = domainError(http.StatusForbidden, "BOARD_ACCESS_DENIED", "You are not a member of this board", nil)
	errOwnerOnly          = domainError(http.StatusForbidden, "OWNER_ONLY", "Only the board owner can do that", nil)
	errListNotFound       = domainError(http.StatusNotFound, "LIST_NOT_FOUND", "List not found", nil)
	errCardNotFound       = domainError(http.StatusNotFound, "CARD_NOT_FOUND", "Card not found", nil)
	errCrossBoardMove     = domainError(http.StatusBadRequest, "CROSS_BOARD_MOVE", "Cards can only move between lists of the same board", nil)
	errCardNotInSource    = domainError(http.StatusConflict, "CARD_NOT_IN_SOURCE", "Card is not in the source list", nil)
	errAlreadyMember      = domainError(http.StatusBadRequest, "ALREADY_MEMBER", "User is already a board member", nil)
	errNotAMember         = domainError(http.StatusNotFound, "NOT_A_MEMBER", "User is not a board member", nil)
	errCannotRemoveOwner  = domainError(http.StatusBadRequest, "CANNOT_REMOVE_OWNER", "The board owner cannot be removed", nil)
	errUnauthorized       = domainError(http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
	errNothingToUpdate    = validationError("No valid fields to update", nil)
	errMissingMoveFields  = validationError("cardId, sourceListId, destinationListId and newPosition are required", nil)
	errNegativePosition   = validationError("newPosition must not be negative", nil)
	errReorderEmpty       = validationError("At least one entry is required", nil)
	errListIDRequired     = validationError("listId is required", nil)
	errMemberIDRequired   = validationError("userId is required", nil)
	errInvalidBackground  = validationError("background must be a hex colour like #0079BF", nil)
	errTitleTooLong       = validationError("Title cannot exceed 100 characters", nil)
	errDescriptionTooLong = validationError("Description cannot exceed 500 characters", nil)
)

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}

// isInvariantBreach reports failures that mean ordering state was about to
// be corrupted. They are bugs, not client errors.
func isInvariantBreach(err error) bool {
	return errors.Is(err, ordering.ErrMembershipMismatch) || errors.Is(err, store.ErrPositionConflict)
}
