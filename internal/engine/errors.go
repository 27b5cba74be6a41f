package engine

import (
	"errors"
	"fmt"
	"strings"

	"atelier/internal/repo"
)

var ErrNotFound = repo.ErrNotFound

type Reason string

const (
	ReasonAlreadyValidated       Reason = "already_validated"
	ReasonAlreadyPublished       Reason = "already_published"
	ReasonAlreadyRejected        Reason = "already_rejected"
	ReasonAlreadyPending         Reason = "already_pending"
	ReasonAlreadySubmitted       Reason = "already_submitted"
	ReasonNotEligible            Reason = "not_eligible"
	ReasonNotPending             Reason = "not_pending"
	ReasonLocked                 Reason = "locked"
	ReasonHasPublishedDependents Reason = "has_published_dependents"
	ReasonStale                  Reason = "stale"
)

// TransitionError is a refused state change. Two TransitionErrors match with
// errors.Is when their reasons are equal.
type TransitionError struct {
	Reason Reason
	Entity string
	ID     string
	// Unvalidated lists the referenced designs that are not validated for
	// ReasonNotEligible.
	Unvalidated []string
}

func (e *TransitionError) Error() string {
	msg := strings.ReplaceAll(string(e.Reason), "_", " ")
	if e.Entity != "" {
		msg = fmt.Sprintf("%s %s: %s", e.Entity, e.ID, msg)
	}
	if len(e.Unvalidated) > 0 {
		msg += fmt.Sprintf(" (unvalidated designs: %s)", strings.Join(e.Unvalidated, ", "))
	}
	return msg
}

func (e *TransitionError) Is(target error) bool {
	t, ok := target.(*TransitionError)
	return ok && t.Reason == e.Reason
}

var (
	ErrAlreadyValidated = &TransitionError{Reason: ReasonAlreadyValidated}
	ErrAlreadyPublished = &TransitionError{Reason: ReasonAlreadyPublished}
	ErrNotEligible      = &TransitionError{Reason: ReasonNotEligible}
	ErrLocked           = &TransitionError{Reason: ReasonLocked}
	ErrStale            = &TransitionError{Reason: ReasonStale}
)

func transitionErr(reason Reason, entity, id string) *TransitionError {
	return &TransitionError{Reason: reason, Entity: entity, ID: id}
}

// ForbiddenError is an actor acting on an entity it does not own.
type ForbiddenError struct {
	Entity  string
	ID      string
	ActorID string
}

func (e *ForbiddenError) Error() string {
	return fmt.Sprintf("%s %s is not owned by %s", e.Entity, e.ID, e.ActorID)
}

// InputError is a request that fails validation before any state is read.
type InputError struct {
	Field   string
	Code    string
	Message string
}

func (e *InputError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("invalid %s", e.Field)
}

func inputErr(field, code, msg string) *InputError {
	return &InputError{Field: field, Code: code, Message: msg}
}

// IsBenign reports whether err only says the work was already done, which
// retrying callers treat as success.
func IsBenign(err error) bool {
	return errors.Is(err, ErrAlreadyValidated) || errors.Is(err, ErrAlreadyPublished)
}
