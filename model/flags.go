package model

import "fmt"

// Flag names accepted by UpdateEnvelopeFlags.
const (
	FlagRead    = "is_read"
	FlagStarred = "is_starred"
	FlagFlagged = "is_flagged"
	FlagDraft   = "is_draft"
	FlagDeleted = "is_deleted"
)

// FlagUpdate sets one named flag.
type FlagUpdate struct {
	Name  string
	Value bool
}

// ValidateFlags returns ErrInvalidData for the first unknown flag name.
func ValidateFlags(updates []FlagUpdate) error {
	for _, u := range updates {
		switch u.Name {
		case FlagRead, FlagStarred, FlagFlagged, FlagDraft, FlagDeleted:
		default:
			return fmt.Errorf("%w: unknown flag %q", ErrInvalidData, u.Name)
		}
	}
	return nil
}

// ApplyFlag sets the named flag on the envelope.
func (e *Envelope) ApplyFlag(u FlagUpdate) error {
	switch u.Name {
	case FlagRead:
		e.IsRead = u.Value
	case FlagStarred:
		e.IsStarred = u.Value
	case FlagFlagged:
		e.IsFlagged = u.Value
	case FlagDraft:
		e.IsDraft = u.Value
	case FlagDeleted:
		e.IsDeleted = u.Value
	default:
		return fmt.Errorf("%w: unknown flag %q", ErrInvalidData, u.Name)
	}
	return nil
}
