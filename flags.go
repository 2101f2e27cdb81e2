package imap

import (
	"fmt"
	"strings"

	"github.com/mailiner/go-imap/model"
)

// System flags and the \Starred keyword the envelope booleans map to.
const (
	FlagSeen    = `\Seen`
	FlagFlagged = `\Flagged`
	FlagDraft   = `\Draft`
	FlagDeleted = `\Deleted`
	FlagStarred = `\Starred`
)

var flagNames = map[string]string{
	model.FlagRead:    FlagSeen,
	model.FlagFlagged: FlagFlagged,
	model.FlagDraft:   FlagDraft,
	model.FlagDeleted: FlagDeleted,
	model.FlagStarred: FlagStarred,
}

// IMAPFlag returns the IMAP flag for an envelope flag name.
func IMAPFlag(name string) (string, bool) {
	f, ok := flagNames[name]
	return f, ok
}

// FlagChanges splits flag updates into the IMAP flags to add and to remove.
// Every name is checked before anything is returned; a later update of the
// same name overrides an earlier one.
func FlagChanges(updates []model.FlagUpdate) (add, remove []string, err error) {
	if err := model.ValidateFlags(updates); err != nil {
		return nil, nil, err
	}
	final := make(map[string]bool, len(updates))
	order := make([]string, 0, len(updates))
	for _, u := range updates {
		if _, seen := final[u.Name]; !seen {
			order = append(order, u.Name)
		}
		final[u.Name] = u.Value
	}
	for _, name := range order {
		f, ok := IMAPFlag(name)
		if !ok {
			return nil, nil, fmt.Errorf("flag %q: %w", name, model.ErrInvalidData)
		}
		if final[name] {
			add = append(add, f)
		} else {
			remove = append(remove, f)
		}
	}
	return add, remove, nil
}

// applyFlags sets the envelope booleans from a FLAGS list. Absent flags
// leave the booleans false.
func applyFlags(env *model.Envelope, flags []string) {
	for _, f := range flags {
		switch {
		case strings.EqualFold(f, FlagSeen):
			env.IsRead = true
		case strings.EqualFold(f, FlagFlagged):
			env.IsFlagged = true
		case strings.EqualFold(f, FlagDraft):
			env.IsDraft = true
		case strings.EqualFold(f, FlagDeleted):
			env.IsDeleted = true
		case strings.EqualFold(f, FlagStarred):
			env.IsStarred = true
		}
	}
}
