package repo

import (
	"errors"
	"fmt"
	"strings"
)

// ErrValidation tags structural validation failures; the HTTP layer maps
// it to a 400.
var ErrValidation = errors.New("repo: invalid input")

// maxRecordSize bounds one encoded record.
const maxRecordSize = 1 << 20

// validateCollection checks an NSID: at least three dot-separated
// segments of letters, digits, and hyphens, none empty.
func validateCollection(nsid string) error {
	segments := strings.Split(nsid, ".")
	if len(segments) < 3 {
		return fmt.Errorf("%w: collection %q is not a valid nsid", ErrValidation, nsid)
	}
	for _, seg := range segments {
		if seg == "" {
			return fmt.Errorf("%w: collection %q has an empty segment", ErrValidation, nsid)
		}
		for _, c := range seg {
			if !isAlnum(c) && c != '-' {
				return fmt.Errorf("%w: collection %q has an invalid character", ErrValidation, nsid)
			}
		}
	}
	return nil
}

// validateRkey checks a record key: 1–512 characters from the unreserved
// set.
func validateRkey(rkey string) error {
	if rkey == "" || len(rkey) > 512 {
		return fmt.Errorf("%w: rkey length %d out of range", ErrValidation, len(rkey))
	}
	if rkey == "." || rkey == ".." {
		return fmt.Errorf("%w: rkey %q is reserved", ErrValidation, rkey)
	}
	for _, c := range rkey {
		switch {
		case isAlnum(c):
		case c == '.' || c == '-' || c == '_' || c == '~' || c == ':':
		default:
			return fmt.Errorf("%w: rkey %q has an invalid character", ErrValidation, rkey)
		}
	}
	return nil
}

func isAlnum(c rune) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

// validateBatch applies the structural checks shared by every write path:
// valid names, values present exactly where required, no duplicate paths.
func validateBatch(ops []WriteOp) error {
	seen := make(map[string]struct{}, len(ops))
	for i := range ops {
		op := &ops[i]
		if err := validateCollection(op.Collection); err != nil {
			return err
		}
		if op.Rkey != "" {
			if err := validateRkey(op.Rkey); err != nil {
				return err
			}
		} else if op.Action != ActionCreate {
			return fmt.Errorf("%w: %s requires an rkey", ErrValidation, op.Action)
		}

		switch op.Action {
		case ActionCreate, ActionUpdate:
			if op.Record == nil {
				return fmt.Errorf("%w: %s %s/%s requires a record value", ErrValidation, op.Action, op.Collection, op.Rkey)
			}
		case ActionDelete:
			if op.Record != nil {
				return fmt.Errorf("%w: delete %s/%s must not carry a record value", ErrValidation, op.Collection, op.Rkey)
			}
		default:
			return fmt.Errorf("%w: unknown action %q", ErrValidation, op.Action)
		}

		if op.Rkey != "" {
			path := op.Collection + "/" + op.Rkey
			if _, dup := seen[path]; dup {
				return fmt.Errorf("%w: duplicate operation for %s", ErrValidation, path)
			}
			seen[path] = struct{}{}
		}
	}
	return nil
}
