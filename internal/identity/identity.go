// Package identity derives the stable external identifier shared by the
// directory scanner and remote flight discovery, and tracks which of those
// identifiers have been claimed.
package identity

import (
	"strings"

	"github.com/providentiaww/ptdatax-ingest/internal/errs"
)

// Separator joins the owner and unit parts of an ID.
const Separator = "_"

// ID is the derived identifier, e.g. "alice_survey1". It doubles as the
// identity symlink name, so it never contains a path separator.
type ID string

func (id ID) String() string { return string(id) }

var escaper = strings.NewReplacer("%", "%25", "_", "%5F")
var unescaper = strings.NewReplacer("%25", "%", "%5F", "_")

// Derive maps (owner, unit) onto an ID. The mapping is pure and injective:
// separator and escape characters occurring in either part are
// percent-escaped, so "a_b"+"c" and "a"+"b_c" never collide.
func Derive(owner, unit string) (ID, error) {
	if err := validatePart("owner", owner); err != nil {
		return "", err
	}
	if err := validatePart("unit", unit); err != nil {
		return "", err
	}
	return ID(escaper.Replace(owner) + Separator + escaper.Replace(unit)), nil
}

// Parse is the inverse of Derive.
func Parse(id ID) (owner, unit string, err error) {
	parts := strings.Split(string(id), Separator)
	if len(parts) != 2 {
		return "", "", errs.Validation("identity.Parse", "malformed identity %q", id)
	}
	return unescaper.Replace(parts[0]), unescaper.Replace(parts[1]), nil
}

func validatePart(field, v string) error {
	switch {
	case v == "":
		return errs.Validation("identity.Derive", "%s must not be empty", field)
	case strings.HasPrefix(v, "/"):
		return errs.Validation("identity.Derive", "%s %q must not start with /", field, v)
	case strings.Contains(v, ".."):
		return errs.Validation("identity.Derive", "%s %q must not contain ..", field, v)
	case strings.ContainsAny(v, "/\\\x00"):
		return errs.Validation("identity.Derive", "%s %q contains a path separator", field, v)
	}
	return nil
}
