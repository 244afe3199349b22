package registry

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/projecteru2/openportal/types"
)

// ErrNotFound is returned when a sandbox reference does not resolve to a
// registry record.
var ErrNotFound = errors.New("sandbox not found")

// nameRE constrains sandbox names: leading alphanumeric, then alphanumerics,
// dots, underscores, and dashes.
var nameRE = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]*$`)

const maxNameLen = 63

// Index is the top-level registry document: the full id → record mapping
// plus a name index for lookups. Persisted as a single JSON file and always
// rewritten whole.
type Index struct {
	Sandboxes map[string]*types.Sandbox `json:"sandboxes"`
	Names     map[string]string         `json:"names"` // name → sandbox ID
}

// Init implements storage.Initer — initialises nil maps after deserialization.
func (idx *Index) Init() {
	if idx.Sandboxes == nil {
		idx.Sandboxes = make(map[string]*types.Sandbox)
	}
	if idx.Names == nil {
		idx.Names = make(map[string]string)
	}
}

// NewID returns a fresh 12-character lowercase hex sandbox id.
func NewID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// ValidID reports whether s has the shape NewID produces.
func ValidID(s string) bool {
	if len(s) != 12 {
		return false
	}
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// ValidateName checks a user-supplied sandbox name.
func ValidateName(name string) error {
	if name == "" {
		return errors.New("sandbox name must not be empty")
	}
	if len(name) > maxNameLen {
		return fmt.Errorf("sandbox name %q exceeds %d characters", name, maxNameLen)
	}
	if !nameRE.MatchString(name) {
		return fmt.Errorf("invalid sandbox name %q", name)
	}
	return nil
}

// Resolve resolves a user-supplied reference (exact ID, name, or ID prefix)
// to a full sandbox ID. Resolution order: exact ID → name → ID prefix
// (≥3 chars, must be unique).
func Resolve(idx *Index, ref string) (string, error) {
	if idx.Sandboxes[ref] != nil {
		return ref, nil
	}
	if id, ok := idx.Names[ref]; ok && idx.Sandboxes[id] != nil {
		return id, nil
	}
	if len(ref) >= 3 {
		var match string
		for id := range idx.Sandboxes {
			if strings.HasPrefix(id, ref) {
				if match != "" {
					return "", fmt.Errorf("ambiguous ref %q: multiple matches", ref)
				}
				match = id
			}
		}
		if match != "" {
			return match, nil
		}
	}
	return "", ErrNotFound
}
