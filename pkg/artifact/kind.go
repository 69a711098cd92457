package artifact

import (
	"fmt"
	"path"
	"strings"
)

// Kind identifies the type of an artifact. The set is closed.
type Kind string

const (
	KindTable          Kind = "table"
	KindView           Kind = "view"
	KindListener       Kind = "listener"
	KindOData          Kind = "odata"
	KindExtensionPoint Kind = "extensionpoint"
	KindExtension      Kind = "extension"
	KindJob            Kind = "job"
)

// Role separates kinds other artifacts are built on from kinds that are
// computed from them. Derived artifacts are dropped before their bases are
// touched and recreated afterwards.
type Role string

const (
	RoleBase    Role = "base"
	RoleDerived Role = "derived"
)

var kinds = []Kind{
	KindTable,
	KindView,
	KindListener,
	KindOData,
	KindExtensionPoint,
	KindExtension,
	KindJob,
}

// AllKinds returns every known kind in a stable order.
func AllKinds() []Kind {
	out := make([]Kind, len(kinds))
	copy(out, kinds)
	return out
}

// String implements fmt.Stringer.
func (k Kind) String() string {
	return string(k)
}

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	for _, known := range kinds {
		if k == known {
			return true
		}
	}
	return false
}

// Role returns whether the kind is a base or a derived artifact.
func (k Kind) Role() Role {
	if k == KindView {
		return RoleDerived
	}
	return RoleBase
}

// Extension returns the file extension definitions of this kind use.
func (k Kind) Extension() string {
	return "." + string(k)
}

// ParseKind converts a name such as "table" into a Kind.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	if !k.Valid() {
		return "", fmt.Errorf("unknown artifact kind: %q", s)
	}
	return k, nil
}

// KindForPath resolves the kind of a definition file from its extension.
// The second result is false for files that are not artifact definitions.
func KindForPath(p string) (Kind, bool) {
	ext := strings.TrimPrefix(path.Ext(p), ".")
	if ext == "" {
		return "", false
	}
	k := Kind(strings.ToLower(ext))
	if !k.Valid() {
		return "", false
	}
	return k, true
}

// SortByRole returns kinds with derived kinds first, keeping the relative
// order within each role. Cleanup drops in this order.
func SortByRole(in []Kind) []Kind {
	out := make([]Kind, 0, len(in))
	for _, k := range in {
		if k.Role() == RoleDerived {
			out = append(out, k)
		}
	}
	for _, k := range in {
		if k.Role() == RoleBase {
			out = append(out, k)
		}
	}
	return out
}
