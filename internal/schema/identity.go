package schema

import "strings"

// Separator joins the components of a node identifier.
const Separator = "_"

// Path is an ordered chain of names starting at a section name.
type Path []string

// Child returns a new path extended by name. The receiver is never aliased.
func (p Path) Child(name string) Path {
	out := make(Path, len(p), len(p)+1)
	copy(out, p)
	return append(out, name)
}

func (p Path) String() string {
	return strings.Join(p, "/")
}

// ID returns the identifier of the position the path itself points at.
func (p Path) ID() string {
	return strings.Join(p, Separator)
}

// Section returns the section name the path starts with.
func (p Path) Section() string {
	if len(p) == 0 {
		return ""
	}
	return p[0]
}

// ParsePath splits a slash separated scope such as "cvu/A/B".
func ParsePath(raw string) Path {
	trimmed := strings.Trim(strings.TrimSpace(raw), "/")
	if trimmed == "" {
		return nil
	}
	parts := strings.Split(trimmed, "/")
	out := make(Path, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Identify derives the identifier of node given the names of its ancestors,
// section first. Only the explicit path is consulted; there is no fallback to
// any ambient "current section".
func Identify(node Node, ancestors Path) string {
	return IdentifyName(ancestors, node.Name)
}

func IdentifyName(ancestors Path, name string) string {
	if len(ancestors) == 0 {
		return name
	}
	var b strings.Builder
	for _, part := range ancestors {
		b.WriteString(part)
		b.WriteString(Separator)
	}
	b.WriteString(name)
	return b.String()
}
