// Package namer builds kebab-cased and PascalCased identifiers from
// lower-cased parts. AWS glues names differently depending on the service
// (hostnames, IAM role names, tags), so every resource name goes through
// here to keep the look consistent.
package namer

import (
	"regexp"
	"strings"
)

var separatorRe = regexp.MustCompile(`[^a-zA-Z0-9]+`)

// Namer is an immutable list of name parts.
type Namer struct {
	parts []string
}

// New splits every argument on non-alphanumeric characters and lower-cases
// the pieces.
func New(parts ...string) Namer {
	return Namer{}.With(parts...)
}

// With returns a new Namer with parts appended.
func (n Namer) With(parts ...string) Namer {
	next := append([]string(nil), n.parts...)
	for _, part := range parts {
		for _, piece := range separatorRe.Split(part, -1) {
			if piece != "" {
				next = append(next, strings.ToLower(piece))
			}
		}
	}
	return Namer{parts: next}
}

// Parts returns a copy of the name parts.
func (n Namer) Parts() []string {
	return append([]string(nil), n.parts...)
}

// Kebab returns "some-name-parts".
func (n Namer) Kebab() string {
	return strings.Join(n.parts, "-")
}

// Pascal returns "SomeNameParts".
func (n Namer) Pascal() string {
	var b strings.Builder
	for _, part := range n.parts {
		b.WriteString(strings.ToUpper(part[:1]))
		b.WriteString(part[1:])
	}
	return b.String()
}

func (n Namer) String() string {
	return n.Kebab()
}
