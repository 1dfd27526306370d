// Package repourl parses the compact, Dockerfile-compatible directory URL
// used to point a machine role at its docker compose directory:
//
//	https://github.com/owner/repo[#[branch]:/directory/with/compose/]
package repourl

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrMalformedRepositoryURL is returned when the input does not match
// <baseUrl>[#[<branch>]:<path>].
var ErrMalformedRepositoryURL = errors.New("malformed repository url")

var directoryURLRe = regexp.MustCompile(`(?s)^([^#]+)(?:#([^:]*):(.*))?$`)

// Spec is a parsed repository location. An empty Branch means the remote's
// default branch.
type Spec struct {
	URL    string
	Branch string
	Path   string
}

// Parse splits s into repository URL, branch and subdirectory. The path is
// trimmed of leading and trailing slashes; an empty path becomes ".".
func Parse(s string) (Spec, error) {
	m := directoryURLRe.FindStringSubmatch(s)
	if m == nil {
		return Spec{}, fmt.Errorf("%w %q: expected https://github.com/owner/repo[#[branch]:/directory/with/compose/]",
			ErrMalformedRepositoryURL, s)
	}

	path := strings.Trim(m[3], "/")
	if path == "" {
		path = "."
	}
	return Spec{URL: m[1], Branch: m[2], Path: path}, nil
}

// IsRoot reports whether the spec points at the repository root, in which
// case no sparse checkout is needed.
func (s Spec) IsRoot() bool {
	return s.Path == "."
}

// String renders the spec back into its compact form.
func (s Spec) String() string {
	switch {
	case s.Branch == "" && s.IsRoot():
		return s.URL
	case s.IsRoot():
		return s.URL + "#" + s.Branch + ":/"
	default:
		return s.URL + "#" + s.Branch + ":/" + s.Path + "/"
	}
}
