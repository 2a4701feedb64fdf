// Package locator implements the validated (user, host, path) triple that
// identifies a dataset endpoint, as described in spec.md §3 ("Locator").
//
// Parsing, syntax validation and error messages for user-facing locator
// strings live in the CLI layer; this package only holds the immutable,
// already-validated value and the predicate that tells the Remote executor
// whether it refers to the local machine.
package locator

import "fmt"

// Locator is an immutable (user, host, path) triple. Empty User/Host mean
// "local". Path uniquely identifies a dataset inside its host.
type Locator struct {
	User string
	Host string
	Path string
}

// New returns a validated Locator. Path must not be empty; User without Host
// is rejected, since a user only makes sense alongside a remote host.
func New(user, host, path string) (Locator, error) {
	if path == "" {
		return Locator{}, fmt.Errorf("locator: path must not be empty")
	}
	if user != "" && host == "" {
		return Locator{}, fmt.Errorf("locator: user %q given without a host", user)
	}
	return Locator{User: user, Host: host, Path: path}, nil
}

// Local returns a Locator for a dataset on the local host.
func Local(path string) Locator { return Locator{Path: path} }

// IsLocal reports whether this Locator refers to the local host.
func (l Locator) IsLocal() bool { return l.Host == "" }

// String renders the locator the way it would appear on a command line,
// e.g. "user@host:tank/data" or "tank/data" for a local dataset.
func (l Locator) String() string {
	if l.IsLocal() {
		return l.Path
	}
	if l.User == "" {
		return fmt.Sprintf("%s:%s", l.Host, l.Path)
	}
	return fmt.Sprintf("%s@%s:%s", l.User, l.Host, l.Path)
}

// WithPath returns a copy of l rooted at a different path, keeping the same
// user/host.
func (l Locator) WithPath(path string) Locator {
	l.Path = path
	return l
}
