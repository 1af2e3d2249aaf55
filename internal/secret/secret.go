// Package secret resolves secret references embedded in configuration
// values. Plain environment references use $NAME or ${NAME} syntax and are
// expanded against the process environment; ${keyring:service/name} refs
// resolve through the OS keyring.
package secret

import (
	"fmt"
	"os"
	"regexp"

	"github.com/zalando/go-keyring"
)

var (
	envRefRegex     = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)
	keyringRefRegex = regexp.MustCompile(`\$\{keyring:([^/}]+)/([^}]+)\}`)
)

// Resolver expands secret references. The zero value resolves against the
// real process environment and OS keyring; tests inject a lookup function.
type Resolver struct {
	// LookupEnv defaults to os.LookupEnv when nil.
	LookupEnv func(string) (string, bool)
	// LookupKeyring defaults to the OS keyring when nil.
	LookupKeyring func(service, name string) (string, error)
}

// NewResolver creates a Resolver backed by the process environment and the
// OS keyring.
func NewResolver() *Resolver {
	return &Resolver{}
}

func (r *Resolver) lookupEnv(name string) (string, bool) {
	if r.LookupEnv != nil {
		return r.LookupEnv(name)
	}
	return os.LookupEnv(name)
}

func (r *Resolver) lookupKeyring(service, name string) (string, error) {
	if r.LookupKeyring != nil {
		return r.LookupKeyring(service, name)
	}
	return keyring.Get(service, name)
}

// Expand replaces every reference in input with its resolved value. An
// unresolvable reference is an error: expanded values must never contain
// dangling references.
func (r *Resolver) Expand(input string) (string, error) {
	// Keyring refs first so their ${keyring:...} body is not mistaken for
	// an environment reference.
	var resolveErr error
	result := keyringRefRegex.ReplaceAllStringFunc(input, func(match string) string {
		parts := keyringRefRegex.FindStringSubmatch(match)
		value, err := r.lookupKeyring(parts[1], parts[2])
		if err != nil && resolveErr == nil {
			resolveErr = fmt.Errorf("failed to resolve keyring secret %s: %w", match, err)
		}
		return value
	})
	if resolveErr != nil {
		return "", resolveErr
	}

	result = envRefRegex.ReplaceAllStringFunc(result, func(match string) string {
		parts := envRefRegex.FindStringSubmatch(match)
		name := parts[1]
		if name == "" {
			name = parts[2]
		}
		value, ok := r.lookupEnv(name)
		if !ok && resolveErr == nil {
			resolveErr = fmt.Errorf("unresolved environment reference %s", match)
		}
		return value
	})
	if resolveErr != nil {
		return "", resolveErr
	}
	return result, nil
}

// ExpandMap expands every value of a string map, returning a new map.
func (r *Resolver) ExpandMap(values map[string]string) (map[string]string, error) {
	if values == nil {
		return nil, nil
	}
	expanded := make(map[string]string, len(values))
	for k, v := range values {
		ev, err := r.Expand(v)
		if err != nil {
			return nil, fmt.Errorf("failed to expand %q: %w", k, err)
		}
		expanded[k] = ev
	}
	return expanded, nil
}

// HasRef reports whether input contains any secret reference.
func HasRef(input string) bool {
	return envRefRegex.MatchString(input) || keyringRefRegex.MatchString(input)
}

// Mask masks a secret value for safe display.
func Mask(value string) string {
	if len(value) <= 4 {
		return "****"
	}
	if len(value) <= 8 {
		return value[:2] + "****"
	}
	return value[:3] + "****" + value[len(value)-2:]
}

// MaskMap returns a copy of values with every value masked.
func MaskMap(values map[string]string) map[string]string {
	masked := make(map[string]string, len(values))
	for k, v := range values {
		masked[k] = Mask(v)
	}
	return masked
}
