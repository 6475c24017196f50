// Package envy automatically exposes environment
// variables for all of your flags.
package envy

import (
	"flag"
	"fmt"
	"os"
	"strings"
)

// Parse takes a prefix string and exposes environment variables
// for all flags in the default FlagSet (flag.CommandLine) in the
// form of PREFIX_FLAGNAME.  It returns the first error encountered
// setting a flag from the environment.
func Parse(p string) error {
	return ParseFlagSet(p, flag.CommandLine)
}

// ParseFlagSet is like Parse, but for an arbitrary FlagSet.  Each
// flag in fs is exposed as an upper case environment variable
// prefixed with p.  Any flag that was not explicitly set by a user
// is updated to the environment variable, if set.
func ParseFlagSet(p string, fs *flag.FlagSet) error {
	// Build a map of explicitly set flags.
	set := map[string]bool{}
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	var firstErr error
	fs.VisitAll(func(f *flag.Flag) {
		envVar := EnvName(p, f.Name)

		if val := os.Getenv(envVar); val != "" && !set[f.Name] {
			if err := fs.Set(f.Name, val); err != nil && firstErr == nil {
				firstErr = fmt.Errorf("envy: %s: %w", envVar, err)
			}
		}

		// Append the env var to the
		// Flag.Usage field.
		if !strings.HasSuffix(f.Usage, "["+envVar+"]") {
			f.Usage = fmt.Sprintf("%s [%s]", f.Usage, envVar)
		}
	})
	return firstErr
}

// EnvName returns the environment variable consulted for flag name.
func EnvName(p, name string) string {
	envVar := fmt.Sprintf("%s_%s", p, strings.ToUpper(name))
	return strings.ReplaceAll(envVar, "-", "_")
}
