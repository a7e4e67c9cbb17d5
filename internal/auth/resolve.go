package auth

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
)

// Config file names searched in project root and home directory, in order.
var configFileNames = []string{".devpulse.env", "devpulse.env"}

// Markers that identify a project root when walking upward from the
// working directory.
var projectRootMarkers = []string{".git", "go.mod", "package.json", "pyproject.toml", "Cargo.toml"}

// Resolver produces usable credentials by applying the documented
// precedence order. Environment lookup is injectable for tests.
type Resolver struct {
	store   *Store
	workdir string
	lookup  func(string) string
}

// NewResolver creates a resolver over the store. workdir anchors the
// project-root config file search; empty means the process working
// directory.
func NewResolver(store *Store, workdir string) *Resolver {
	return &Resolver{store: store, workdir: workdir, lookup: os.Getenv}
}

// WithEnvLookup overrides environment variable lookup (tests).
func (r *Resolver) WithEnvLookup(lookup func(string) string) *Resolver {
	r.lookup = lookup
	return r
}

// GitHub resolves the GitHub credential using the fixed precedence:
//
//  1. GITHUB_TOKEN / GITHUB_PAT environment variables
//  2. project-root .devpulse.env / devpulse.env
//  3. home-directory .devpulse.env / devpulse.env
//  4. stored App install (device-flow backed)
//  5. stored PAT
//
// First match wins. An explicit environment variable always beats a
// working App install so scripting/CI can pin the token; among stored
// credentials the App install beats the enterprise-fallback PAT.
func (r *Resolver) GitHub() Credential {
	for _, key := range []string{"GITHUB_TOKEN", "GITHUB_PAT"} {
		if token := r.lookup(key); token != "" {
			return Credential{
				Provider: ProviderGitHubPAT,
				Status:   StatusActive,
				Identity: r.lookup("GITHUB_USERNAME"),
				Secret:   token,
				Source:   SourceEnvVar,
			}
		}
	}

	if root := FindProjectRoot(r.workdir); root != "" {
		if c, ok := credentialFromConfigDir(root, SourceProjectConfig); ok {
			return c
		}
	}
	if home, err := os.UserHomeDir(); err == nil {
		if c, ok := credentialFromConfigDir(home, SourceHomeConfig); ok {
			return c
		}
	}

	if app := r.store.Get(ProviderGitHubApp); app.Active() {
		return app
	}
	if pat := r.store.Get(ProviderGitHubPAT); pat.Active() {
		return pat
	}
	return Absent(ProviderGitHubPAT)
}

// Slack resolves the Slack credential: an explicit SLACK_BOT_TOKEN
// environment variable, then the stored workspace token.
func (r *Resolver) Slack() Credential {
	if token := r.lookup("SLACK_BOT_TOKEN"); token != "" {
		return Credential{
			Provider: ProviderSlack,
			Status:   StatusActive,
			Secret:   token,
			Source:   SourceEnvVar,
		}
	}
	return r.store.Get(ProviderSlack)
}

// QuickCall returns the stored device-flow credential.
func (r *Resolver) QuickCall() Credential {
	return r.store.Get(ProviderQuickCall)
}

// HasGitHub reports whether any GitHub credential path exists: a
// resolvable token or a QuickCall install whose installation token is
// fetched at call time. Cheap: env, file, and store reads only, never a
// network call — this backs source availability checks.
func (r *Resolver) HasGitHub() bool {
	return r.GitHub().Active() || r.QuickCall().Active()
}

// HasSlack reports whether a Slack token path exists: an explicit token
// or a QuickCall install serving workspace tokens. Local reads only.
func (r *Resolver) HasSlack() bool {
	return r.Slack().Active() || r.QuickCall().Active()
}

func credentialFromConfigDir(dir string, source Source) (Credential, bool) {
	for _, name := range configFileNames {
		path := filepath.Join(dir, name)
		vars, err := ParseEnvFile(path)
		if err != nil {
			continue
		}
		for _, key := range []string{"GITHUB_TOKEN", "GITHUB_PAT"} {
			if token := vars[key]; token != "" {
				return Credential{
					Provider: ProviderGitHubPAT,
					Status:   StatusActive,
					Identity: vars["GITHUB_USERNAME"],
					Secret:   token,
					Source:   source,
				}, true
			}
		}
	}
	return Credential{}, false
}

// FindProjectRoot walks upward from dir until a directory containing a
// version-control or build marker is found. Returns "" when none is.
func FindProjectRoot(dir string) string {
	if dir == "" {
		var err error
		dir, err = os.Getwd()
		if err != nil {
			return ""
		}
	}
	dir, err := filepath.Abs(dir)
	if err != nil {
		return ""
	}
	for {
		for _, marker := range projectRootMarkers {
			if _, err := os.Stat(filepath.Join(dir, marker)); err == nil {
				return dir
			}
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// ParseEnvFile reads a KEY=value file: quoted values, # comments, and
// blank lines are handled; anything else is skipped.
func ParseEnvFile(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	vars := make(map[string]string)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if len(value) >= 2 {
			if (value[0] == '"' && value[len(value)-1] == '"') || (value[0] == '\'' && value[len(value)-1] == '\'') {
				value = value[1 : len(value)-1]
			}
		}
		vars[key] = value
	}
	return vars, scanner.Err()
}
