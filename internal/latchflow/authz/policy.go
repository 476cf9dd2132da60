// Package authz decides who may call which admin route. Admins bypass the
// policy; everyone else is matched against YAML rules compiled into glob
// matchers. Every verdict is recorded, allowing audits to answer "who was
// told no, and why".
package authz

import (
	"fmt"
	"os"
	"strings"

	"github.com/gobwas/glob"
	"gopkg.in/yaml.v3"
)

// Rule grants a role a set of methods on a set of path patterns. Paths use
// glob syntax ("/bundles/*", "/files/**"); methods are HTTP verbs or "*".
type Rule struct {
	Role    string   `yaml:"role"`
	Methods []string `yaml:"methods"`
	Paths   []string `yaml:"paths"`
}

// PolicyFile is the on-disk shape of the authorization policy.
type PolicyFile struct {
	Rules []Rule `yaml:"rules"`
}

// compiledRule is one rule with its patterns pre-compiled.
type compiledRule struct {
	methods map[string]bool // uppercased; "*" grants all
	paths   []glob.Glob
	source  string // original patterns, for decision reasons
}

// Policy is an immutable compiled rule set. Reloads swap the whole value.
type Policy struct {
	byRole map[string][]compiledRule
	rules  int
}

// CompilePolicy validates and compiles a parsed policy file.
func CompilePolicy(pf *PolicyFile) (*Policy, error) {
	p := &Policy{byRole: make(map[string][]compiledRule)}
	for i, r := range pf.Rules {
		if r.Role == "" {
			return nil, fmt.Errorf("authz: rule %d: role is required", i)
		}
		if len(r.Methods) == 0 || len(r.Paths) == 0 {
			return nil, fmt.Errorf("authz: rule %d (%s): methods and paths are required", i, r.Role)
		}
		cr := compiledRule{
			methods: make(map[string]bool, len(r.Methods)),
			source:  strings.Join(r.Paths, ","),
		}
		for _, m := range r.Methods {
			cr.methods[strings.ToUpper(strings.TrimSpace(m))] = true
		}
		for _, pat := range r.Paths {
			g, err := glob.Compile(pat, '/')
			if err != nil {
				return nil, fmt.Errorf("authz: rule %d (%s): compile path %q: %w", i, r.Role, pat, err)
			}
			cr.paths = append(cr.paths, g)
		}
		p.byRole[r.Role] = append(p.byRole[r.Role], cr)
		p.rules++
	}
	return p, nil
}

// LoadPolicy reads and compiles the YAML policy at path.
func LoadPolicy(path string) (*Policy, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("authz: read policy: %w", err)
	}
	var pf PolicyFile
	if err := yaml.Unmarshal(raw, &pf); err != nil {
		return nil, fmt.Errorf("authz: parse policy: %w", err)
	}
	return CompilePolicy(&pf)
}

// EmptyPolicy denies every non-admin request. Used when no policy file is
// configured.
func EmptyPolicy() *Policy {
	return &Policy{byRole: map[string][]compiledRule{}}
}

// Rules reports the number of compiled rules.
func (p *Policy) Rules() int { return p.rules }

// Allows checks one "METHOD /path" signature for a role. The returned
// reason names the matching patterns on allow, or is empty on deny.
func (p *Policy) Allows(role, signature string) (bool, string) {
	method, path, ok := SplitSignature(signature)
	if !ok {
		return false, ""
	}
	for _, r := range p.byRole[role] {
		if !r.methods["*"] && !r.methods[method] {
			continue
		}
		for _, g := range r.paths {
			if g.Match(path) {
				return true, fmt.Sprintf("rule %s %s", role, r.source)
			}
		}
	}
	return false, ""
}

// SplitSignature parses a "METHOD /path" policy signature.
func SplitSignature(signature string) (method, path string, ok bool) {
	method, path, found := strings.Cut(signature, " ")
	if !found || method == "" || !strings.HasPrefix(path, "/") {
		return "", "", false
	}
	return strings.ToUpper(method), path, true
}
