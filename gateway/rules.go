// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"regexp"
	"strings"

	"github.com/tidwall/jsonc"
	"github.com/zeebo/blake3"

	"github.com/bureau-foundation/bureau/lib/authz"
)

// ruleFile is the on-disk shape of one JSONC rule file. A file binds
// its rules to one named upstream and may define named processor
// instances referenced by the rules' pre/post lists.
type ruleFile struct {
	Upstream   string                   `json:"upstream"`
	Processors map[string]processorSpec `json:"processors"`
	Rules      []ruleSpec               `json:"rules"`
}

// ruleSpec is one rule as authored. Permission and role requirements
// accept a single string or a list of strings.
type ruleSpec struct {
	Pattern          string     `json:"pattern"`
	Method           string     `json:"method"`
	Permission       authz.Keys `json:"permission"`
	PermissionStrict bool       `json:"permission_strict"`
	Roles            authz.Keys `json:"roles"`
	RolesStrict      bool       `json:"roles_strict"`
	Straightforward  bool       `json:"straightforward"`
	Streaming        bool       `json:"streaming"`
	UpstreamPath     string     `json:"upstream_path"`
	Pre              []string   `json:"pre"`
	Post             []string   `json:"post"`
	Description      string     `json:"description"`
}

// Rule is one compiled routing rule. Immutable after load.
type Rule struct {
	// Pattern is the authored path expression, matched at the start
	// of the sub-path.
	Pattern string

	// Method is the uppercase verb this rule accepts, or "*" for all.
	Method string

	// Permission and Roles are the caller requirements evaluated
	// before forwarding.
	Permission authz.Requirement
	Roles      authz.Requirement

	// Straightforward forwards query and body byte-exact instead of
	// re-encoding through the structured path.
	Straightforward bool

	// Streaming relays the upstream response as an open-ended chunk
	// stream.
	Streaming bool

	// UpstreamPath, when set, replaces the matched sub-path on the
	// upstream call.
	UpstreamPath string

	// Pre and Post are the resolved processor chains.
	Pre  []Processor
	Post []Processor

	// Description labels the rule in logs and load errors.
	Description string

	// Upstream is the bound upstream service.
	Upstream *Upstream

	expression *regexp.Regexp
	index      int
}

// matchesMethod reports whether the rule accepts the (already
// uppercased) verb.
func (r *Rule) matchesMethod(method string) bool {
	return r.Method == "*" || r.Method == method
}

// matchLength returns the length of the rule pattern's match at the
// start of subPath, or -1 when it does not match. Empty matches never
// count as a match.
func (r *Rule) matchLength(subPath string) int {
	loc := r.expression.FindStringIndex(subPath)
	if loc == nil || loc[1] == 0 {
		return -1
	}
	return loc[1]
}

// Registry is the immutable rule table. It is built once at startup
// and read concurrently without locking afterwards.
type Registry struct {
	rules       []*Rule
	fingerprint string
}

// LoadRules parses the given JSONC rule files in order, compiles their
// rules against the configured upstreams and processor definitions,
// and returns the registry. Any structural problem — bad regex,
// unknown upstream, unknown or duplicate processor name — fails the
// load with the offending rule's position and description.
func LoadRules(paths []string, upstreams map[string]*Upstream, logger *slog.Logger) (*Registry, error) {
	files := make([]*ruleFile, 0, len(paths))
	processors := make(map[string]Processor)

	// First pass: parse every file and build the shared processor
	// table. Processor names are global across files so rules can
	// reference instances defined elsewhere; a name collision is a
	// configuration error, not a silent override.
	for _, path := range paths {
		file, err := parseRuleFile(path)
		if err != nil {
			return nil, err
		}
		files = append(files, file)

		for name, spec := range file.Processors {
			if _, exists := processors[name]; exists {
				return nil, fmt.Errorf("%s: processor %q: already defined in an earlier rule file", path, name)
			}
			processor, err := buildProcessor(name, spec)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", path, err)
			}
			processors[name] = processor
		}
	}

	// Second pass: compile rules in file order. The compiled slice
	// order is the registration order the matcher's tie-break relies
	// on.
	var rules []*Rule
	for fileIndex, file := range files {
		path := paths[fileIndex]

		upstream, ok := upstreams[file.Upstream]
		if !ok {
			return nil, fmt.Errorf("%s: unknown upstream %q", path, file.Upstream)
		}

		for index, spec := range file.Rules {
			rule, err := compileRule(spec, upstream, processors, len(rules))
			if err != nil {
				return nil, fmt.Errorf("%s: rules[%d] (%s): %w", path, index, describeRule(spec), err)
			}
			rules = append(rules, rule)
		}
	}

	if len(rules) == 0 {
		return nil, fmt.Errorf("no rules loaded from %d file(s)", len(paths))
	}

	registry := &Registry{
		rules:       rules,
		fingerprint: fingerprintRules(rules),
	}
	logger.Info("rule table loaded",
		"files", len(paths),
		"rules", len(rules),
		"fingerprint", registry.fingerprint,
	)
	return registry, nil
}

// describeRule labels a rule for load errors: the description when
// present, the pattern otherwise.
func describeRule(spec ruleSpec) string {
	if spec.Description != "" {
		return spec.Description
	}
	return spec.Pattern
}

// parseRuleFile reads one JSONC rule file: comments and trailing
// commas are stripped, the remainder is plain JSON.
func parseRuleFile(path string) (*ruleFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading rule file: %w", err)
	}

	var file ruleFile
	if err := json.Unmarshal(jsonc.ToJSON(data), &file); err != nil {
		return nil, fmt.Errorf("%s: parsing rule file: %w", path, err)
	}
	if file.Upstream == "" {
		return nil, fmt.Errorf("%s: upstream binding is required", path)
	}
	return &file, nil
}

func compileRule(spec ruleSpec, upstream *Upstream, processors map[string]Processor, index int) (*Rule, error) {
	if spec.Pattern == "" {
		return nil, fmt.Errorf("pattern is required")
	}

	// Anchor the authored pattern at the sub-path start. The
	// non-capturing group keeps alternations inside the pattern from
	// escaping the anchor.
	expression, err := regexp.Compile("^(?:" + spec.Pattern + ")")
	if err != nil {
		return nil, fmt.Errorf("compiling pattern %q: %w", spec.Pattern, err)
	}

	method := "*"
	if spec.Method != "" && spec.Method != "*" {
		method = strings.ToUpper(spec.Method)
		switch method {
		case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete,
			http.MethodPatch, http.MethodOptions, http.MethodHead:
		default:
			return nil, fmt.Errorf("unknown method %q", spec.Method)
		}
	}

	pre, err := resolveProcessors(spec.Pre, processors)
	if err != nil {
		return nil, fmt.Errorf("pre: %w", err)
	}
	post, err := resolveProcessors(spec.Post, processors)
	if err != nil {
		return nil, fmt.Errorf("post: %w", err)
	}

	return &Rule{
		Pattern:         spec.Pattern,
		Method:          method,
		Permission:      authz.Requirement{Keys: spec.Permission, All: spec.PermissionStrict},
		Roles:           authz.Requirement{Keys: spec.Roles, All: spec.RolesStrict},
		Straightforward: spec.Straightforward,
		Streaming:       spec.Streaming,
		UpstreamPath:    spec.UpstreamPath,
		Pre:             pre,
		Post:            post,
		Description:     spec.Description,
		Upstream:        upstream,
		expression:      expression,
		index:           index,
	}, nil
}

func resolveProcessors(names []string, processors map[string]Processor) ([]Processor, error) {
	if len(names) == 0 {
		return nil, nil
	}
	resolved := make([]Processor, 0, len(names))
	for _, name := range names {
		processor, ok := processors[name]
		if !ok {
			return nil, fmt.Errorf("unknown processor %q", name)
		}
		resolved = append(resolved, processor)
	}
	return resolved, nil
}

// fingerprintRules hashes the canonical encoding of the rule table.
// The fingerprint identifies the loaded table in logs and on the admin
// status endpoint, so a deployed configuration can be verified without
// diffing rule files.
func fingerprintRules(rules []*Rule) string {
	hasher := blake3.New()
	for _, rule := range rules {
		fmt.Fprintf(hasher, "%d\x00%s\x00%s\x00%v\x00%t\x00%v\x00%t\x00%t\x00%t\x00%s\x00%s\n",
			rule.index,
			rule.Pattern,
			rule.Method,
			rule.Permission.Keys,
			rule.Permission.All,
			rule.Roles.Keys,
			rule.Roles.All,
			rule.Straightforward,
			rule.Streaming,
			rule.UpstreamPath,
			rule.Upstream.Name,
		)
	}
	return hex.EncodeToString(hasher.Sum(nil)[:16])
}

// Match selects the rule for a (method, subPath) pair: among rules
// whose method is compatible and whose pattern matches a non-empty
// prefix of subPath, the longest match wins. Equal-length matches
// resolve to registration order — the first loaded rule wins. This
// tie-break is arbitrary but deterministic, and rule authors may rely
// on it. Returns nil when nothing matches; callers must answer
// Forbidden, not 404 (an unmapped path is a security failure).
func (reg *Registry) Match(method, subPath string) *Rule {
	method = strings.ToUpper(method)

	var best *Rule
	bestLength := -1
	for _, rule := range reg.rules {
		if !rule.matchesMethod(method) {
			continue
		}
		length := rule.matchLength(subPath)
		if length > bestLength {
			best = rule
			bestLength = length
		}
	}
	return best
}

// Len returns the number of loaded rules.
func (reg *Registry) Len() int { return len(reg.rules) }

// Fingerprint returns the hex BLAKE3 fingerprint of the rule table.
func (reg *Registry) Fingerprint() string { return reg.fingerprint }

// Rules returns the rule table in registration order. The slice is
// shared; callers must not modify it.
func (reg *Registry) Rules() []*Rule { return reg.rules }
