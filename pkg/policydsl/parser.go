package policydsl

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"idsync/pkg/models"
	"idsync/pkg/policyir"
)

var systemNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_-]*$`)

// fragmentDoc is the YAML shape system -> kind -> resource names,
// e.g. {google: {groups: [eng@example.com]}}.
type fragmentDoc map[string]map[string][]string

type ruleDoc struct {
	Name  string      `yaml:"name,omitempty"`
	When  string      `yaml:"when"`
	Grant fragmentDoc `yaml:"grant"`
}

type contractorDoc struct {
	Allow fragmentDoc `yaml:"allow"`
}

type document struct {
	PolicySet   string                 `yaml:"policyset"`
	Version     string                 `yaml:"version"`
	Systems     map[string]string      `yaml:"systems,omitempty"`
	Roles       map[string]fragmentDoc `yaml:"roles"`
	Rules       []ruleDoc              `yaml:"rules"`
	Contractors *contractorDoc         `yaml:"contractors,omitempty"`
}

// LoadFile reads and parses a policy document.
func LoadFile(path string) (*policyir.PolicySetIR, error) {
	raw, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read policy %s: %w", path, err)
	}
	return Parse(raw)
}

// Parse decodes and validates a YAML policy document. Every problem is reported
// as a *models.ConfigurationError; nothing is deferred to evaluation time.
func Parse(input []byte) (*policyir.PolicySetIR, error) {
	dec := yaml.NewDecoder(bytes.NewReader(input))
	dec.KnownFields(true)
	var doc document
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, models.ConfigErrorf("document", "empty policy document")
		}
		return nil, models.ConfigErrorf("document", "%v", err)
	}
	return compile(doc)
}

func compile(doc document) (*policyir.PolicySetIR, error) {
	policy := &policyir.PolicySetIR{
		ID:      strings.TrimSpace(doc.PolicySet),
		Version: strings.TrimSpace(doc.Version),
		Systems: map[string]string{},
		Roles:   map[string]policyir.Fragment{},
	}
	if policy.ID == "" {
		return nil, models.ConfigErrorf("policyset", "name is required")
	}
	if len(doc.Systems) == 0 {
		policy.Systems = policyir.DefaultSystems()
	}
	for system, kind := range doc.Systems {
		if !systemNamePattern.MatchString(system) {
			return nil, models.ConfigErrorf("systems", "invalid system name %q", system)
		}
		kind = strings.TrimSpace(kind)
		if kind == "" {
			return nil, models.ConfigErrorf("systems."+system, "resource kind is required")
		}
		policy.Systems[system] = kind
	}
	for dept, frag := range doc.Roles {
		field := fmt.Sprintf("roles[%q]", dept)
		if strings.TrimSpace(dept) == "" || strings.TrimSpace(dept) != dept {
			return nil, models.ConfigErrorf(field, "department key must be non-empty and trimmed")
		}
		compiled, err := compileFragment(field, frag, policy.Systems)
		if err != nil {
			return nil, err
		}
		policy.Roles[dept] = compiled
	}
	for i, rd := range doc.Rules {
		field := fmt.Sprintf("rules[%d]", i)
		if strings.TrimSpace(rd.When) == "" {
			return nil, models.ConfigErrorf(field+".when", "condition is required")
		}
		pred, err := ParseExpr(rd.When)
		if err != nil {
			return nil, models.ConfigErrorf(field+".when", "%v", err)
		}
		rule := policyir.AttributeRule{Name: strings.TrimSpace(rd.Name), When: pred}
		if rule.Name == "" {
			rule.Name = fmt.Sprintf("rule-%d", i+1)
		}
		if len(rd.Grant) > 0 {
			grant, err := compileFragment(field+".grant", rd.Grant, policy.Systems)
			if err != nil {
				return nil, err
			}
			rule.Grant = grant
		}
		policy.Rules = append(policy.Rules, rule)
	}
	if doc.Contractors != nil && len(doc.Contractors.Allow) > 0 {
		allowed, err := compileFragment("contractors.allow", doc.Contractors.Allow, policy.Systems)
		if err != nil {
			return nil, err
		}
		policy.ContractorAllowed = allowed
	}
	return policy, nil
}

func compileFragment(field string, frag fragmentDoc, systems map[string]string) (policyir.Fragment, error) {
	out := models.NewEntitlementSet()
	for system, kinds := range frag {
		kind, ok := systems[system]
		if !ok {
			return nil, models.ConfigErrorf(field, "unknown system %q", system)
		}
		for k, names := range kinds {
			if k != kind {
				return nil, models.ConfigErrorf(field+"."+system, "system %q holds %q, not %q", system, kind, k)
			}
			for _, n := range names {
				if strings.TrimSpace(n) == "" || strings.TrimSpace(n) != n {
					return nil, models.ConfigErrorf(field+"."+system, "resource name %q must be non-empty and trimmed", n)
				}
				out.Add(system, n)
			}
		}
	}
	return out, nil
}

// Marshal renders a policy back to its YAML document form.
func Marshal(policy *policyir.PolicySetIR) ([]byte, error) {
	if policy == nil {
		return nil, errors.New("nil policy")
	}
	doc := document{
		PolicySet: policy.ID,
		Version:   policy.Version,
		Systems:   policy.Systems,
		Roles:     map[string]fragmentDoc{},
	}
	for dept, frag := range policy.Roles {
		doc.Roles[dept] = fragmentToDoc(frag, policy.Systems)
	}
	for _, r := range policy.Rules {
		rd := ruleDoc{Name: r.Name, When: r.When.String()}
		if r.Grant != nil {
			rd.Grant = fragmentToDoc(r.Grant, policy.Systems)
		}
		doc.Rules = append(doc.Rules, rd)
	}
	if !policy.ContractorAllowed.IsEmpty() {
		doc.Contractors = &contractorDoc{Allow: fragmentToDoc(policy.ContractorAllowed, policy.Systems)}
	}
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func fragmentToDoc(frag policyir.Fragment, systems map[string]string) fragmentDoc {
	out := fragmentDoc{}
	for _, system := range frag.Systems() {
		out[system] = map[string][]string{systems[system]: frag[system].Sorted()}
	}
	return out
}
