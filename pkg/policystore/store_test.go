package policystore

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"idsync/pkg/models"
	"idsync/pkg/policyir"
)

func frag(pairs ...string) policyir.Fragment {
	out := models.NewEntitlementSet()
	for i := 0; i+1 < len(pairs); i += 2 {
		out.Add(pairs[i], pairs[i+1])
	}
	return out
}

func corpIR() *policyir.PolicySetIR {
	return &policyir.PolicySetIR{
		ID:      "corp",
		Version: "v1",
		Systems: policyir.DefaultSystems(),
		Roles: map[string]policyir.Fragment{
			"Engineering": frag("google", "engineering@example.com", "github", "backend"),
			"Sales":       frag("google", "sales@example.com"),
		},
		Rules: []policyir.AttributeRule{
			{Name: "eu", When: policyir.Eq{Field: policyir.FieldLocation, Value: "EU"}, Grant: frag("google", "gdpr-training@example.com")},
			{Name: "noop", When: policyir.Eq{Field: policyir.FieldDepartment, Value: "Engineering"}},
		},
	}
}

func TestResolveUnionsRoleAndRules(t *testing.T) {
	s, err := New(corpIR())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	got := s.Resolve(models.Person{ID: "p1", Department: "Engineering", Location: "EU"})
	want := frag("google", "engineering@example.com", "github", "backend", "google", "gdpr-training@example.com")
	if !got.Equal(want) {
		t.Fatalf("got %v want %v", got.Sorted(), want.Sorted())
	}
	if got := s.Resolve(models.Person{ID: "p2", Department: "Legal", Location: "US"}); !got.IsEmpty() {
		t.Fatalf("expected empty set for unmapped department, got %v", got.Sorted())
	}
}

func TestResolveDoesNotLeakStorage(t *testing.T) {
	s, err := New(corpIR())
	if err != nil {
		t.Fatal(err)
	}
	got := s.Resolve(models.Person{Department: "Sales"})
	got.Add("google", "mutated@example.com")
	if s.Resolve(models.Person{Department: "Sales"}).Has("google", "mutated@example.com") {
		t.Fatal("Resolve returned shared role storage")
	}
	if !s.ContractorAllowed().IsEmpty() {
		t.Fatal("expected empty default whitelist")
	}
}

func TestNewCopiesInput(t *testing.T) {
	ir := corpIR()
	s, err := New(ir)
	if err != nil {
		t.Fatal(err)
	}
	ir.Roles["Sales"].Add("google", "late@example.com")
	if s.Resolve(models.Person{Department: "Sales"}).Has("google", "late@example.com") {
		t.Fatal("store observed mutation of its source IR")
	}
}

func TestNewRejectsInvalidIR(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		mutate func(ir *policyir.PolicySetIR)
		field  string
	}{
		{"missing_id", func(ir *policyir.PolicySetIR) { ir.ID = "" }, "policyset"},
		{"no_systems", func(ir *policyir.PolicySetIR) { ir.Systems = nil }, "systems"},
		{"unknown_role_system", func(ir *policyir.PolicySetIR) { ir.Roles["Sales"].Add("slack", "x") }, `roles["Sales"]`},
		{"nil_condition", func(ir *policyir.PolicySetIR) { ir.Rules[0].When = nil }, "rules[0].when"},
		{"unknown_field", func(ir *policyir.PolicySetIR) {
			ir.Rules[1].When = policyir.Eq{Field: "grade", Value: "L5"}
		}, "rules[1].when"},
		{"empty_in", func(ir *policyir.PolicySetIR) {
			ir.Rules[1].When = policyir.In{Field: policyir.FieldLocation}
		}, "rules[1].when"},
		{"unknown_whitelist_system", func(ir *policyir.PolicySetIR) { ir.ContractorAllowed = frag("jira", "CORE") }, "contractors.allow"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ir := corpIR()
			tt.mutate(ir)
			_, err := New(ir)
			var cfgErr *models.ConfigurationError
			if !errors.As(err, &cfgErr) || cfgErr.Field != tt.field {
				t.Fatalf("expected configuration error on %s, got %v", tt.field, err)
			}
		})
	}
}

func TestHolderReload(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.yaml")
	bad := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(good, []byte("policyset: corp\nversion: v2\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(bad, []byte("policyset: corp\nrules:\n  - when: grade == \"L5\"\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	initial, err := New(corpIR())
	if err != nil {
		t.Fatal(err)
	}
	h := NewHolder(initial)
	if _, err := h.ReloadFile(bad); !models.IsConfigurationError(err) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	if h.Load() != initial {
		t.Fatal("failed reload replaced the active store")
	}
	next, err := h.ReloadFile(good)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if h.Load() != next || next.Version() != "v2" {
		t.Fatalf("unexpected active store: %+v", h.Load())
	}
	if initial.Version() != "v1" {
		t.Fatal("old snapshot changed after swap")
	}
	if _, err := h.Swap(nil); err == nil {
		t.Fatal("expected error swapping nil")
	}
}

func TestHolderConcurrentLoad(t *testing.T) {
	a, _ := New(corpIR())
	b, _ := New(corpIR())
	h := NewHolder(a)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				if i%2 == 0 {
					_, _ = h.Swap(b)
				} else if h.Load() == nil {
					t.Error("nil store observed")
				}
			}
		}(i)
	}
	wg.Wait()
}
