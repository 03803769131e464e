package connector

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"idsync/pkg/models"
)

type fakeMembershipService struct {
	mu      sync.Mutex
	members map[string][]string
	actions []actionRequest
	status  int
}

func (f *fakeMembershipService) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.status != 0 {
		w.WriteHeader(f.status)
		return
	}
	path := strings.TrimPrefix(r.URL.Path, "/members/")
	switch {
	case r.Method == http.MethodGet:
		resources, ok := f.members[path]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(membersResponse{Resources: resources})
	case r.Method == http.MethodPost && strings.HasSuffix(path, "/actions"):
		var req actionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.actions = append(f.actions, req)
		if req.Resource == "exists" {
			w.WriteHeader(http.StatusConflict)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func TestHTTPConnectorReadApply(t *testing.T) {
	svc := &fakeMembershipService{members: map[string][]string{"p 1": {"eng@example.com", "all@example.com"}}}
	srv := httptest.NewServer(svc)
	defer srv.Close()

	c := NewHTTP("google", srv.URL+"/")
	c.Client = srv.Client()
	ctx := context.Background()

	got, err := c.Read(ctx, "p 1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || !got.Has("all@example.com") {
		t.Fatalf("unexpected members: %v", got.Sorted())
	}
	none, err := c.Read(ctx, "unknown")
	if err != nil || len(none) != 0 {
		t.Fatalf("expected empty set for 404, got %v %v", none, err)
	}
	if err := c.Apply(ctx, "p 1", models.AddAction("google", "new@example.com")); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if err := c.Apply(ctx, "p 1", models.AddAction("google", "exists")); err != nil {
		t.Fatalf("409 should count as success: %v", err)
	}
	if len(svc.actions) != 2 || svc.actions[0].Op != models.OpAdd || svc.actions[0].Resource != "new@example.com" {
		t.Fatalf("unexpected actions sent: %+v", svc.actions)
	}
}

func TestHTTPConnectorErrors(t *testing.T) {
	svc := &fakeMembershipService{status: http.StatusForbidden}
	srv := httptest.NewServer(svc)
	defer srv.Close()
	c := NewHTTP("github", srv.URL)
	c.Client = srv.Client()
	c.Retries = 0

	if _, err := c.Read(context.Background(), "p1"); err == nil || !strings.Contains(err.Error(), "403") {
		t.Fatalf("expected upstream status error, got %v", err)
	}
	if err := c.Apply(context.Background(), "p1", models.RemoveAction("github", "t")); err == nil {
		t.Fatal("expected apply error")
	}
	if _, err := NewHTTP("github", "").Read(context.Background(), "p1"); err == nil {
		t.Fatal("expected error for empty base url")
	}

	svc.status = 0
	svc.members = map[string][]string{}
	garbage := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("not json"))
	}))
	defer garbage.Close()
	bad := NewHTTP("github", garbage.URL)
	bad.Client = garbage.Client()
	if _, err := bad.Read(context.Background(), "p1"); err == nil || !strings.Contains(err.Error(), "decode") {
		t.Fatalf("expected decode error, got %v", err)
	}
}
