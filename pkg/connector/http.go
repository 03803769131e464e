package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"idsync/pkg/httpx"
	"idsync/pkg/models"
	"idsync/pkg/telemetry"
)

// HTTP talks to a generic membership service:
//
//	GET  {BaseURL}/members/{id}          -> {"resources": ["..."]}
//	POST {BaseURL}/members/{id}/actions  <- {"op": "ADD", "resource": "..."}
//
// A 404 on read means no memberships. 409 on apply is treated as already done.
type HTTP struct {
	Name       string
	BaseURL    string
	Client     *http.Client
	Headers    map[string]string
	Retries    int
	RetryDelay time.Duration
}

func NewHTTP(system, baseURL string) *HTTP {
	return &HTTP{
		Name:       system,
		BaseURL:    strings.TrimRight(baseURL, "/"),
		Client:     telemetry.InstrumentClient(&http.Client{Timeout: 5 * time.Second}),
		Retries:    1,
		RetryDelay: 100 * time.Millisecond,
	}
}

func (h *HTTP) System() string { return h.Name }

type membersResponse struct {
	Resources []string `json:"resources"`
}

type actionRequest struct {
	Op       models.ActionOp `json:"op"`
	System   string          `json:"system"`
	Resource string          `json:"resource"`
}

func (h *HTTP) memberURL(personID string) (string, error) {
	if strings.TrimSpace(h.BaseURL) == "" {
		return "", fmt.Errorf("%s connector: base url is empty", h.Name)
	}
	return h.BaseURL + "/members/" + url.PathEscape(personID), nil
}

func (h *HTTP) Read(ctx context.Context, personID string) (models.ResourceSet, error) {
	endpoint, err := h.memberURL(personID)
	if err != nil {
		return nil, err
	}
	status, body, err := httpx.RequestJSON(ctx, h.Client, http.MethodGet, endpoint, nil, h.Headers, h.Retries, h.RetryDelay)
	if err != nil {
		return nil, err
	}
	switch {
	case status == http.StatusNotFound:
		return models.ResourceSet{}, nil
	case status >= 300:
		return nil, fmt.Errorf("%s read %s: upstream status %d", h.Name, personID, status)
	}
	var resp membersResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%s read %s: decode: %w", h.Name, personID, err)
	}
	return models.NewResourceSet(resp.Resources...), nil
}

func (h *HTTP) Apply(ctx context.Context, personID string, action models.Action) error {
	endpoint, err := h.memberURL(personID)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(actionRequest{Op: action.Op, System: action.System, Resource: action.Resource})
	if err != nil {
		return err
	}
	status, _, err := httpx.RequestJSON(ctx, h.Client, http.MethodPost, endpoint+"/actions", payload, h.Headers, h.Retries, h.RetryDelay)
	if err != nil {
		return err
	}
	if status == http.StatusConflict || (status >= 200 && status < 300) {
		return nil
	}
	return fmt.Errorf("%s %s: upstream status %d", h.Name, action, status)
}
