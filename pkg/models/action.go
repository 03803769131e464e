package models

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

type ActionOp string

const (
	OpAdd    ActionOp = "ADD"
	OpRemove ActionOp = "REMOVE"
)

// Action is one corrective step against a target system.
type Action struct {
	Op       ActionOp `json:"op"`
	System   string   `json:"system"`
	Resource string   `json:"resource"`
}

func AddAction(system, resource string) Action {
	return Action{Op: OpAdd, System: system, Resource: resource}
}

func RemoveAction(system, resource string) Action {
	return Action{Op: OpRemove, System: system, Resource: resource}
}

func (a Action) String() string {
	return string(a.Op) + " " + a.System + ":" + a.Resource
}

// PlanHash identifies a plan by content, order included.
func PlanHash(plan []Action) string {
	if plan == nil {
		plan = []Action{}
	}
	b, err := json.Marshal(plan)
	if err != nil {
		return ""
	}
	canon, err := CanonicalizeJSON(b)
	if err != nil {
		canon = b
	}
	h := sha256.Sum256(canon)
	return hex.EncodeToString(h[:])
}
