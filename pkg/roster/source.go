// Package roster supplies batches of person records to the reconciliation
// orchestrator. Records are passed through as decoded; validation happens
// per person inside a run.
package roster

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"idsync/pkg/models"
)

// Source yields the next batch of persons to reconcile.
type Source interface {
	Batch(ctx context.Context) ([]models.Person, error)
}

// Static returns the same batch on every call.
type Static []models.Person

func (s Static) Batch(ctx context.Context) ([]models.Person, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return append([]models.Person(nil), s...), nil
}

// JSONFile reads a JSON array of persons from Path on every call.
type JSONFile struct {
	Path string
}

func (f JSONFile) Batch(ctx context.Context) ([]models.Person, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(filepath.Clean(f.Path))
	if err != nil {
		return nil, fmt.Errorf("read roster %s: %w", f.Path, err)
	}
	return Decode(raw)
}

// Decode parses a JSON array of persons. Unknown fields are ignored so HR
// exports can carry extra columns.
func Decode(raw []byte) ([]models.Person, error) {
	var people []models.Person
	if err := json.Unmarshal(raw, &people); err != nil {
		return nil, fmt.Errorf("decode roster: %w", err)
	}
	return people, nil
}

// dedupe keeps one record per person ID, the last one seen, in order of first
// appearance. Records without an ID are kept as-is so the run can report them.
func dedupe(people []models.Person) []models.Person {
	index := map[string]int{}
	out := make([]models.Person, 0, len(people))
	for _, p := range people {
		if p.ID == "" {
			out = append(out, p)
			continue
		}
		if i, ok := index[p.ID]; ok {
			out[i] = p
			continue
		}
		index[p.ID] = len(out)
		out = append(out, p)
	}
	return out
}
