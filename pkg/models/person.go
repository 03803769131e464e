package models

import (
	"fmt"
	"strings"
	"unicode"
)

type EmploymentType string

const (
	Employee   EmploymentType = "Employee"
	Contractor EmploymentType = "Contractor"
)

type Status string

const (
	Active     Status = "Active"
	Terminated Status = "Terminated"
)

const maxAttributeLen = 128

// Person is one roster record. It is a read-only snapshot for a reconciliation cycle.
type Person struct {
	ID             string         `json:"id"`
	Email          string         `json:"email,omitempty"`
	Department     string         `json:"department"`
	Title          string         `json:"title,omitempty"`
	Location       string         `json:"location"`
	EmploymentType EmploymentType `json:"employment_type"`
	Status         Status         `json:"status"`
}

func (p Person) IsTerminated() bool { return p.Status == Terminated }

func (p Person) IsContractor() bool { return p.EmploymentType == Contractor }

// Validate runs both identity and attribute checks.
func (p Person) Validate() error {
	if err := p.ValidateIdentity(); err != nil {
		return err
	}
	return p.ValidateAttributes()
}

// ValidateIdentity checks the fields needed to decide whether a person is terminated.
func (p Person) ValidateIdentity() error {
	if strings.TrimSpace(p.ID) == "" {
		return fmt.Errorf("%w: person id is required", ErrInvalidInput)
	}
	switch p.Status {
	case Active, Terminated:
		return nil
	default:
		return fmt.Errorf("%w: person %s has unknown status %q", ErrInvalidInput, p.ID, p.Status)
	}
}

// ValidateAttributes checks the fields policy rules are evaluated against.
func (p Person) ValidateAttributes() error {
	if err := validateAttribute("department", p.Department, true); err != nil {
		return fmt.Errorf("%w: person %s: %v", ErrInvalidInput, p.ID, err)
	}
	if err := validateAttribute("location", p.Location, false); err != nil {
		return fmt.Errorf("%w: person %s: %v", ErrInvalidInput, p.ID, err)
	}
	if err := validateAttribute("title", p.Title, false); err != nil {
		return fmt.Errorf("%w: person %s: %v", ErrInvalidInput, p.ID, err)
	}
	switch p.EmploymentType {
	case Employee, Contractor:
		return nil
	default:
		return fmt.Errorf("%w: person %s has unknown employment type %q", ErrInvalidInput, p.ID, p.EmploymentType)
	}
}

func validateAttribute(name, value string, required bool) error {
	if value == "" {
		if required {
			return fmt.Errorf("%s is required", name)
		}
		return nil
	}
	if strings.TrimSpace(value) != value {
		return fmt.Errorf("%s %q has surrounding whitespace", name, value)
	}
	if len(value) > maxAttributeLen {
		return fmt.Errorf("%s exceeds %d bytes", name, maxAttributeLen)
	}
	for _, r := range value {
		if r == unicode.ReplacementChar || !unicode.IsPrint(r) {
			return fmt.Errorf("%s %q contains non-printable characters", name, value)
		}
	}
	return nil
}
