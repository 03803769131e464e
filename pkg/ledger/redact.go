package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"idsync/pkg/models"
)

const mask = "***"

// Redactor pseudonymizes person identifiers before they leave the process.
// A nil *Redactor passes values through unchanged.
type Redactor struct {
	Salt []byte
}

func NewRedactor(salt string) *Redactor {
	return &Redactor{Salt: []byte(salt)}
}

func (r *Redactor) PersonID(id string) string {
	if r == nil || id == "" {
		return id
	}
	return hashString(id, r.Salt)
}

func (r *Redactor) Email(email string) string {
	if r == nil {
		return email
	}
	return MaskEmail(email)
}

// Outcome returns a copy of o with identifiers redacted and connector error text
// reduced to a hash, since it may quote the identifiers back.
func (r *Redactor) Outcome(o models.Outcome) models.Outcome {
	if r == nil {
		return o
	}
	o.PersonID = r.PersonID(o.PersonID)
	o.Email = r.Email(o.Email)
	if o.Error != "" {
		o.Error = "error_hash:" + hashString(o.Error, r.Salt)[:16]
	}
	o.Actions = append([]models.Action(nil), o.Actions...)
	return o
}

// MaskEmail keeps the first two characters (runes) of the local part:
// "jonathan@example.com" becomes "jo***@example.com".
func MaskEmail(email string) string {
	if email == "" {
		return ""
	}
	local, domain, ok := strings.Cut(email, "@")
	if !ok || domain == "" {
		return mask
	}
	if r := []rune(local); len(r) > 2 {
		local = string(r[:2])
	}
	return local + mask + "@" + domain
}

func hashString(v string, salt []byte) string {
	h := sha256.New()
	if len(salt) > 0 {
		_, _ = h.Write(salt)
	}
	_, _ = h.Write([]byte(v))
	return hex.EncodeToString(h.Sum(nil))
}
