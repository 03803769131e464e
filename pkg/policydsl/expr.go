package policydsl

import (
	"fmt"
	"strconv"
	"strings"

	"idsync/pkg/models"
	"idsync/pkg/policyir"
)

// ParseExpr parses a rule condition. The accepted forms are
//
//	field == "value"
//	field != "value"
//	field in ["a", "b"]
//
// Anything else is rejected so that rules never carry executable logic.
func ParseExpr(input string) (policyir.Predicate, error) {
	s := &scanner{src: strings.TrimSpace(input)}
	if s.src == "" {
		return nil, fmt.Errorf("empty expression")
	}
	field := s.ident()
	if field == "" {
		return nil, fmt.Errorf("expected field name at offset %d", s.pos)
	}
	f := policyir.Field(field)
	if !f.Known() {
		return nil, fmt.Errorf("unknown field %q", field)
	}
	s.skipSpace()
	var pred policyir.Predicate
	switch {
	case s.consume("=="):
		v, err := s.literal()
		if err != nil {
			return nil, err
		}
		pred = policyir.Eq{Field: f, Value: v}
	case s.consume("!="):
		v, err := s.literal()
		if err != nil {
			return nil, err
		}
		pred = policyir.NotEq{Field: f, Value: v}
	case s.consumeWord("in"):
		values, err := s.list()
		if err != nil {
			return nil, err
		}
		pred = policyir.In{Field: f, Values: values}
	default:
		return nil, fmt.Errorf("unsupported operator in %q: only ==, != and in are allowed", input)
	}
	s.skipSpace()
	if !s.done() {
		return nil, fmt.Errorf("unexpected trailing input %q", s.src[s.pos:])
	}
	if err := checkLiteralValues(f, pred); err != nil {
		return nil, err
	}
	return pred, nil
}

// checkLiteralValues rejects comparisons that can never match on enum fields,
// e.g. status == "Terminatd".
func checkLiteralValues(f policyir.Field, pred policyir.Predicate) error {
	var allowed map[string]struct{}
	switch f {
	case policyir.FieldStatus:
		allowed = map[string]struct{}{string(models.Active): {}, string(models.Terminated): {}}
	case policyir.FieldEmploymentType:
		allowed = map[string]struct{}{string(models.Employee): {}, string(models.Contractor): {}}
	default:
		return nil
	}
	var values []string
	switch t := pred.(type) {
	case policyir.Eq:
		values = []string{t.Value}
	case policyir.NotEq:
		values = []string{t.Value}
	case policyir.In:
		values = t.Values
	}
	for _, v := range values {
		if _, ok := allowed[v]; !ok {
			return fmt.Errorf("%s has no value %q", f, v)
		}
	}
	return nil
}

type scanner struct {
	src string
	pos int
}

func (s *scanner) done() bool { return s.pos >= len(s.src) }

func (s *scanner) skipSpace() {
	for !s.done() && (s.src[s.pos] == ' ' || s.src[s.pos] == '\t') {
		s.pos++
	}
}

func (s *scanner) ident() string {
	s.skipSpace()
	start := s.pos
	for !s.done() {
		ch := s.src[s.pos]
		if (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z') || ch == '_' || (s.pos > start && ch >= '0' && ch <= '9') {
			s.pos++
			continue
		}
		break
	}
	return s.src[start:s.pos]
}

func (s *scanner) consume(tok string) bool {
	s.skipSpace()
	if strings.HasPrefix(s.src[s.pos:], tok) {
		s.pos += len(tok)
		return true
	}
	return false
}

// consumeWord matches tok only when followed by a space or '['.
func (s *scanner) consumeWord(tok string) bool {
	s.skipSpace()
	rest := s.src[s.pos:]
	if !strings.HasPrefix(rest, tok) {
		return false
	}
	if len(rest) > len(tok) {
		next := rest[len(tok)]
		if next != ' ' && next != '\t' && next != '[' {
			return false
		}
	}
	s.pos += len(tok)
	return true
}

// literal reads a quoted string. Double-quoted literals follow Go escape
// rules, so Predicate.String output parses back to the same value; single
// quotes additionally allow \' and a bare ".
func (s *scanner) literal() (string, error) {
	s.skipSpace()
	if s.done() {
		return "", fmt.Errorf("expected quoted literal")
	}
	quote := s.src[s.pos]
	if quote != '"' && quote != '\'' {
		return "", fmt.Errorf("expected quoted literal at offset %d", s.pos)
	}
	start := s.pos
	s.pos++
	for !s.done() {
		ch := s.src[s.pos]
		s.pos++
		switch {
		case ch == '\\' && !s.done():
			s.pos++
		case ch == quote:
			body := s.src[start+1 : s.pos-1]
			if quote == '\'' {
				body = requote(body)
			}
			v, err := strconv.Unquote(`"` + body + `"`)
			if err != nil {
				return "", fmt.Errorf("invalid literal at offset %d: %w", start, err)
			}
			return v, nil
		}
	}
	return "", fmt.Errorf("unterminated literal")
}

// requote turns the body of a single-quoted literal into a double-quoted one.
func requote(body string) string {
	var b strings.Builder
	for i := 0; i < len(body); i++ {
		switch ch := body[i]; {
		case ch == '\\' && i+1 < len(body) && body[i+1] == '\'':
			b.WriteByte('\'')
			i++
		case ch == '\\' && i+1 < len(body):
			b.WriteByte(ch)
			b.WriteByte(body[i+1])
			i++
		case ch == '"':
			b.WriteString(`\"`)
		default:
			b.WriteByte(ch)
		}
	}
	return b.String()
}

func (s *scanner) list() ([]string, error) {
	if !s.consume("[") {
		return nil, fmt.Errorf("expected '[' after in")
	}
	var out []string
	seen := map[string]struct{}{}
	for {
		s.skipSpace()
		if s.consume("]") {
			break
		}
		if len(out) > 0 && !s.consume(",") {
			return nil, fmt.Errorf("expected ',' or ']' at offset %d", s.pos)
		}
		v, err := s.literal()
		if err != nil {
			return nil, err
		}
		if _, dup := seen[v]; !dup {
			seen[v] = struct{}{}
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("membership list is empty")
	}
	return out, nil
}
