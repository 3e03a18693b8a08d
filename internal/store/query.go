package store

import (
	"cmp"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/bytedance/sonic"
)

// Query is a parsed subscription query over one collection, with an
// optional single where condition and optional include paths. Include
// paths are recorded but not evaluated during matching.
//
// Grammar: from <collection> [where <field> <op> <literal>] [include <path>, ...]
type Query struct {
	Collection string
	Includes   []string
	Raw        string

	where *condition
}

type condition struct {
	field string
	op    string
	value any
}

func ParseQuery(raw string) (*Query, error) {
	toks, err := tokenize(raw)
	if err != nil {
		return nil, fmt.Errorf("parse query %q: %w", raw, err)
	}
	p := parser{toks: toks}

	if !p.keyword("from") {
		return nil, fmt.Errorf("parse query %q: expected 'from'", raw)
	}
	coll, ok := p.next()
	if !ok || coll.text == "" {
		return nil, fmt.Errorf("parse query %q: expected collection", raw)
	}
	q := &Query{Collection: coll.text, Raw: raw}

	if p.keyword("where") {
		cond, err := p.condition()
		if err != nil {
			return nil, fmt.Errorf("parse query %q: %w", raw, err)
		}
		q.where = cond
	}
	if p.keyword("include") {
		paths, err := p.paths()
		if err != nil {
			return nil, fmt.Errorf("parse query %q: %w", raw, err)
		}
		q.Includes = paths
	}
	if !p.done() {
		return nil, fmt.Errorf("parse query %q: unexpected %q", raw, p.peek().text)
	}
	return q, nil
}

// Match reports whether a document satisfies the query.
func (q *Query) Match(d *Doc) bool {
	if !strings.EqualFold(d.Collection, q.Collection) {
		return false
	}
	if q.where == nil {
		return true
	}
	var fields map[string]any
	if err := sonic.Unmarshal(d.Data, &fields); err != nil {
		return false
	}
	v, ok := lookup(fields, q.where.field)
	if !ok {
		return false
	}
	return q.where.eval(v)
}

func lookup(fields map[string]any, path string) (any, bool) {
	cur := any(fields)
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func (c *condition) eval(v any) bool {
	switch want := c.value.(type) {
	case float64:
		got, ok := v.(float64)
		if !ok {
			return false
		}
		return ordered(cmp.Compare(got, want), c.op)
	case string:
		got, ok := v.(string)
		if !ok {
			return false
		}
		return ordered(cmp.Compare(got, want), c.op)
	case bool:
		got, ok := v.(bool)
		if !ok {
			return false
		}
		switch c.op {
		case "=", "==":
			return got == want
		case "!=":
			return got != want
		}
	}
	return false
}

func ordered(cmp int, op string) bool {
	switch op {
	case "<":
		return cmp < 0
	case "<=":
		return cmp <= 0
	case ">":
		return cmp > 0
	case ">=":
		return cmp >= 0
	case "=", "==":
		return cmp == 0
	case "!=":
		return cmp != 0
	}
	return false
}

type token struct {
	text   string
	quoted bool
}

func tokenize(s string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(s) {
		c := s[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '\'' || c == '"':
			j := strings.IndexByte(s[i+1:], c)
			if j < 0 {
				return nil, errors.New("unterminated string")
			}
			toks = append(toks, token{text: s[i+1 : i+1+j], quoted: true})
			i += j + 2
		case c == ',':
			toks = append(toks, token{text: ","})
			i++
		default:
			j := i
			for j < len(s) && !isDelim(s[j]) {
				j++
			}
			toks = append(toks, token{text: s[i:j]})
			i = j
		}
	}
	return toks, nil
}

func isDelim(c byte) bool {
	switch c {
	case ' ', '\t', '\n', '\r', ',', '\'', '"':
		return true
	}
	return false
}

type parser struct {
	toks []token
	pos  int
}

func (p *parser) done() bool  { return p.pos >= len(p.toks) }
func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) next() (token, bool) {
	if p.done() {
		return token{}, false
	}
	t := p.toks[p.pos]
	p.pos++
	return t, true
}

func (p *parser) keyword(kw string) bool {
	if p.done() {
		return false
	}
	t := p.toks[p.pos]
	if !t.quoted && strings.EqualFold(t.text, kw) {
		p.pos++
		return true
	}
	return false
}

func (p *parser) condition() (*condition, error) {
	field, ok := p.next()
	if !ok {
		return nil, errors.New("expected field")
	}
	op, ok := p.next()
	if !ok {
		return nil, errors.New("expected operator")
	}
	switch op.text {
	case "<", "<=", ">", ">=", "=", "==", "!=":
	default:
		return nil, fmt.Errorf("unsupported operator %q", op.text)
	}
	val, ok := p.next()
	if !ok {
		return nil, errors.New("expected literal")
	}

	c := &condition{field: field.text, op: op.text}
	switch {
	case val.quoted:
		c.value = val.text
	case val.text == "true":
		c.value = true
	case val.text == "false":
		c.value = false
	default:
		f, err := strconv.ParseFloat(val.text, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid literal %q", val.text)
		}
		c.value = f
	}
	return c, nil
}

func (p *parser) paths() ([]string, error) {
	var paths []string
	for {
		t, ok := p.next()
		if !ok || t.text == "," {
			return nil, errors.New("expected include path")
		}
		paths = append(paths, t.text)
		if p.done() {
			return paths, nil
		}
		if p.peek().text != "," {
			return paths, nil
		}
		p.pos++
	}
}
