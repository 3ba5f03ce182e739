// Package filter implements the property filter language used by the
// service registry and the component runtime to select services by their
// property maps.
//
// The syntax is the classic attribute-filter grammar: a parenthesized
// expression tree built from comparison items and the boolean combinators
// '&', '|' and '!':
//
//	(objectClass=db.pool)
//	(&(objectClass=db.pool)(service.ranking>=10))
//	(|(vendor~=acme)(vendor=Acme*))
//	(!(hidden=*))
//
// A parsed Filter is immutable; Matches is a pure function and is safe to
// call concurrently from any number of goroutines against the same Filter.
package filter

import (
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
	"unicode"
)

// Kind identifies a node in the filter expression tree.
type Kind int

const (
	// Equals matches when the attribute value equals the operand, or when
	// any element of a collection-valued attribute equals it.
	Equals Kind = iota

	// Approx matches like Equals but ignores case and surrounding whitespace.
	Approx

	// GreaterEq matches when the attribute value is >= the operand.
	GreaterEq

	// LessEq matches when the attribute value is <= the operand.
	LessEq

	// Present matches when the attribute exists, regardless of its value.
	// Empty collections still count as present.
	Present

	// And matches when every child matches. At least one child is required.
	And

	// Or matches when any child matches. At least one child is required.
	Or

	// Not matches when its single child does not.
	Not
)

// String returns the operator spelling for the node kind.
func (k Kind) String() string {
	switch k {
	case Equals:
		return "="
	case Approx:
		return "~="
	case GreaterEq:
		return ">="
	case LessEq:
		return "<="
	case Present:
		return "=*"
	case And:
		return "&"
	case Or:
		return "|"
	case Not:
		return "!"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// SyntaxError reports a malformed filter expression. It is always surfaced
// to the caller; a malformed filter never degrades to match-nothing.
type SyntaxError struct {
	Expr   string // the full expression being parsed
	Pos    int    // byte offset where parsing failed
	Reason string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("filter syntax error at position %d: %s in %q", e.Pos, e.Reason, e.Expr)
}

// Filter is one node of a parsed filter expression. The zero value is not
// usable; obtain Filters from Parse.
type Filter struct {
	kind     Kind
	attr     string
	value    string
	children []*Filter
}

// Parse parses a filter expression. The returned error, if non-nil, is a
// *SyntaxError.
func Parse(expr string) (*Filter, error) {
	p := &parser{expr: expr}
	p.skipSpace()
	if p.pos >= len(p.expr) {
		return nil, p.errorf(p.pos, "empty expression")
	}
	f, err := p.parseFilter()
	if err != nil {
		return nil, err
	}
	p.skipSpace()
	if p.pos != len(p.expr) {
		return nil, p.errorf(p.pos, "unexpected trailing characters")
	}
	return f, nil
}

// MustParse is Parse for expressions known to be valid at compile time.
// It panics on a syntax error.
func MustParse(expr string) *Filter {
	f, err := Parse(expr)
	if err != nil {
		panic(err)
	}
	return f
}

// Kind returns the node kind.
func (f *Filter) Kind() Kind { return f.kind }

// Attribute returns the attribute name of a comparison node, or "" for
// combinator nodes.
func (f *Filter) Attribute() string { return f.attr }

// Operand returns the raw operand text of a comparison node.
func (f *Filter) Operand() string { return f.value }

// Children returns the child nodes of a combinator node.
func (f *Filter) Children() []*Filter { return f.children }

// Matches evaluates the filter against a property map. It has no side
// effects and always returns the same result for the same inputs.
func (f *Filter) Matches(props map[string]any) bool {
	switch f.kind {
	case And:
		for _, c := range f.children {
			if !c.Matches(props) {
				return false
			}
		}
		return true
	case Or:
		for _, c := range f.children {
			if c.Matches(props) {
				return true
			}
		}
		return false
	case Not:
		return !f.children[0].Matches(props)
	case Present:
		_, ok := lookup(props, f.attr)
		return ok
	default:
		v, ok := lookup(props, f.attr)
		if !ok {
			return false
		}
		return matchValue(f.kind, f.value, v)
	}
}

// Equals reports structural equality: same node kinds, attributes, operands
// and children in the same order. It is used to detect identical
// requirement targets without re-rendering the expression text.
func (f *Filter) Equals(o *Filter) bool {
	if f == o {
		return true
	}
	if f == nil || o == nil {
		return false
	}
	if f.kind != o.kind || f.attr != o.attr || f.value != o.value || len(f.children) != len(o.children) {
		return false
	}
	for i, c := range f.children {
		if !c.Equals(o.children[i]) {
			return false
		}
	}
	return true
}

// String renders the canonical text form. The result round-trips through
// Parse to a structurally equal filter.
func (f *Filter) String() string {
	var b strings.Builder
	f.render(&b)
	return b.String()
}

func (f *Filter) render(b *strings.Builder) {
	b.WriteByte('(')
	switch f.kind {
	case And, Or, Not:
		b.WriteString(f.kind.String())
		for _, c := range f.children {
			c.render(b)
		}
	case Present:
		b.WriteString(f.attr)
		b.WriteString("=*")
	default:
		b.WriteString(f.attr)
		b.WriteString(f.kind.String())
		b.WriteString(escapeOperand(f.value))
	}
	b.WriteByte(')')
}

func escapeOperand(v string) string {
	var b strings.Builder
	for i := 0; i < len(v); i++ {
		c := v[i]
		if c == '\x00' && i+1 < len(v) && v[i+1] == '*' {
			b.WriteString(`\*`)
			i++
			continue
		}
		if c == '(' || c == ')' || c == '\\' {
			b.WriteByte('\\')
		}
		b.WriteByte(c)
	}
	return b.String()
}

// Equal builds an equality node matching the value literally; '*' in the
// value is not a wildcard.
func Equal(attr, value string) *Filter {
	return &Filter{kind: Equals, attr: attr, value: strings.ReplaceAll(value, "*", "\x00*")}
}

// Exists builds a presence node for the attribute.
func Exists(attr string) *Filter {
	return &Filter{kind: Present, attr: attr}
}

// AllOf combines filters conjunctively. Nil children are dropped; a single
// remaining child is returned as-is and an empty combination returns nil.
func AllOf(children ...*Filter) *Filter {
	kept := make([]*Filter, 0, len(children))
	for _, c := range children {
		if c != nil {
			kept = append(kept, c)
		}
	}
	switch len(kept) {
	case 0:
		return nil
	case 1:
		return kept[0]
	default:
		return &Filter{kind: And, children: kept}
	}
}

// AnyOf combines filters disjunctively, with the same nil handling as
// AllOf.
func AnyOf(children ...*Filter) *Filter {
	kept := make([]*Filter, 0, len(children))
	for _, c := range children {
		if c != nil {
			kept = append(kept, c)
		}
	}
	switch len(kept) {
	case 0:
		return nil
	case 1:
		return kept[0]
	default:
		return &Filter{kind: Or, children: kept}
	}
}

type parser struct {
	expr string
	pos  int
}

func (p *parser) errorf(pos int, format string, args ...any) error {
	return &SyntaxError{Expr: p.expr, Pos: pos, Reason: fmt.Sprintf(format, args...)}
}

func (p *parser) skipSpace() {
	for p.pos < len(p.expr) && (p.expr[p.pos] == ' ' || p.expr[p.pos] == '\t' || p.expr[p.pos] == '\n') {
		p.pos++
	}
}

func (p *parser) parseFilter() (*Filter, error) {
	p.skipSpace()
	if p.pos >= len(p.expr) || p.expr[p.pos] != '(' {
		return nil, p.errorf(p.pos, "expected '('")
	}
	p.pos++
	f, err := p.parseComp()
	if err != nil {
		return nil, err
	}
	p.skipSpace()
	if p.pos >= len(p.expr) || p.expr[p.pos] != ')' {
		return nil, p.errorf(p.pos, "unbalanced parentheses")
	}
	p.pos++
	return f, nil
}

func (p *parser) parseComp() (*Filter, error) {
	p.skipSpace()
	if p.pos >= len(p.expr) {
		return nil, p.errorf(p.pos, "unexpected end of expression")
	}
	switch p.expr[p.pos] {
	case '&':
		p.pos++
		children, err := p.parseList()
		if err != nil {
			return nil, err
		}
		return &Filter{kind: And, children: children}, nil
	case '|':
		p.pos++
		children, err := p.parseList()
		if err != nil {
			return nil, err
		}
		return &Filter{kind: Or, children: children}, nil
	case '!':
		p.pos++
		child, err := p.parseFilter()
		if err != nil {
			return nil, err
		}
		p.skipSpace()
		if p.pos < len(p.expr) && p.expr[p.pos] == '(' {
			return nil, p.errorf(p.pos, "'!' takes exactly one operand")
		}
		return &Filter{kind: Not, children: []*Filter{child}}, nil
	default:
		return p.parseItem()
	}
}

func (p *parser) parseList() ([]*Filter, error) {
	var children []*Filter
	p.skipSpace()
	for p.pos < len(p.expr) && p.expr[p.pos] == '(' {
		child, err := p.parseFilter()
		if err != nil {
			return nil, err
		}
		children = append(children, child)
		p.skipSpace()
	}
	if len(children) == 0 {
		return nil, p.errorf(p.pos, "combinator requires at least one operand")
	}
	return children, nil
}

func (p *parser) parseItem() (*Filter, error) {
	start := p.pos
	attr, err := p.parseAttr()
	if err != nil {
		return nil, err
	}
	if attr == "" {
		return nil, p.errorf(start, "empty attribute name")
	}
	for _, r := range attr {
		if !isAttrRune(r) {
			return nil, p.errorf(start, "invalid character %q in attribute name", r)
		}
	}
	kind, err := p.parseOperator()
	if err != nil {
		return nil, err
	}
	value, err := p.parseOperand()
	if err != nil {
		return nil, err
	}
	if kind == Equals && value == "*" {
		return &Filter{kind: Present, attr: attr}, nil
	}
	if value == "" {
		return nil, p.errorf(p.pos, "empty operand for attribute %q", attr)
	}
	return &Filter{kind: kind, attr: attr, value: value}, nil
}

func (p *parser) parseAttr() (string, error) {
	start := p.pos
	for p.pos < len(p.expr) {
		switch p.expr[p.pos] {
		case '=', '~', '>', '<':
			return strings.TrimSpace(p.expr[start:p.pos]), nil
		case '(', ')':
			return "", p.errorf(p.pos, "unexpected %q in attribute name", p.expr[p.pos])
		}
		p.pos++
	}
	return "", p.errorf(start, "missing operator")
}

func (p *parser) parseOperator() (Kind, error) {
	c := p.expr[p.pos]
	if c == '=' {
		p.pos++
		return Equals, nil
	}
	if p.pos+1 >= len(p.expr) || p.expr[p.pos+1] != '=' {
		return 0, p.errorf(p.pos, "unknown operator %q", string(c))
	}
	p.pos += 2
	switch c {
	case '~':
		return Approx, nil
	case '>':
		return GreaterEq, nil
	case '<':
		return LessEq, nil
	}
	return 0, p.errorf(p.pos-2, "unknown operator %q", string(c)+"=")
}

func (p *parser) parseOperand() (string, error) {
	var b strings.Builder
	for p.pos < len(p.expr) {
		c := p.expr[p.pos]
		switch c {
		case ')':
			return b.String(), nil
		case '(':
			return "", p.errorf(p.pos, "unescaped '(' in operand")
		case '\\':
			if p.pos+1 >= len(p.expr) {
				return "", p.errorf(p.pos, "trailing escape")
			}
			p.pos++
			b.WriteByte(p.expr[p.pos])
			// mark the escaped byte so wildcard matching treats it literally
			if p.expr[p.pos] == '*' {
				s := b.String()
				b.Reset()
				b.WriteString(s[:len(s)-1])
				b.WriteString("\x00*")
			}
		default:
			b.WriteByte(c)
		}
		p.pos++
	}
	return "", p.errorf(p.pos, "unbalanced parentheses")
}

func isAttrRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '.' || r == '-' || r == '_'
}

// lookup finds a property by key, falling back to a case-insensitive scan
// so descriptor-declared attribute names need not match property casing.
func lookup(props map[string]any, key string) (any, bool) {
	if v, ok := props[key]; ok {
		return v, true
	}
	for k, v := range props {
		if strings.EqualFold(k, key) {
			return v, true
		}
	}
	return nil, false
}

// matchValue compares one attribute value to the operand text. Collection
// values match when any element does.
func matchValue(kind Kind, operand string, value any) bool {
	switch rv := reflect.ValueOf(value); rv.Kind() {
	case reflect.Slice, reflect.Array:
		for i := 0; i < rv.Len(); i++ {
			if matchScalar(kind, operand, rv.Index(i).Interface()) {
				return true
			}
		}
		return false
	default:
		return matchScalar(kind, operand, value)
	}
}

func matchScalar(kind Kind, operand string, value any) bool {
	switch v := value.(type) {
	case string:
		return matchString(kind, operand, v)
	case bool:
		if kind != Equals && kind != Approx {
			return false
		}
		b, err := strconv.ParseBool(strings.TrimSpace(operand))
		if err != nil {
			return false
		}
		return v == b
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return matchNumeric(kind, operand, toFloat(v))
	case fmt.Stringer:
		return matchString(kind, operand, v.String())
	default:
		return false
	}
}

func matchString(kind Kind, operand, value string) bool {
	switch kind {
	case Equals:
		return matchWildcard(operand, value)
	case Approx:
		return strings.EqualFold(strings.TrimSpace(foldWildcardMarks(operand)), strings.TrimSpace(value))
	case GreaterEq:
		return value >= foldWildcardMarks(operand)
	case LessEq:
		return value <= foldWildcardMarks(operand)
	}
	return false
}

func matchNumeric(kind Kind, operand string, value float64) bool {
	n, err := strconv.ParseFloat(strings.TrimSpace(foldWildcardMarks(operand)), 64)
	if err != nil {
		return false
	}
	switch kind {
	case Equals, Approx:
		return value == n
	case GreaterEq:
		return value >= n
	case LessEq:
		return value <= n
	}
	return false
}

func toFloat(v any) float64 {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int8:
		return float64(n)
	case int16:
		return float64(n)
	case int32:
		return float64(n)
	case int64:
		return float64(n)
	case uint:
		return float64(n)
	case uint8:
		return float64(n)
	case uint16:
		return float64(n)
	case uint32:
		return float64(n)
	case uint64:
		return float64(n)
	case float32:
		return float64(n)
	case float64:
		return n
	}
	return math.NaN()
}

// foldWildcardMarks restores escaped '*' bytes for contexts where the
// operand is used verbatim rather than as a glob pattern.
func foldWildcardMarks(operand string) string {
	return strings.ReplaceAll(operand, "\x00*", "*")
}

// matchWildcard matches a string against an operand that may contain '*'
// segment wildcards, shell-glob style. An escaped '*' (parsed as the
// "\x00*" marker) matches a literal asterisk.
func matchWildcard(pattern, s string) bool {
	segments := splitPattern(pattern)
	if len(segments) == 1 {
		return s == segments[0]
	}
	if !strings.HasPrefix(s, segments[0]) {
		return false
	}
	s = s[len(segments[0]):]
	last := segments[len(segments)-1]
	for _, seg := range segments[1 : len(segments)-1] {
		if seg == "" {
			continue
		}
		idx := strings.Index(s, seg)
		if idx < 0 {
			return false
		}
		s = s[idx+len(seg):]
	}
	return strings.HasSuffix(s, last)
}

// splitPattern splits the operand on unescaped '*' wildcards, resolving the
// escape markers in each literal segment.
func splitPattern(pattern string) []string {
	var segments []string
	var b strings.Builder
	for i := 0; i < len(pattern); i++ {
		if pattern[i] == '\x00' && i+1 < len(pattern) && pattern[i+1] == '*' {
			b.WriteByte('*')
			i++
			continue
		}
		if pattern[i] == '*' {
			segments = append(segments, b.String())
			b.Reset()
			continue
		}
		b.WriteByte(pattern[i])
	}
	segments = append(segments, b.String())
	return segments
}
