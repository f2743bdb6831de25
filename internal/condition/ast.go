package condition

import (
	"fmt"
	"strconv"
)

// node is a parsed guard expression. The grammar is intentionally tiny:
//
//	expr       := "!" unary | comparison
//	unary      := "(" expr ")" | operand
//	comparison := primary [ op primary ]
//	primary    := "(" expr ")" | operand
//	operand    := varref | string | number | true | false | null
//	op         := == | === | != | !== | <= | >= | < | >
//
// At most one comparison is allowed per parenthesis level.
type node interface {
	eval(vars map[string]any) (any, error)
}

type literal struct{ value any }

type varRef struct{ path string }

type not struct{ inner node }

type compare struct {
	op          string
	left, right node
}

type parser struct {
	toks []token
	pos  int
}

func parse(src string) (node, error) {
	toks, err := lex(src)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	n, err := p.expr()
	if err != nil {
		return nil, err
	}
	if t := p.peek(); t.kind != tokEOF {
		return nil, fmt.Errorf("unexpected %s", t)
	}
	return n, nil
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) expr() (node, error) {
	if p.peek().kind == tokNot {
		p.next()
		inner, err := p.primary()
		if err != nil {
			return nil, err
		}
		return &not{inner: inner}, nil
	}

	left, err := p.primary()
	if err != nil {
		return nil, err
	}
	if p.peek().kind != tokOp {
		return left, nil
	}
	op := p.next().text
	right, err := p.primary()
	if err != nil {
		return nil, err
	}
	if p.peek().kind == tokOp {
		return nil, fmt.Errorf("chained comparison %s is not supported", p.peek())
	}
	return &compare{op: normalizeOp(op), left: left, right: right}, nil
}

func (p *parser) primary() (node, error) {
	t := p.next()
	switch t.kind {
	case tokLParen:
		inner, err := p.expr()
		if err != nil {
			return nil, err
		}
		if closing := p.next(); closing.kind != tokRParen {
			return nil, fmt.Errorf("expected ')' but found %s", closing)
		}
		return inner, nil
	case tokNot:
		inner, err := p.primary()
		if err != nil {
			return nil, err
		}
		return &not{inner: inner}, nil
	case tokVar:
		return &varRef{path: t.text}, nil
	case tokString:
		return &literal{value: t.text}, nil
	case tokNumber:
		f, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid number %s", t)
		}
		return &literal{value: f}, nil
	case tokIdent:
		switch t.text {
		case "true":
			return &literal{value: true}, nil
		case "false":
			return &literal{value: false}, nil
		case "null", "nil", "undefined":
			return &literal{value: nil}, nil
		}
		// Bare identifiers are read as variable names.
		return &varRef{path: t.text}, nil
	default:
		return nil, fmt.Errorf("unexpected %s", t)
	}
}

func normalizeOp(op string) string {
	switch op {
	case "===":
		return "=="
	case "!==":
		return "!="
	}
	return op
}
