package transform

// maxDepth bounds expression nesting so hostile input cannot exhaust the
// goroutine stack at compile or evaluation time.
const maxDepth = 64

// binding precedence, lowest first.
const (
	precLowest = iota
	precTernary
	precNullish
	precOr
	precAnd
	precBitOr
	precBitXor
	precBitAnd
	precEquality
	precRelational
	precShift
	precAdditive
	precMultiplicative
)

var binaryPrec = map[string]int{
	"??": precNullish,
	"||": precOr,
	"&&": precAnd,
	"|":  precBitOr,
	"^":  precBitXor,
	"&":  precBitAnd,
	"==": precEquality, "!=": precEquality, "===": precEquality, "!==": precEquality,
	"<": precRelational, "<=": precRelational, ">": precRelational, ">=": precRelational,
	"<<": precShift, ">>": precShift,
	"+": precAdditive, "-": precAdditive,
	"*": precMultiplicative, "/": precMultiplicative, "%": precMultiplicative,
}

type parser struct {
	toks  []token
	pos   int
	depth int
}

func parse(src string) (node, error) {
	toks, err := lex(src)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	if p.peek().kind == tokEOF {
		return nil, syntaxErr(0, "empty expression")
	}
	n, err := p.expression(precLowest)
	if err != nil {
		return nil, err
	}
	if t := p.peek(); t.kind != tokEOF {
		return nil, syntaxErr(t.pos, "unexpected %q", t.text)
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

func (p *parser) isPunct(text string) bool {
	t := p.peek()
	return t.kind == tokPunct && t.text == text
}

func (p *parser) expect(text string) error {
	t := p.next()
	if t.kind != tokPunct || t.text != text {
		if t.kind == tokEOF {
			return syntaxErr(t.pos, "expected %q, found end of input", text)
		}
		return syntaxErr(t.pos, "expected %q", text)
	}
	return nil
}

func (p *parser) enter(pos int) error {
	p.depth++
	if p.depth > maxDepth {
		return syntaxErr(pos, "expression nested deeper than %d", maxDepth)
	}
	return nil
}

func (p *parser) leave() { p.depth-- }

// expression parses operators binding tighter than minPrec.
func (p *parser) expression(minPrec int) (node, error) {
	if err := p.enter(p.peek().pos); err != nil {
		return nil, err
	}
	defer p.leave()

	left, err := p.unary()
	if err != nil {
		return nil, err
	}

	for {
		t := p.peek()
		if t.kind != tokPunct {
			return left, nil
		}

		if t.text == "?" {
			if precTernary <= minPrec {
				return left, nil
			}
			p.next()
			then, err := p.expression(precLowest)
			if err != nil {
				return nil, err
			}
			if err := p.expect(":"); err != nil {
				return nil, err
			}
			// Right associative: a ? b : c ? d : e
			otherwise, err := p.expression(precTernary - 1)
			if err != nil {
				return nil, err
			}
			left = &condNode{cond: left, then: then, otherwise: otherwise}
			continue
		}

		prec, ok := binaryPrec[t.text]
		if !ok || prec <= minPrec {
			return left, nil
		}
		p.next()
		right, err := p.expression(prec)
		if err != nil {
			return nil, err
		}
		switch t.text {
		case "&&", "||", "??":
			left = &logicalNode{op: t.text, left: left, right: right}
		default:
			left = &binaryNode{op: t.text, left: left, right: right}
		}
	}
}

func (p *parser) unary() (node, error) {
	t := p.peek()
	if t.kind == tokPunct {
		switch t.text {
		case "!", "~", "-", "+":
			p.next()
			if err := p.enter(t.pos); err != nil {
				return nil, err
			}
			defer p.leave()
			x, err := p.unary()
			if err != nil {
				return nil, err
			}
			return &unaryNode{op: t.text, x: x}, nil
		}
	}
	return p.postfix()
}

func (p *parser) postfix() (node, error) {
	n, err := p.primary()
	if err != nil {
		return nil, err
	}
	for {
		switch {
		case p.isPunct("."):
			p.next()
			name := p.next()
			if name.kind != tokIdent {
				return nil, syntaxErr(name.pos, "expected property name after '.'")
			}
			n = &memberNode{obj: n, key: &literalNode{v: name.text}}
		case p.isPunct("["):
			open := p.next()
			if err := p.enter(open.pos); err != nil {
				return nil, err
			}
			idx, err := p.expression(precLowest)
			p.leave()
			if err != nil {
				return nil, err
			}
			if err := p.expect("]"); err != nil {
				return nil, err
			}
			n = &memberNode{obj: n, key: idx}
		case p.isPunct("("):
			return nil, syntaxErr(p.peek().pos, "only built-in functions can be called")
		default:
			return n, nil
		}
	}
}

func (p *parser) primary() (node, error) {
	t := p.next()
	switch t.kind {
	case tokNumber:
		return &literalNode{v: t.num}, nil
	case tokString:
		return &literalNode{v: t.text}, nil
	case tokIdent:
		return p.identifier(t)
	case tokPunct:
		switch t.text {
		case "(":
			n, err := p.expression(precLowest)
			if err != nil {
				return nil, err
			}
			if err := p.expect(")"); err != nil {
				return nil, err
			}
			return n, nil
		case "[":
			return p.arrayLiteral()
		case "{":
			return p.objectLiteral()
		}
		return nil, syntaxErr(t.pos, "unexpected %q", t.text)
	default:
		return nil, syntaxErr(t.pos, "unexpected end of input")
	}
}

func (p *parser) identifier(t token) (node, error) {
	switch t.text {
	case "true":
		return &literalNode{v: true}, nil
	case "false":
		return &literalNode{v: false}, nil
	case "null", "undefined":
		return &literalNode{v: nil}, nil
	case "value", "raw", "meta":
		return &bindingNode{name: t.text}, nil
	}

	if !p.isPunct("(") {
		return nil, &SyntaxError{Pos: t.pos, Msg: "unknown identifier " + t.text, kind: ErrUnknownIdentifier}
	}
	fn, ok := builtins[t.text]
	if !ok {
		return nil, &SyntaxError{Pos: t.pos, Msg: "unknown function " + t.text, kind: ErrUnknownFunction}
	}
	p.next() // (

	var args []node
	for !p.isPunct(")") {
		arg, err := p.expression(precLowest)
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
		if !p.isPunct(",") {
			break
		}
		p.next()
	}
	if err := p.expect(")"); err != nil {
		return nil, err
	}
	if len(args) < fn.minArgs || (fn.maxArgs >= 0 && len(args) > fn.maxArgs) {
		return nil, syntaxErr(t.pos, "%s: wrong number of arguments (%d)", t.text, len(args))
	}
	return &callNode{name: t.text, fn: fn.call, args: args}, nil
}

func (p *parser) arrayLiteral() (node, error) {
	var elems []node
	for !p.isPunct("]") {
		e, err := p.expression(precLowest)
		if err != nil {
			return nil, err
		}
		elems = append(elems, e)
		if !p.isPunct(",") {
			break
		}
		p.next()
	}
	if err := p.expect("]"); err != nil {
		return nil, err
	}
	return &arrayNode{elems: elems}, nil
}

func (p *parser) objectLiteral() (node, error) {
	obj := &objectNode{}
	for !p.isPunct("}") {
		k := p.next()
		if k.kind != tokIdent && k.kind != tokString {
			return nil, syntaxErr(k.pos, "expected property name")
		}
		if err := p.expect(":"); err != nil {
			return nil, err
		}
		v, err := p.expression(precLowest)
		if err != nil {
			return nil, err
		}
		obj.keys = append(obj.keys, k.text)
		obj.vals = append(obj.vals, v)
		if !p.isPunct(",") {
			break
		}
		p.next()
	}
	if err := p.expect("}"); err != nil {
		return nil, err
	}
	return obj, nil
}
