// Package search 会话检索表达式，例如 `meta.plan = 'pro' AND user.email ~ 'example.com'`。
//
// 表达式由比较条件和 AND/OR/括号组成，AND 优先于 OR。
// 支持的比较：= 相等，!= 不等，~ 包含（不区分大小写）。
// 值可以是单引号或双引号字符串，也可以是不含空白的裸值。
package search

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalidQuery 表达式无法解析
var ErrInvalidQuery = errors.New("search: invalid query")

// Op 比较运算符
type Op string

const (
	OpEq       Op = "="
	OpNe       Op = "!="
	OpContains Op = "~"
)

// Node 表达式节点
type Node interface {
	node()
}

// Cond 单个比较条件
type Cond struct {
	Field string
	Op    Op
	Value string
}

// And 两侧都成立
type And struct{ Left, Right Node }

// Or 任一侧成立
type Or struct{ Left, Right Node }

func (Cond) node() {}
func (And) node()  {}
func (Or) node()   {}

// Query 解析后的检索表达式；nil 匹配全部
type Query struct {
	raw  string
	root Node
}

// Parse 解析表达式，空串返回 nil
func Parse(in string) (*Query, error) {
	if strings.TrimSpace(in) == "" {
		return nil, nil
	}

	toks, err := lex(in)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	root, err := p.or()
	if err != nil {
		return nil, err
	}
	if t := p.peek(); t.kind != tokEOF {
		return nil, fmt.Errorf("%w: unexpected %q at %d", ErrInvalidQuery, t.text, t.pos)
	}
	return &Query{raw: in, root: root}, nil
}

// String 原始表达式
func (q *Query) String() string {
	if q == nil {
		return ""
	}
	return q.raw
}

// Root 根节点
func (q *Query) Root() Node {
	if q == nil {
		return nil
	}
	return q.root
}

// Conds 表达式中的全部条件，按出现顺序
func (q *Query) Conds() []Cond {
	var out []Cond
	walk(q.Root(), func(c Cond) { out = append(out, c) })
	return out
}

func walk(n Node, fn func(Cond)) {
	switch n := n.(type) {
	case Cond:
		fn(n)
	case And:
		walk(n.Left, fn)
		walk(n.Right, fn)
	case Or:
		walk(n.Left, fn)
		walk(n.Right, fn)
	}
}

// Lookup 读取字段值，字段不存在时 ok 为 false
type Lookup func(field string) (value string, ok bool)

// Match 在内存中求值；不存在的字段只满足 !=
func (q *Query) Match(lookup Lookup) bool {
	if q == nil {
		return true
	}
	return match(q.root, lookup)
}

func match(n Node, lookup Lookup) bool {
	switch n := n.(type) {
	case And:
		return match(n.Left, lookup) && match(n.Right, lookup)
	case Or:
		return match(n.Left, lookup) || match(n.Right, lookup)
	case Cond:
		v, ok := lookup(n.Field)
		switch n.Op {
		case OpEq:
			return ok && v == n.Value
		case OpNe:
			return !ok || v != n.Value
		case OpContains:
			return ok && strings.Contains(strings.ToLower(v), strings.ToLower(n.Value))
		}
	}
	return false
}

// Column 把字段映射为SQL表达式；arg 登记参数并返回占位符
type Column func(field string, arg func(any) string) (string, error)

// SQL 生成参数化的WHERE片段，占位符从 $offset+1 开始
func (q *Query) SQL(column Column, offset int) (string, []any, error) {
	if q == nil {
		return "", nil, nil
	}
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(offset+len(args))
	}
	out, err := toSQL(q.root, column, arg)
	if err != nil {
		return "", nil, err
	}
	return out, args, nil
}

func toSQL(n Node, column Column, arg func(any) string) (string, error) {
	switch n := n.(type) {
	case And, Or:
		var left, right Node
		join := " AND "
		if a, ok := n.(And); ok {
			left, right = a.Left, a.Right
		} else {
			o := n.(Or)
			left, right, join = o.Left, o.Right, " OR "
		}
		l, err := toSQL(left, column, arg)
		if err != nil {
			return "", err
		}
		r, err := toSQL(right, column, arg)
		if err != nil {
			return "", err
		}
		return "(" + l + join + r + ")", nil
	case Cond:
		col, err := column(n.Field, arg)
		if err != nil {
			return "", err
		}
		switch n.Op {
		case OpEq:
			return col + " = " + arg(n.Value), nil
		case OpNe:
			return "(" + col + " IS NULL OR " + col + " <> " + arg(n.Value) + ")", nil
		case OpContains:
			return "strpos(lower(" + col + "), lower(" + arg(n.Value) + ")) > 0", nil
		}
	}
	return "", fmt.Errorf("%w: unsupported node %T", ErrInvalidQuery, n)
}

type parser struct {
	toks []token
	pos  int
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) or() (Node, error) {
	left, err := p.and()
	if err != nil {
		return nil, err
	}
	for p.peek().keyword("OR") {
		p.next()
		right, err := p.and()
		if err != nil {
			return nil, err
		}
		left = Or{Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) and() (Node, error) {
	left, err := p.term()
	if err != nil {
		return nil, err
	}
	for p.peek().keyword("AND") {
		p.next()
		right, err := p.term()
		if err != nil {
			return nil, err
		}
		left = And{Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) term() (Node, error) {
	t := p.next()
	switch t.kind {
	case tokLParen:
		n, err := p.or()
		if err != nil {
			return nil, err
		}
		if c := p.next(); c.kind != tokRParen {
			return nil, fmt.Errorf("%w: missing ')' at %d", ErrInvalidQuery, c.pos)
		}
		return n, nil
	case tokWord:
		op := p.next()
		if op.kind != tokOp {
			return nil, fmt.Errorf("%w: expected operator after %q at %d", ErrInvalidQuery, t.text, op.pos)
		}
		v := p.next()
		if v.kind != tokWord && v.kind != tokString {
			return nil, fmt.Errorf("%w: expected value at %d", ErrInvalidQuery, v.pos)
		}
		return Cond{Field: t.text, Op: Op(op.text), Value: v.text}, nil
	case tokEOF:
		return nil, fmt.Errorf("%w: unexpected end of query", ErrInvalidQuery)
	default:
		return nil, fmt.Errorf("%w: unexpected %q at %d", ErrInvalidQuery, t.text, t.pos)
	}
}
