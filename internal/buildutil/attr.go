// Package buildutil provides utilities for extracting attributes from
// buildtools AST nodes of BUILD files.
package buildutil

import (
	"fmt"
	"strconv"

	"github.com/bazelbuild/buildtools/build"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/convert"
)

// Attr returns the expression assigned to the named keyword argument.
func Attr(call *build.CallExpr, name string) (build.Expr, bool) {
	for _, arg := range call.List {
		assign, ok := arg.(*build.AssignExpr)
		if !ok {
			continue
		}
		if lhs, ok := assign.LHS.(*build.Ident); ok && lhs.Name == name {
			return assign.RHS, true
		}
	}
	return nil, false
}

// HasAttr reports whether the named keyword argument is present.
func HasAttr(call *build.CallExpr, name string) bool {
	_, ok := Attr(call, name)
	return ok
}

// String extracts a string attribute from a function call by name.
// Returns empty string if the attribute is not found or not a string.
func String(call *build.CallExpr, name string) string {
	rhs, ok := Attr(call, name)
	if !ok {
		return ""
	}
	if str, ok := rhs.(*build.StringExpr); ok {
		return str.Value
	}
	return ""
}

// Bool extracts a boolean attribute from a function call by name.
// Returns false if the attribute is not found or not a boolean identifier.
func Bool(call *build.CallExpr, name string) bool {
	rhs, ok := Attr(call, name)
	if !ok {
		return false
	}
	ident, ok := rhs.(*build.Ident)
	return ok && ident.Name == "True"
}

// StringList extracts a list of strings attribute from a function call by name.
// Returns nil if the attribute is not found or not a list.
// Non-string elements in the list are silently skipped.
func StringList(call *build.CallExpr, name string) []string {
	rhs, ok := Attr(call, name)
	if !ok {
		return nil
	}
	return stringList(rhs)
}

// PositionalStringList returns the strings of the i-th positional argument
// if it is a list literal.
func PositionalStringList(call *build.CallExpr, i int) []string {
	n := 0
	for _, arg := range call.List {
		if _, ok := arg.(*build.AssignExpr); ok {
			continue
		}
		if n == i {
			return stringList(arg)
		}
		n++
	}
	return nil
}

func stringList(expr build.Expr) []string {
	list, ok := expr.(*build.ListExpr)
	if !ok {
		return nil
	}
	result := make([]string, 0, len(list.List))
	for _, elem := range list.List {
		if str, ok := elem.(*build.StringExpr); ok {
			result = append(result, str.Value)
		}
	}
	return result
}

// Value converts a literal expression to a cty value of type t.
// Handles strings, integers, booleans (True/False) and lists of those.
func Value(expr build.Expr, t cty.Type) (cty.Value, error) {
	v, err := literal(expr)
	if err != nil {
		return cty.NilVal, err
	}
	return convert.Convert(v, t)
}

func literal(expr build.Expr) (cty.Value, error) {
	switch e := expr.(type) {
	case *build.StringExpr:
		return cty.StringVal(e.Value), nil
	case *build.LiteralExpr:
		n, err := strconv.ParseInt(e.Token, 0, 64)
		if err != nil {
			return cty.NilVal, fmt.Errorf("invalid number literal %q", e.Token)
		}
		return cty.NumberIntVal(n), nil
	case *build.Ident:
		switch e.Name {
		case "True":
			return cty.True, nil
		case "False":
			return cty.False, nil
		}
		return cty.NilVal, fmt.Errorf("unsupported identifier %s", e.Name)
	case *build.ListExpr:
		if len(e.List) == 0 {
			return cty.ListValEmpty(cty.String), nil
		}
		elems := make([]cty.Value, 0, len(e.List))
		for _, item := range e.List {
			v, err := literal(item)
			if err != nil {
				return cty.NilVal, err
			}
			elems = append(elems, v)
		}
		return cty.TupleVal(elems), nil
	default:
		return cty.NilVal, fmt.Errorf("unsupported expression %T", expr)
	}
}

// FuncName returns the function name from a CallExpr.
// Returns empty string if the call is not a simple function call
// (e.g., method calls like foo.bar()).
func FuncName(call *build.CallExpr) string {
	if ident, ok := call.X.(*build.Ident); ok {
		return ident.Name
	}
	return ""
}
