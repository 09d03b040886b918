package parser

import (
	"errors"
	"strings"

	tree_sitter "github.com/tree-sitter/go-tree-sitter"

	"github.com/DeusData/codebase-search-mcp/internal/fqn"
	"github.com/DeusData/codebase-search-mcp/internal/lang"
)

// ErrSyntax is wrapped by ParseError when the tree contains error nodes.
var ErrSyntax = errors.New("syntax error")

// maxCalleeLen skips call expressions whose callee is a long chained expression.
const maxCalleeLen = 200

// Parse extracts symbols, edges and tokens from a snapshot. Files without a
// grammar yield a token-only result and no error. Files that fail to parse
// yield a token-only result together with a *ParseError.
func Parse(snap *Snapshot) (*ParseResult, error) {
	spec := lang.ForLanguage(snap.Language)
	if spec == nil || !Supported(snap.Language) {
		return tokenOnly(snap), nil
	}

	tree, err := parseTree(snap.Language, snap.Content)
	if err != nil {
		return tokenOnly(snap), &ParseError{Path: snap.Path, Language: snap.Language, Err: err}
	}
	defer tree.Close()

	root := tree.RootNode()
	if root == nil {
		return tokenOnly(snap), &ParseError{Path: snap.Path, Language: snap.Language, Err: ErrSyntax}
	}
	if root.HasError() {
		return tokenOnly(snap), &ParseError{
			Path:     snap.Path,
			Language: snap.Language,
			Line:     firstErrorLine(root),
			Err:      ErrSyntax,
		}
	}

	x := &extractor{
		spec: spec,
		lang: snap.Language,
		src:  snap.Content,
		res:  &ParseResult{Language: snap.Language},
		refs: make(map[refKey]bool),
	}
	x.run(root, snap.Path)
	x.res.Tokens = tokenize(snap.Content, leafSpans(root))
	return x.res, nil
}

func tokenOnly(snap *Snapshot) *ParseResult {
	return &ParseResult{
		Language:  snap.Language,
		Tokens:    tokenize(snap.Content, lexerSpans(snap.Path, snap.Content)),
		TokenOnly: true,
	}
}

func firstErrorLine(root *tree_sitter.Node) int {
	line := 0
	Walk(root, func(n *tree_sitter.Node) bool {
		if line > 0 {
			return false
		}
		if n.IsError() || n.IsMissing() {
			line = rowToLine(n.StartPosition().Row)
			return false
		}
		return n.HasError()
	})
	return line
}

type refKey struct {
	scope int
	name  string
}

type extractor struct {
	spec *lang.Spec
	lang lang.Language
	src  []byte
	res  *ParseResult
	refs map[refKey]bool
	// receiver is the type whose methods are being visited (Rust impl blocks).
	receiver string
}

func (x *extractor) run(root *tree_sitter.Node, relPath string) {
	module := fqn.Module(relPath)
	_, name := fqn.Split(module)
	x.res.Symbols = append(x.res.Symbols, Symbol{
		Name:          name,
		QualifiedName: module,
		Kind:          lang.KindModule,
		Span:          nodeSpan(root),
		Parent:        -1,
	})
	x.visitChildren(root, 0)
}

func (x *extractor) visitChildren(node *tree_sitter.Node, scope int) {
	for i := uint(0); i < node.ChildCount(); i++ {
		if child := node.Child(i); child != nil {
			x.visit(child, scope)
		}
	}
}

func (x *extractor) visit(node *tree_sitter.Node, scope int) {
	kind := node.Kind()

	if x.lang == lang.Rust && kind == "impl_item" {
		prev := x.receiver
		if t := node.ChildByFieldName("type"); t != nil {
			x.receiver = stripGenerics(NodeText(t, x.src))
		}
		x.visitChildren(node, scope)
		x.receiver = prev
		return
	}

	if symKind, ok := x.spec.DefinitionKind(kind); ok {
		if idx := x.define(node, symKind, scope); idx >= 0 {
			x.visitChildren(node, idx)
			return
		}
	}

	switch {
	case x.spec.IsImport(kind):
		x.imports(node, scope)
		return
	case x.spec.IsCall(kind):
		x.call(node, scope)
	case scope == 0 && x.spec.IsVariable(kind):
		x.variable(node, scope)
	case kind == "type_identifier":
		x.reference(node, scope)
	}
	x.visitChildren(node, scope)
}

// define appends a symbol for a definition node. Returns -1 for anonymous
// definitions.
func (x *extractor) define(node *tree_sitter.Node, kind lang.SymbolKind, scope int) int {
	nameNode := x.nameNode(node)
	if nameNode == nil {
		return -1
	}
	name := strings.TrimSpace(NodeText(nameNode, x.src))
	if name == "" || strings.ContainsAny(name, "\n(") {
		return -1
	}

	parent := x.res.Symbols[scope]
	scopeQN := parent.QualifiedName

	// Foo::bar (C++), M.foo / M:foo (Lua): the prefix names the owner
	if strings.Contains(name, "::") || strings.ContainsAny(name, ".:") {
		owner, last := fqn.Split(fqn.Normalize(strings.ReplaceAll(name, ":", "::")))
		if last != "" {
			scopeQN = fqn.Join(scopeQN, owner)
			name = last
			if kind == lang.KindFunction && owner != "" {
				kind = lang.KindMethod
			}
		}
	}

	switch {
	case x.lang == lang.Go && node.Kind() == "method_declaration":
		if recv := goReceiverType(node, x.src); recv != "" {
			scopeQN = fqn.Join(scopeQN, recv)
		}
	case x.lang == lang.Go && node.Kind() == "type_spec":
		if t := node.ChildByFieldName("type"); t != nil {
			switch t.Kind() {
			case "interface_type":
				kind = lang.KindInterface
			case "struct_type":
				kind = lang.KindClass
			}
		}
	case x.receiver != "" && kind == lang.KindFunction:
		scopeQN = fqn.Join(scopeQN, x.receiver)
		kind = lang.KindMethod
	}
	if kind == lang.KindFunction && isTypeLike(parent.Kind) {
		kind = lang.KindMethod
	}

	idx := len(x.res.Symbols)
	x.res.Symbols = append(x.res.Symbols, Symbol{
		Name:          name,
		QualifiedName: fqn.Join(scopeQN, name),
		Kind:          kind,
		Span:          nodeSpan(node),
		Parent:        scope,
	})
	x.res.Edges = append(x.res.Edges, Edge{
		From:   scope,
		Kind:   EdgeDefines,
		Target: idx,
		Name:   name,
		Site:   nodeSpan(nameNode),
	})
	return idx
}

func isTypeLike(k lang.SymbolKind) bool {
	return k == lang.KindClass || k == lang.KindInterface || k == lang.KindEnum || k == lang.KindType
}

// nameNode finds the identifier naming a definition.
func (x *extractor) nameNode(node *tree_sitter.Node) *tree_sitter.Node {
	switch node.Kind() {
	case "arrow_function", "function_expression":
		if p := node.Parent(); p != nil && p.Kind() == "variable_declarator" {
			return p.ChildByFieldName("name")
		}
		return nil
	}
	if n := node.ChildByFieldName("name"); n != nil {
		return n
	}
	// C/C++: the name lives inside nested declarators
	if decl := node.ChildByFieldName("declarator"); decl != nil {
		return declaratorName(decl)
	}
	return firstChildOfKind(node, "type_identifier", "simple_identifier", "identifier", "constant")
}

func declaratorName(n *tree_sitter.Node) *tree_sitter.Node {
	for depth := 0; n != nil && depth < 8; depth++ {
		switch n.Kind() {
		case "identifier", "field_identifier", "type_identifier", "qualified_identifier",
			"destructor_name", "operator_name":
			return n
		}
		if d := n.ChildByFieldName("declarator"); d != nil {
			n = d
			continue
		}
		return firstChildOfKind(n, "identifier", "field_identifier", "qualified_identifier")
	}
	return nil
}

func firstChildOfKind(node *tree_sitter.Node, kinds ...string) *tree_sitter.Node {
	for i := uint(0); i < node.NamedChildCount(); i++ {
		child := node.NamedChild(i)
		if child == nil {
			continue
		}
		for _, k := range kinds {
			if child.Kind() == k {
				return child
			}
		}
	}
	return nil
}

// goReceiverType returns "Server" for "func (s *Server[T]) Foo()".
func goReceiverType(node *tree_sitter.Node, src []byte) string {
	recv := node.ChildByFieldName("receiver")
	if recv == nil {
		return ""
	}
	var name string
	Walk(recv, func(n *tree_sitter.Node) bool {
		if name != "" {
			return false
		}
		if n.Kind() == "type_identifier" {
			name = NodeText(n, src)
			return false
		}
		return true
	})
	return name
}

func (x *extractor) variable(node *tree_sitter.Node, scope int) {
	nameNode := node.ChildByFieldName("name")
	if nameNode == nil {
		nameNode = node.ChildByFieldName("left")
	}
	if nameNode == nil || !isIdentifierKind(nameNode.Kind()) {
		return
	}
	if v := node.ChildByFieldName("value"); v != nil {
		if _, ok := x.spec.DefinitionKind(v.Kind()); ok {
			return // named by the function definition itself
		}
	}
	name := NodeText(nameNode, x.src)
	if name == "" || name == "_" {
		return
	}
	idx := len(x.res.Symbols)
	x.res.Symbols = append(x.res.Symbols, Symbol{
		Name:          name,
		QualifiedName: fqn.Join(x.res.Symbols[scope].QualifiedName, name),
		Kind:          lang.KindVariable,
		Span:          nodeSpan(node),
		Parent:        scope,
	})
	x.res.Edges = append(x.res.Edges, Edge{
		From:   scope,
		Kind:   EdgeDefines,
		Target: idx,
		Name:   name,
		Site:   nodeSpan(nameNode),
	})
}

func (x *extractor) call(node *tree_sitter.Node, scope int) {
	callee, site := x.callee(node)
	if callee == "" || len(callee) > maxCalleeLen {
		return
	}
	callee = cleanCallee(callee)
	receiver, name := fqn.Split(fqn.Normalize(callee))
	if name == "" {
		return
	}
	switch receiver {
	case "self", "this", "cls", "super", "$this", "static", "Self":
		receiver = x.enclosingType(scope)
	}
	x.res.Edges = append(x.res.Edges, Edge{
		From:      scope,
		Kind:      EdgeCalls,
		Target:    -1,
		Name:      name,
		ScopeHint: receiver,
		Site:      nodeSpan(site),
	})
}

// callee returns the called expression's text and the node to report as
// the call site.
func (x *extractor) callee(node *tree_sitter.Node) (string, *tree_sitter.Node) {
	for _, field := range []string{"function", "method", "macro", "constructor", "name"} {
		n := node.ChildByFieldName(field)
		if n == nil {
			continue
		}
		text := NodeText(n, x.src)
		if field == "method" || field == "name" {
			for _, rf := range []string{"object", "receiver", "scope"} {
				if r := node.ChildByFieldName(rf); r != nil {
					return NodeText(r, x.src) + "." + text, n
				}
			}
		}
		return text, n
	}
	if t := node.ChildByFieldName("type"); t != nil {
		return NodeText(t, x.src), t
	}
	if first := node.NamedChild(0); first != nil {
		switch first.Kind() {
		case "identifier", "simple_identifier", "navigation_expression", "scoped_identifier":
			return NodeText(first, x.src), first
		}
	}
	return "", nil
}

// cleanCallee drops argument lists and generic parameters from chained
// callees: "getX().foo" → "foo", "make<int>" → "make", "obj?.run" → "obj.run".
func cleanCallee(s string) string {
	s = strings.ReplaceAll(s, "?.", ".")
	if i := strings.LastIndexByte(s, ')'); i >= 0 {
		s = strings.TrimLeft(s[i+1:], ".")
	}
	s = stripGenerics(s)
	return strings.TrimSuffix(strings.TrimSpace(s), "!")
}

func stripGenerics(s string) string {
	if i := strings.IndexAny(s, "<["); i > 0 {
		s = s[:i]
	}
	return strings.TrimSpace(strings.TrimPrefix(s, "&"))
}

// enclosingType returns the qualified name of the nearest class-like symbol
// around scope.
func (x *extractor) enclosingType(scope int) string {
	for i := scope; i >= 0; i = x.res.Symbols[i].Parent {
		s := x.res.Symbols[i]
		if isTypeLike(s.Kind) {
			return s.QualifiedName
		}
		if s.Kind == lang.KindMethod {
			owner, _ := fqn.Split(s.QualifiedName)
			return owner
		}
	}
	return ""
}

func (x *extractor) reference(node *tree_sitter.Node, scope int) {
	if p := node.Parent(); p != nil {
		if _, ok := x.spec.DefinitionKind(p.Kind()); ok {
			if n := p.ChildByFieldName("name"); n != nil && n.StartByte() == node.StartByte() {
				return
			}
		}
	}
	name := NodeText(node, x.src)
	key := refKey{scope: scope, name: name}
	if name == "" || x.refs[key] {
		return
	}
	x.refs[key] = true
	x.res.Edges = append(x.res.Edges, Edge{
		From:   scope,
		Kind:   EdgeReferences,
		Target: -1,
		Name:   name,
		Site:   nodeSpan(node),
	})
}

func (x *extractor) imports(node *tree_sitter.Node, scope int) {
	for _, ref := range x.importRefs(node) {
		hint, name := fqn.Split(fqn.Normalize(ref))
		if name == "" || name == "*" {
			continue
		}
		x.res.Edges = append(x.res.Edges, Edge{
			From:      scope,
			Kind:      EdgeImports,
			Target:    -1,
			Name:      name,
			ScopeHint: hint,
			Site:      nodeSpan(node),
		})
	}
}

// importRefs returns the dotted or path-like references named by an import
// statement, one per imported entity.
func (x *extractor) importRefs(node *tree_sitter.Node) []string {
	text := func(n *tree_sitter.Node) string { return NodeText(n, x.src) }

	switch node.Kind() {
	case "import_statement":
		if x.lang == lang.Python {
			var refs []string
			for i := uint(0); i < node.NamedChildCount(); i++ {
				c := node.NamedChild(i)
				if c == nil {
					continue
				}
				if c.Kind() == "aliased_import" {
					c = c.ChildByFieldName("name")
				}
				if c != nil {
					refs = append(refs, text(c))
				}
			}
			return refs
		}
		return x.jsImportRefs(node)
	case "import_from_statement":
		module := node.ChildByFieldName("module_name")
		if module == nil {
			return nil
		}
		var refs []string
		for i := uint(0); i < node.ChildCount(); i++ {
			if node.FieldNameForChild(uint32(i)) != "name" {
				continue
			}
			c := node.Child(i)
			if c != nil && c.Kind() == "aliased_import" {
				c = c.ChildByFieldName("name")
			}
			if c != nil {
				refs = append(refs, fqn.Normalize(text(module))+"."+text(c))
			}
		}
		return refs
	case "import_spec", "preproc_include":
		if p := node.ChildByFieldName("path"); p != nil {
			return []string{text(p)}
		}
	case "use_declaration":
		if arg := node.ChildByFieldName("argument"); arg != nil {
			return rustUseRefs(text(arg))
		}
	}
	return []string{genericImportRef(text(node))}
}

func (x *extractor) jsImportRefs(node *tree_sitter.Node) []string {
	source := node.ChildByFieldName("source")
	if source == nil {
		return nil
	}
	module := fqn.Normalize(NodeText(source, x.src))
	var refs []string
	Walk(node, func(n *tree_sitter.Node) bool {
		switch n.Kind() {
		case "import_specifier":
			if name := n.ChildByFieldName("name"); name != nil {
				refs = append(refs, module+"."+NodeText(name, x.src))
			}
			return false
		case "namespace_import":
			refs = append(refs, module)
			return false
		case "identifier":
			if p := n.Parent(); p != nil && p.Kind() == "import_clause" {
				refs = append(refs, module+"."+NodeText(n, x.src))
			}
		}
		return true
	})
	if len(refs) == 0 {
		refs = append(refs, module)
	}
	return refs
}

// rustUseRefs expands "std::io::{Read, Write as W}" into one ref per item.
func rustUseRefs(arg string) []string {
	open := strings.IndexByte(arg, '{')
	if open < 0 {
		return []string{stripAlias(arg)}
	}
	prefix := strings.TrimSuffix(arg[:open], "::")
	body := strings.TrimSuffix(strings.TrimSpace(arg[open+1:]), "}")
	var refs []string
	for _, item := range strings.Split(body, ",") {
		item = stripAlias(strings.TrimSpace(item))
		if item == "" || strings.ContainsAny(item, "{}") {
			continue
		}
		if item == "self" {
			refs = append(refs, prefix)
			continue
		}
		refs = append(refs, prefix+"::"+item)
	}
	return refs
}

func stripAlias(s string) string {
	if i := strings.Index(s, " as "); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return strings.TrimSpace(s)
}

func genericImportRef(stmt string) string {
	s := strings.TrimSpace(stmt)
	for _, kw := range []string{"#include", "import", "using", "use", "static", "namespace"} {
		s = strings.TrimSpace(strings.TrimPrefix(s, kw))
	}
	s = strings.TrimSuffix(s, ";")
	return stripAlias(s)
}
