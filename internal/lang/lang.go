package lang

import (
	"path/filepath"
	"sort"
	"strings"
)

// Language identifies the grammar used to parse a file.
type Language string

const (
	Go         Language = "go"
	Python     Language = "python"
	JavaScript Language = "javascript"
	TypeScript Language = "typescript"
	TSX        Language = "tsx"
	Java       Language = "java"
	Rust       Language = "rust"
	C          Language = "c"
	CPP        Language = "cpp"
	CSharp     Language = "c-sharp"
	Ruby       Language = "ruby"
	PHP        Language = "php"
	Scala      Language = "scala"
	Bash       Language = "bash"
	Kotlin     Language = "kotlin"
	Lua        Language = "lua"

	// Text marks files indexed without a grammar (token-only).
	Text Language = "text"
)

// SymbolKind classifies a definition node.
type SymbolKind string

const (
	KindModule    SymbolKind = "module"
	KindFunction  SymbolKind = "function"
	KindMethod    SymbolKind = "method"
	KindClass     SymbolKind = "class"
	KindInterface SymbolKind = "interface"
	KindType      SymbolKind = "type"
	KindEnum      SymbolKind = "enum"
	KindVariable  SymbolKind = "variable"
)

// Spec describes how symbols are found in one language's syntax tree.
type Spec struct {
	Language       Language
	FileExtensions []string
	// FileNames matches extensionless files such as "Rakefile".
	FileNames []string

	// Definitions maps a definition node kind to the symbol kind it produces.
	// Function kinds nested inside a class-like definition become methods.
	Definitions map[string]SymbolKind
	// VariableNodeTypes are declarations indexed as variables at module level only.
	VariableNodeTypes []string
	CallNodeTypes     []string
	ImportNodeTypes   []string
}

// DefinitionKind returns the symbol kind for a node kind, if it defines one.
func (s *Spec) DefinitionKind(nodeKind string) (SymbolKind, bool) {
	k, ok := s.Definitions[nodeKind]
	return k, ok
}

// IsCall reports whether nodeKind is a call site.
func (s *Spec) IsCall(nodeKind string) bool {
	return contains(s.CallNodeTypes, nodeKind)
}

// IsImport reports whether nodeKind is an import statement.
func (s *Spec) IsImport(nodeKind string) bool {
	return contains(s.ImportNodeTypes, nodeKind)
}

// IsVariable reports whether nodeKind is a variable declaration.
func (s *Spec) IsVariable(nodeKind string) bool {
	return contains(s.VariableNodeTypes, nodeKind)
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

var (
	byExtension = map[string]*Spec{}
	byFileName  = map[string]*Spec{}
	byLanguage  = map[Language]*Spec{}
)

// Register adds a Spec to the registry. Called from init functions only.
func Register(spec *Spec) {
	for _, ext := range spec.FileExtensions {
		byExtension[ext] = spec
	}
	for _, name := range spec.FileNames {
		byFileName[name] = spec
	}
	byLanguage[spec.Language] = spec
}

// ForExtension returns the Spec for a file extension (e.g. ".go").
func ForExtension(ext string) *Spec {
	return byExtension[strings.ToLower(ext)]
}

// ForLanguage returns the Spec for a language, or nil if it has no grammar.
func ForLanguage(l Language) *Spec {
	return byLanguage[l]
}

// ForPath picks a language by file name, then by extension.
func ForPath(path string) (Language, bool) {
	base := filepath.Base(path)
	if spec := byFileName[base]; spec != nil {
		return spec.Language, true
	}
	if spec := ForExtension(filepath.Ext(base)); spec != nil {
		return spec.Language, true
	}
	return "", false
}

// AllLanguages returns every language with a registered grammar, sorted.
func AllLanguages() []Language {
	out := make([]Language, 0, len(byLanguage))
	for l := range byLanguage {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Normalize maps user-facing names ("golang", "ts", "C#") onto a Language.
func Normalize(name string) Language {
	n := strings.ToLower(strings.TrimSpace(name))
	switch n {
	case "golang":
		return Go
	case "py":
		return Python
	case "js", "jsx":
		return JavaScript
	case "ts":
		return TypeScript
	case "c#", "csharp", "cs":
		return CSharp
	case "c++", "cxx":
		return CPP
	case "rs":
		return Rust
	case "rb":
		return Ruby
	case "kt":
		return Kotlin
	case "sh", "shell":
		return Bash
	}
	return Language(n)
}
