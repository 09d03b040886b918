package lang

func init() {
	Register(&Spec{
		Language:       Python,
		FileExtensions: []string{".py", ".pyi"},
		Definitions: map[string]SymbolKind{
			"function_definition": KindFunction,
			"class_definition":    KindClass,
		},
		VariableNodeTypes: []string{"assignment"},
		CallNodeTypes:     []string{"call"},
		ImportNodeTypes:   []string{"import_statement", "import_from_statement"},
	})
}
