package lang

func init() {
	Register(&Spec{
		Language:       Go,
		FileExtensions: []string{".go"},
		Definitions: map[string]SymbolKind{
			"function_declaration": KindFunction,
			"method_declaration":   KindMethod,
			"type_spec":            KindType,
			"type_alias":           KindType,
		},
		VariableNodeTypes: []string{"var_spec", "const_spec"},
		CallNodeTypes:     []string{"call_expression"},
		ImportNodeTypes:   []string{"import_spec"},
	})
}
