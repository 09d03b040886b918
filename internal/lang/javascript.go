package lang

func init() {
	Register(&Spec{
		Language:       JavaScript,
		FileExtensions: []string{".js", ".jsx", ".mjs", ".cjs"},
		Definitions: map[string]SymbolKind{
			"function_declaration":           KindFunction,
			"generator_function_declaration": KindFunction,
			"arrow_function":                 KindFunction,
			"method_definition":              KindMethod,
			"class_declaration":              KindClass,
		},
		VariableNodeTypes: []string{"variable_declarator"},
		CallNodeTypes:     []string{"call_expression", "new_expression"},
		ImportNodeTypes:   []string{"import_statement"},
	})
}
