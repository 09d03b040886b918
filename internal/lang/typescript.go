package lang

func tsDefinitions() map[string]SymbolKind {
	return map[string]SymbolKind{
		"function_declaration":           KindFunction,
		"generator_function_declaration": KindFunction,
		"arrow_function":                 KindFunction,
		"function_signature":             KindFunction,
		"method_definition":              KindMethod,
		"method_signature":               KindMethod,
		"class_declaration":              KindClass,
		"abstract_class_declaration":     KindClass,
		"interface_declaration":          KindInterface,
		"type_alias_declaration":         KindType,
		"enum_declaration":               KindEnum,
		"internal_module":                KindModule,
	}
}

func init() {
	Register(&Spec{
		Language:          TypeScript,
		FileExtensions:    []string{".ts", ".mts", ".cts"},
		Definitions:       tsDefinitions(),
		VariableNodeTypes: []string{"variable_declarator"},
		CallNodeTypes:     []string{"call_expression", "new_expression"},
		ImportNodeTypes:   []string{"import_statement"},
	})
	Register(&Spec{
		Language:          TSX,
		FileExtensions:    []string{".tsx"},
		Definitions:       tsDefinitions(),
		VariableNodeTypes: []string{"variable_declarator"},
		CallNodeTypes:     []string{"call_expression", "new_expression"},
		ImportNodeTypes:   []string{"import_statement"},
	})
}
