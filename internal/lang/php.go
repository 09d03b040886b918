package lang

func init() {
	Register(&Spec{
		Language:       PHP,
		FileExtensions: []string{".php"},
		Definitions: map[string]SymbolKind{
			"function_definition":   KindFunction,
			"method_declaration":    KindMethod,
			"class_declaration":     KindClass,
			"trait_declaration":     KindClass,
			"interface_declaration": KindInterface,
			"enum_declaration":      KindEnum,
		},
		CallNodeTypes: []string{
			"function_call_expression",
			"member_call_expression",
			"scoped_call_expression",
			"nullsafe_member_call_expression",
		},
		ImportNodeTypes: []string{"namespace_use_clause"},
	})
}
