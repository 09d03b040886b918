package lang

func init() {
	Register(&Spec{
		Language:       Rust,
		FileExtensions: []string{".rs"},
		Definitions: map[string]SymbolKind{
			"function_item":           KindFunction,
			"function_signature_item": KindFunction,
			"struct_item":             KindClass,
			"union_item":              KindClass,
			"enum_item":               KindEnum,
			"trait_item":              KindInterface,
			"type_item":               KindType,
			"mod_item":                KindModule,
		},
		VariableNodeTypes: []string{"const_item", "static_item"},
		CallNodeTypes:     []string{"call_expression", "macro_invocation"},
		ImportNodeTypes:   []string{"use_declaration"},
	})
}
