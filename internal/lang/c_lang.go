package lang

func init() {
	Register(&Spec{
		Language:       C,
		FileExtensions: []string{".c"},
		Definitions: map[string]SymbolKind{
			"function_definition": KindFunction,
			"struct_specifier":    KindClass,
			"union_specifier":     KindClass,
			"enum_specifier":      KindEnum,
			"type_definition":     KindType,
		},
		CallNodeTypes:   []string{"call_expression"},
		ImportNodeTypes: []string{"preproc_include"},
	})
}
