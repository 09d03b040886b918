package lang

func init() {
	Register(&Spec{
		Language:       Kotlin,
		FileExtensions: []string{".kt", ".kts"},
		Definitions: map[string]SymbolKind{
			"function_declaration":  KindFunction,
			"secondary_constructor": KindMethod,
			"class_declaration":     KindClass,
			"object_declaration":    KindClass,
		},
		CallNodeTypes:   []string{"call_expression"},
		ImportNodeTypes: []string{"import_header", "import"},
	})
}
