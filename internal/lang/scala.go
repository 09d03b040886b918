package lang

func init() {
	Register(&Spec{
		Language:       Scala,
		FileExtensions: []string{".scala", ".sc"},
		Definitions: map[string]SymbolKind{
			"function_definition":  KindFunction,
			"function_declaration": KindFunction,
			"class_definition":     KindClass,
			"object_definition":    KindClass,
			"trait_definition":     KindInterface,
		},
		CallNodeTypes:   []string{"call_expression"},
		ImportNodeTypes: []string{"import_declaration"},
	})
}
