package lang

func init() {
	Register(&Spec{
		Language:       Java,
		FileExtensions: []string{".java"},
		Definitions: map[string]SymbolKind{
			"method_declaration":          KindMethod,
			"constructor_declaration":     KindMethod,
			"class_declaration":           KindClass,
			"record_declaration":          KindClass,
			"interface_declaration":       KindInterface,
			"annotation_type_declaration": KindInterface,
			"enum_declaration":            KindEnum,
		},
		CallNodeTypes:   []string{"method_invocation", "object_creation_expression"},
		ImportNodeTypes: []string{"import_declaration"},
	})
}
