package lang

func init() {
	Register(&Spec{
		Language:       CSharp,
		FileExtensions: []string{".cs"},
		Definitions: map[string]SymbolKind{
			"method_declaration":       KindMethod,
			"constructor_declaration":  KindMethod,
			"local_function_statement": KindFunction,
			"class_declaration":        KindClass,
			"struct_declaration":       KindClass,
			"record_declaration":       KindClass,
			"interface_declaration":    KindInterface,
			"enum_declaration":         KindEnum,
			"namespace_declaration":    KindModule,
		},
		CallNodeTypes:   []string{"invocation_expression", "object_creation_expression"},
		ImportNodeTypes: []string{"using_directive"},
	})
}
