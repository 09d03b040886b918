package lang

func init() {
	Register(&Spec{
		Language:       CPP,
		FileExtensions: []string{".cpp", ".h", ".hpp", ".cc", ".cxx", ".hxx", ".hh"},
		Definitions: map[string]SymbolKind{
			"function_definition":  KindFunction,
			"class_specifier":      KindClass,
			"struct_specifier":     KindClass,
			"union_specifier":      KindClass,
			"enum_specifier":       KindEnum,
			"namespace_definition": KindModule,
			"alias_declaration":    KindType,
		},
		CallNodeTypes:   []string{"call_expression", "new_expression"},
		ImportNodeTypes: []string{"preproc_include", "using_declaration"},
	})
}
