package lang

func init() {
	Register(&Spec{
		Language:       Lua,
		FileExtensions: []string{".lua"},
		Definitions: map[string]SymbolKind{
			"function_declaration": KindFunction,
		},
		CallNodeTypes: []string{"function_call"},
	})
}
