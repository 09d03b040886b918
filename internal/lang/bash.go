package lang

func init() {
	Register(&Spec{
		Language:          Bash,
		FileExtensions:    []string{".sh", ".bash"},
		Definitions:       map[string]SymbolKind{"function_definition": KindFunction},
		VariableNodeTypes: []string{"variable_assignment"},
		CallNodeTypes:     []string{"command"},
	})
}
