package lang

func init() {
	Register(&Spec{
		Language:       Ruby,
		FileExtensions: []string{".rb", ".rake", ".gemspec"},
		FileNames:      []string{"Rakefile", "Gemfile"},
		Definitions: map[string]SymbolKind{
			"method":           KindMethod,
			"singleton_method": KindMethod,
			"class":            KindClass,
			"module":           KindModule,
		},
		CallNodeTypes: []string{"call"},
	})
}
