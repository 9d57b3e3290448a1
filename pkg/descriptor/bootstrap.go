package descriptor

// InjectBootstrapDependency adds a synthetic build and run dependency on the
// workspace bootstrap package to every other package in the set.
//
// The bootstrap package itself and its own direct build dependencies are
// excluded; giving them the edge would create a cycle. A missing bootstrap
// package is not an error, the set is returned unchanged.
func InjectBootstrapDependency(pkgs []*Package, bootstrapName string) {
	var bootstrap *Package
	for _, p := range pkgs {
		if p.Name == bootstrapName {
			bootstrap = p
			break
		}
	}
	if bootstrap == nil {
		return
	}

	excluded := map[string]struct{}{bootstrap.Name: {}}
	for name := range bootstrap.Dependencies[CategoryBuild] {
		excluded[name] = struct{}{}
	}

	dep := Dependency{Name: bootstrapName}
	for _, p := range pkgs {
		if _, skip := excluded[p.Name]; skip {
			continue
		}
		p.Dependencies[CategoryBuild].Add(dep)
		p.Dependencies[CategoryRun].Add(dep)
	}
}
