package buildconfig

import (
	"fmt"

	"github.com/go-viper/mapstructure/v2"
)

// AsMap narrows a generic document value to a mapping, returning false for
// absent values or other node kinds.
func AsMap(v any) (map[string]any, bool) {
	m, ok := v.(map[string]any)
	return m, ok
}

// Distributions returns the distributions mapping of the index document.
// An absent section yields an empty map.
func Distributions(index Document) map[string]any {
	if m, ok := AsMap(index["distributions"]); ok {
		return m
	}
	return map[string]any{}
}

// BuildFileRef resolves the relative path of a build-file document from the
// index: distributions -> distro -> buildType -> buildName.
func BuildFileRef(index Document, distro, buildType, buildName string) (string, error) {
	distroData, ok := AsMap(Distributions(index)[distro])
	if !ok {
		return "", fmt.Errorf("distribution %q not found in index", distro)
	}
	builds, ok := AsMap(distroData[buildType])
	if !ok {
		return "", fmt.Errorf("distribution %q has no %s", distro, buildType)
	}
	ref, ok := builds[buildName].(string)
	if !ok || ref == "" {
		return "", fmt.Errorf("build %q not found under %s of distribution %q", buildName, buildType, distro)
	}
	return ref, nil
}

// Targets decodes the targets section of a build-file document into
// os -> codename -> [arch, ...] form.
func Targets(buildFile Document) (map[string]map[string][]string, error) {
	raw, ok := buildFile["targets"]
	if !ok {
		return nil, fmt.Errorf("build file has no targets section")
	}

	var targets map[string]map[string][]string
	if err := mapstructure.Decode(raw, &targets); err != nil {
		return nil, fmt.Errorf("invalid targets section: %w", err)
	}
	return targets, nil
}

// Repositories is the typed view of a build-file repositories section.
type Repositories struct {
	Keys []string `mapstructure:"keys"`
	URLs []string `mapstructure:"urls"`
}

// RepositoriesOf decodes the repositories section of a build-file document.
// An absent section yields empty lists.
func RepositoriesOf(buildFile Document) (Repositories, error) {
	raw, ok := buildFile["repositories"]
	if !ok || raw == nil {
		return Repositories{}, nil
	}

	var repos Repositories
	if err := mapstructure.Decode(raw, &repos); err != nil {
		return Repositories{}, fmt.Errorf("invalid repositories section: %w", err)
	}
	return repos, nil
}

// SetRepositories writes the repositories section back into the document.
func SetRepositories(buildFile Document, repos Repositories) {
	keys := make([]any, len(repos.Keys))
	for i, k := range repos.Keys {
		keys[i] = k
	}
	urls := make([]any, len(repos.URLs))
	for i, u := range repos.URLs {
		urls[i] = u
	}

	section, ok := AsMap(buildFile["repositories"])
	if !ok {
		section = map[string]any{}
		buildFile["repositories"] = section
	}
	section["keys"] = keys
	section["urls"] = urls
}
