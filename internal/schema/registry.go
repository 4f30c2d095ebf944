package schema

import (
	_ "embed"
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

//go:embed schemas.yaml
var builtinSchemas []byte

// DefaultVersion is the schema used when a request does not name one.
const DefaultVersion = "company_profile@v1"

type registryFile struct {
	Schemas []Schema `yaml:"schemas"`
}

// LoadBuiltin returns the registry of schemas shipped with the binary.
func LoadBuiltin() (*Registry, error) {
	return parseRegistry(builtinSchemas)
}

// LoadFile reads additional schema declarations from a YAML file and merges
// them over the builtin registry. File schemas with a version key already
// present replace the builtin declaration.
func LoadFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "schema registry: read %s", path)
	}
	var file registryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, eris.Wrapf(err, "schema registry: parse %s", path)
	}
	var builtin registryFile
	if err := yaml.Unmarshal(builtinSchemas, &builtin); err != nil {
		return nil, eris.Wrap(err, "schema registry: parse builtin")
	}

	merged := make([]Schema, 0, len(builtin.Schemas)+len(file.Schemas))
	override := make(map[string]bool, len(file.Schemas))
	for i := range file.Schemas {
		override[file.Schemas[i].Version()] = true
	}
	for i := range builtin.Schemas {
		if !override[builtin.Schemas[i].Version()] {
			merged = append(merged, builtin.Schemas[i])
		}
	}
	merged = append(merged, file.Schemas...)

	return NewRegistry(merged)
}

func parseRegistry(data []byte) (*Registry, error) {
	var file registryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, eris.Wrap(err, "schema registry: parse")
	}
	return NewRegistry(file.Schemas)
}
