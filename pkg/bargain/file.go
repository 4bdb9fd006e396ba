package bargain

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LexiconFile is the YAML layout of a lexicon override file.
type LexiconFile struct {
	Keywords  []string `yaml:"keywords"`
	Negations []string `yaml:"negations"`
}

// LoadLexicon reads keywords and negations from a YAML file. An empty path or an omitted list
// keeps the defaults.
func LoadLexicon(path string) (*Lexicon, error) {
	if path == "" {
		return NewLexicon(nil, nil), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read lexicon %s: %w", path, err)
	}
	var f LexiconFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse lexicon %s: %w", path, err)
	}
	return NewLexicon(f.Keywords, f.Negations), nil
}
