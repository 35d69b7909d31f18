package policy

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Document is a per-repository policy file.
//
//	repository: acme/api
//	mode: aggressive
//	max_dynamic: 6
//	idle_timeout: 10m
type Document struct {
	Repository string `yaml:"repository"`
	Override   `yaml:",inline"`
}

// ParseDocument decodes a policy document. Unknown keys are rejected so a
// typo does not silently fall back to the global default.
func ParseDocument(data []byte) (*Document, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var doc Document
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode policy document: %w", err)
	}
	return &doc, nil
}

// LoadDir reads every *.yaml and *.yml file in dir. A file that does not name
// its repository is keyed by its file name with "__" standing for "/", so
// acme__api.yaml configures acme/api.
//
// Documents that fail to parse are returned in errs keyed by repository so
// the caller can exclude just that repository.
func LoadDir(dir string) (docs map[string]Override, errs map[string]error, err error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read policy dir: %w", err)
	}

	docs = make(map[string]Override)
	errs = make(map[string]error)

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		fallback := repositoryFromFileName(name)

		data, readErr := os.ReadFile(filepath.Join(dir, name))
		if readErr != nil {
			errs[fallback] = fmt.Errorf("failed to read %s: %w", name, readErr)
			continue
		}

		doc, parseErr := ParseDocument(data)
		if parseErr != nil {
			errs[fallback] = fmt.Errorf("%s: %w", name, parseErr)
			continue
		}

		repo := doc.Repository
		if repo == "" {
			repo = fallback
		}
		if _, dup := docs[repo]; dup {
			errs[repo] = fmt.Errorf("%s: duplicate policy document for %s", name, repo)
			continue
		}
		docs[repo] = doc.Override
	}

	return docs, errs, nil
}

func repositoryFromFileName(name string) string {
	base := strings.TrimSuffix(name, filepath.Ext(name))
	return strings.ReplaceAll(base, "__", "/")
}
