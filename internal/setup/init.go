// Package setup initializes a webrelay project directory.
package setup

import (
	"bytes"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/msageha/webrelay/internal/model"
	"github.com/msageha/webrelay/templates"
)

const workspaceDir = ".webrelay"

// Options tune the generated config.yaml. Zero values keep the template's.
type Options struct {
	Backend string
	Addr    string
	InDir   string
	OutDir  string
}

// Run creates .webrelay/ with its config, logs, locks and quarantine
// directories, plus the drop directories, under projectDir.
func Run(projectDir string, opts Options) error {
	absDir, err := filepath.Abs(projectDir)
	if err != nil {
		return fmt.Errorf("resolve project dir: %w", err)
	}

	base := filepath.Join(absDir, workspaceDir)
	if _, err := os.Stat(base); err == nil {
		return fmt.Errorf("%s already exists", base)
	}

	for _, d := range []string{"logs", "locks", "quarantine"} {
		if err := os.MkdirAll(filepath.Join(base, d), 0755); err != nil {
			return fmt.Errorf("create directory %s: %w", d, err)
		}
	}

	content, cfg, err := generateConfig(opts)
	if err != nil {
		return fmt.Errorf("generate config: %w", err)
	}
	if err := os.WriteFile(filepath.Join(base, "config.yaml"), content, 0644); err != nil {
		return fmt.Errorf("write config.yaml: %w", err)
	}

	for _, d := range []string{cfg.Watcher.InDir, cfg.Watcher.OutDir} {
		if !filepath.IsAbs(d) {
			d = filepath.Join(absDir, d)
		}
		if err := os.MkdirAll(d, 0755); err != nil {
			return fmt.Errorf("create directory %s: %w", d, err)
		}
	}
	return nil
}

// generateConfig edits the embedded template as a node tree so its comments
// survive, and checks the result loads and validates.
func generateConfig(opts Options) ([]byte, model.Config, error) {
	data, err := fs.ReadFile(templates.FS, "config.yaml")
	if err != nil {
		return nil, model.Config{}, fmt.Errorf("read config template: %w", err)
	}

	var doc yamlv3.Node
	if err := yamlv3.Unmarshal(data, &doc); err != nil {
		return nil, model.Config{}, fmt.Errorf("parse config template: %w", err)
	}
	overrides := []struct {
		section, key, value string
	}{
		{"backend", "type", opts.Backend},
		{"server", "addr", opts.Addr},
		{"watcher", "in_dir", opts.InDir},
		{"watcher", "out_dir", opts.OutDir},
	}
	for _, o := range overrides {
		if o.value == "" {
			continue
		}
		if err := setScalar(&doc, o.section, o.key, o.value); err != nil {
			return nil, model.Config{}, err
		}
	}

	var buf bytes.Buffer
	enc := yamlv3.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&doc); err != nil {
		return nil, model.Config{}, fmt.Errorf("encode config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, model.Config{}, fmt.Errorf("encode config: %w", err)
	}

	cfg := model.DefaultConfig()
	if err := yamlv3.Unmarshal(buf.Bytes(), &cfg); err != nil {
		return nil, model.Config{}, fmt.Errorf("reparse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, model.Config{}, err
	}
	return buf.Bytes(), cfg, nil
}

func setScalar(doc *yamlv3.Node, section, key, value string) error {
	root := doc
	if root.Kind == yamlv3.DocumentNode && len(root.Content) > 0 {
		root = root.Content[0]
	}
	sec := mappingValue(root, section)
	if sec == nil || sec.Kind != yamlv3.MappingNode {
		return fmt.Errorf("config template: missing section %q", section)
	}
	v := mappingValue(sec, key)
	if v == nil {
		return fmt.Errorf("config template: missing key %s.%s", section, key)
	}
	v.Kind = yamlv3.ScalarNode
	v.Tag = "!!str"
	v.Value = value
	return nil
}

func mappingValue(m *yamlv3.Node, key string) *yamlv3.Node {
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value == key {
			return m.Content[i+1]
		}
	}
	return nil
}
