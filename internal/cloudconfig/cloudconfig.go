// Package cloudconfig models the cloud-init "#cloud-config" user data
// document and renders it in the form EC2 hands to cloud-init.
package cloudconfig

import (
	"bytes"
	"fmt"

	"gopkg.in/yaml.v3"
)

// Header is the marker line cloud-init requires on the first line.
const Header = "#cloud-config\n"

// Document is the first-boot configuration of one machine role.
type Document struct {
	Timezone string `yaml:"timezone,omitempty"`
	FQDN     string `yaml:"fqdn,omitempty"`
	Hostname string `yaml:"hostname,omitempty"`
	// Bootcmd runs on every boot, early, before packages are installed.
	Bootcmd  []string `yaml:"bootcmd,omitempty"`
	Apt      *Apt     `yaml:"apt,omitempty"`
	Packages []string `yaml:"packages,omitempty"`
	// WriteFiles are written in order; entries with Defer are written after
	// users and packages exist.
	WriteFiles []File     `yaml:"write_files,omitempty"`
	Swap       *Swap      `yaml:"swap,omitempty"`
	Mounts     [][]string `yaml:"mounts,omitempty"`
}

// Apt holds extra package sources keyed by the sources.list.d file name.
type Apt struct {
	Sources map[string]AptSource `yaml:"sources"`
}

// AptSource is one package source line plus its signing key id.
type AptSource struct {
	Source string `yaml:"source"`
	KeyID  string `yaml:"keyid"`
}

// File is one write_files entry.
type File struct {
	Path        string `yaml:"path"`
	Owner       string `yaml:"owner,omitempty"`
	Permissions string `yaml:"permissions,omitempty"`
	Defer       bool   `yaml:"defer,omitempty"`
	Content     string `yaml:"content"`
}

// Swap configures a swap file.
type Swap struct {
	Filename string `yaml:"filename"`
	Size     string `yaml:"size"`
	MaxSize  string `yaml:"maxsize"`
}

// Dump renders doc as user data: the header line followed by YAML in which
// every string value is a literal block scalar and nothing is line-wrapped.
func Dump(doc Document) (string, error) {
	var root yaml.Node
	if err := root.Encode(doc); err != nil {
		return "", fmt.Errorf("encode cloud-config: %w", err)
	}
	literalStrings(&root)

	var buf bytes.Buffer
	buf.WriteString(Header)
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&root); err != nil {
		return "", fmt.Errorf("encode cloud-config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return "", fmt.Errorf("encode cloud-config: %w", err)
	}
	return buf.String(), nil
}

// literalStrings switches every string value (never a mapping key) to the
// literal block style.
func literalStrings(node *yaml.Node) {
	switch node.Kind {
	case yaml.DocumentNode, yaml.SequenceNode:
		for _, child := range node.Content {
			literalStrings(child)
		}
	case yaml.MappingNode:
		for i := 1; i < len(node.Content); i += 2 {
			literalStrings(node.Content[i])
		}
	case yaml.ScalarNode:
		if node.Tag == "!!str" {
			node.Style = yaml.LiteralStyle
		}
	}
}
