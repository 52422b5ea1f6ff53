// Package config loads and validates the node's startup configuration file:
// device identity, the local channel catalog, and the known connections to
// promote to active links once their peer is discovered.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// ParameterSpec is one parameter descriptor as it appears in a config file,
// before being converted into the channel package's tagged Parameter.
type ParameterSpec struct {
	DataType   string   `json:"dataType"`
	Value      any      `json:"value"`
	ReadOnly   bool     `json:"readOnly"`
	MinValue   float64  `json:"minValue,omitempty"`
	MaxValue   float64  `json:"maxValue,omitempty"`
	Precision  float64  `json:"precision,omitempty"`
	Unit       string   `json:"unit,omitempty"`
	EnumValues []string `json:"enumValues,omitempty"`
}

// ChannelSpec is one entry of the config file's Channels list.
type ChannelSpec struct {
	ChannelIndex int                      `json:"channelIndex"`
	ChannelType  string                   `json:"channelType"`
	Parameters   map[string]ParameterSpec `json:"parameters"`
}

// ConnectionSpec is one entry of the config file's Connections list: a known
// link we want to re-establish whenever the named peer is discovered.
type ConnectionSpec struct {
	Name         string  `json:"name"`
	SelfIndex    int     `json:"selfIndex"`
	SelfType     string  `json:"selfType"`
	ChannelIndex *int    `json:"channelIndex,omitempty"`
	ChannelType  *string `json:"channelType,omitempty"`
}

// Node is the fully parsed, validated configuration for one device.
type Node struct {
	Name        string           `json:"Name"`
	Model       string           `json:"Model"`
	Type        string           `json:"Type"`
	Channels    []ChannelSpec    `json:"Channels"`
	Connections []ConnectionSpec `json:"Connections"`
}

var validDataTypes = map[string]bool{"number": true, "bool": true, "string": true, "enum": true}

// Load reads and validates the configuration file at path. Every failure
// here is fatal at startup: a node with an unusable device description
// has nothing safe to advertise or dispatch against.
func Load(path string) (*Node, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var n Node
	if err := json.Unmarshal(data, &n); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if err := n.validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return &n, nil
}

func (n *Node) validate() error {
	if strings.TrimSpace(n.Name) == "" {
		return fmt.Errorf("Name is required")
	}

	seen := make(map[string]bool, len(n.Channels))
	for _, ch := range n.Channels {
		key := fmt.Sprintf("%d:%s", ch.ChannelIndex, ch.ChannelType)
		if seen[key] {
			return fmt.Errorf("duplicate channel key (%d,%q)", ch.ChannelIndex, ch.ChannelType)
		}
		seen[key] = true

		for name, p := range ch.Parameters {
			if !validDataTypes[p.DataType] {
				return fmt.Errorf("channel (%d,%q) parameter %q: unrecognized dataType %q", ch.ChannelIndex, ch.ChannelType, name, p.DataType)
			}
			if p.DataType == "number" && p.MinValue > p.MaxValue {
				return fmt.Errorf("channel (%d,%q) parameter %q: minValue > maxValue", ch.ChannelIndex, ch.ChannelType, name)
			}
		}
	}

	for _, c := range n.Connections {
		key := fmt.Sprintf("%d:%s", c.SelfIndex, c.SelfType)
		if !seen[key] {
			return fmt.Errorf("connection to %q references undeclared self channel (%d,%q)", c.Name, c.SelfIndex, c.SelfType)
		}
	}
	return nil
}

// ListConfigFiles returns every "*.config" file in dir, for the interactive
// CLI selection prompt (spec.md §6).
func ListConfigFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("list config directory %s: %w", dir, err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.HasSuffix(e.Name(), ".config") {
			files = append(files, e.Name())
		}
	}
	return files, nil
}
