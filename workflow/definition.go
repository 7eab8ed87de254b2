// Package workflow parses YAML workflow definitions into bind requests.
// The definition file is the CLI's front door to the server; the client
// library builds the same requests programmatically.
package workflow

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/ihmeuw-scicomp/jobmon/db"
	"github.com/ihmeuw-scicomp/jobmon/resource"
)

// TaskDefinition is one task in a YAML workflow file.
type TaskDefinition struct {
	Name            string            `yaml:"name"`
	Template        string            `yaml:"template"`
	CommandTemplate string            `yaml:"command_template"`
	ArgNames        []string          `yaml:"arg_names"`
	NodeArgs        map[string]string `yaml:"node_args"`
	Command         string            `yaml:"command"`
	MaxAttempts     int               `yaml:"max_attempts"`
	Upstreams       []string          `yaml:"upstreams"` // sibling task names
	Memory          string            `yaml:"memory"`    // e.g. "4G", "512MiB"
	RuntimeSeconds  int64             `yaml:"runtime_seconds"`
	Cores           int               `yaml:"cores"`
	Queue           string            `yaml:"queue"`
	ScaleFactor     float64           `yaml:"scale_factor"`
	FallbackQueues  []string          `yaml:"fallback_queues"`
	ArrayMaxConcurrentlyRunning int   `yaml:"array_max_concurrently_running"`
}

// Definition is the YAML schema of a workflow file.
type Definition struct {
	Tool                   string            `yaml:"tool"`
	ToolVersion            string            `yaml:"tool_version"`
	Name                   string            `yaml:"name"`
	Args                   string            `yaml:"args"`
	MaxConcurrentlyRunning int               `yaml:"max_concurrently_running"`
	Attributes             map[string]string `yaml:"attributes"`
	Tasks                  []TaskDefinition  `yaml:"tasks"`
}

// Load reads and parses a workflow definition file.
func Load(path string) (*Definition, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow definition: %w", err)
	}
	return Parse(raw)
}

// Parse parses a YAML workflow definition.
func Parse(raw []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(raw, &def); err != nil {
		return nil, fmt.Errorf("failed to parse workflow definition: %w", err)
	}
	if def.Tool == "" {
		return nil, fmt.Errorf("workflow definition must name a tool")
	}
	names := map[string]int{}
	for i, t := range def.Tasks {
		if t.Name == "" {
			return nil, fmt.Errorf("task %d has no name", i)
		}
		if _, dup := names[t.Name]; dup {
			return nil, fmt.Errorf("duplicate task name %q", t.Name)
		}
		names[t.Name] = i
	}
	for _, t := range def.Tasks {
		for _, up := range t.Upstreams {
			if up == t.Name {
				return nil, fmt.Errorf("task %q depends on itself", t.Name)
			}
			if _, ok := names[up]; !ok {
				return nil, fmt.Errorf("task %q references unknown upstream %q", t.Name, up)
			}
		}
	}
	return &def, nil
}

// BindRequest converts the definition into the server's bind contract,
// resolving task names to indexes and memory strings to bytes.
func (d *Definition) BindRequest() (*db.BindRequest, error) {
	names := map[string]int{}
	for i, t := range d.Tasks {
		names[t.Name] = i
	}

	req := &db.BindRequest{
		Tool:                   d.Tool,
		ToolVersion:            d.ToolVersion,
		WorkflowName:           d.Name,
		WorkflowArgs:           d.Args,
		MaxConcurrentlyRunning: d.MaxConcurrentlyRunning,
		Attributes:             d.Attributes,
	}

	for _, t := range d.Tasks {
		memory := int64(0)
		if t.Memory != "" {
			parsed, err := resource.ParseMemory(t.Memory)
			if err != nil {
				return nil, fmt.Errorf("task %q: %w", t.Name, err)
			}
			memory = parsed
		}
		upstreams := make([]int, 0, len(t.Upstreams))
		for _, up := range t.Upstreams {
			upstreams = append(upstreams, names[up])
		}
		template := t.Template
		if template == "" {
			template = t.Name
		}
		var scaling *resource.ScalingRule
		if t.ScaleFactor > 0 {
			scaling = &resource.ScalingRule{Factor: t.ScaleFactor}
		}
		req.Tasks = append(req.Tasks, db.BindTask{
			TaskTemplate:    template,
			CommandTemplate: t.CommandTemplate,
			ArgNames:        t.ArgNames,
			NodeArgs:        t.NodeArgs,
			Name:            t.Name,
			Command:         t.Command,
			MaxAttempts:     t.MaxAttempts,
			Upstreams:       upstreams,
			Resources: resource.ComputeResources{
				MemoryBytes:    memory,
				RuntimeSeconds: t.RuntimeSeconds,
				Cores:          t.Cores,
				Queue:          t.Queue,
			},
			Scaling:                     scaling,
			FallbackQueues:              t.FallbackQueues,
			ArrayMaxConcurrentlyRunning: t.ArrayMaxConcurrentlyRunning,
		})
	}
	return req, nil
}
