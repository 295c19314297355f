package template

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v2"
)

// Defaults SAM applies to unset function properties.
const (
	DefaultTimeout    = 3
	DefaultMemorySize = 128
)

const serverlessFunction = "AWS::Serverless::Function"

type SAMTemplate struct {
	Globals struct {
		Function FunctionSetting `yaml:"Function,omitempty"`
	} `yaml:"Globals,omitempty"`
	Resources map[string]Function `yaml:"Resources,omitempty"`
}

// Functions returns all serverless functions with globals and defaults applied.
func (t SAMTemplate) Functions() (map[string]Function, error) {
	functions := make(map[string]Function)
	globalEnvVars, err := parseVariables(t.Globals.Function.Environment.InnerVars)
	if err != nil {
		return nil, fmt.Errorf("Globals: %s", err.Error())
	}
	for name, res := range t.Resources {
		if res.Type != serverlessFunction {
			continue
		}
		res.Properties.Environment.Variables, err = parseVariables(res.Properties.Environment.InnerVars)
		if err != nil {
			return nil, fmt.Errorf("%s: %s", name, err.Error())
		}
		if res.Properties.CodeURI == "" {
			res.Properties.CodeURI = t.Globals.Function.CodeURI
		}
		if res.Properties.Runtime == "" {
			res.Properties.Runtime = t.Globals.Function.Runtime
		}
		if res.Properties.MemorySize == 0 {
			res.Properties.MemorySize = t.Globals.Function.MemorySize
		}
		if res.Properties.MemorySize == 0 {
			res.Properties.MemorySize = DefaultMemorySize
		}
		if res.Properties.Timeout == 0 {
			res.Properties.Timeout = t.Globals.Function.Timeout
		}
		if res.Properties.Timeout == 0 {
			res.Properties.Timeout = DefaultTimeout
		}
		if res.Properties.Handler == "" {
			res.Properties.Handler = t.Globals.Function.Handler
		}
		if res.Properties.Tracing == "" {
			res.Properties.Tracing = t.Globals.Function.Tracing
		}
		for k, v := range globalEnvVars {
			if _, ok := res.Properties.Environment.Variables[k]; !ok {
				res.Properties.Environment.Variables[k] = v
			}
		}
		functions[name] = res
	}
	return functions, nil
}

type FunctionSetting struct {
	CodeURI     string `yaml:"CodeUri,omitempty"`
	Runtime     string `yaml:"Runtime,omitempty"`
	MemorySize  int    `yaml:"MemorySize,omitempty"`
	Timeout     int    `yaml:"Timeout,omitempty"`
	Handler     string `yaml:"Handler,omitempty"`
	Tracing     string `yaml:"Tracing,omitempty"`
	Environment Env    `yaml:"Environment,omitempty"`
}

type Env struct {
	InnerVars yaml.MapSlice     `yaml:"Variables,omitempty"`
	Variables map[string]string `yaml:"-"`
}

// parseVariables flattens Variables to strings. Scalars keep their YAML text form.
func parseVariables(vars yaml.MapSlice) (map[string]string, error) {
	m := make(map[string]string)
	for _, item := range vars {
		key, ok := item.Key.(string)
		if !ok {
			return nil, fmt.Errorf("environment variable name %v is %T, want string", item.Key, item.Key)
		}
		switch v := item.Value.(type) {
		case string:
			m[key] = v
		case bool, int, int64, uint64, float64:
			m[key] = fmt.Sprint(v)
		case nil:
			m[key] = ""
		default:
			return nil, fmt.Errorf("environment variable %s has non scalar value %v (%T)", key, v, v)
		}
	}
	return m, nil
}

type Function struct {
	Type       string          `yaml:"Type,omitempty"`
	Properties FunctionSetting `yaml:"Properties,omitempty"`
}

// Parse decodes a SAM template. Unknown fields are ignored.
func Parse(r io.Reader) (t SAMTemplate, err error) {
	d := yaml.NewDecoder(r)
	d.SetStrict(false)
	if err = d.Decode(&t); err != nil && err != io.EOF {
		return t, err
	}
	return t, nil
}

// ParseFile opens and decodes the template file tmplFile.
func ParseFile(tmplFile string) (t SAMTemplate, err error) {
	if tmplFile == "" {
		return t, fmt.Errorf("Please specify template file via --template {filename}")
	}
	f, err := os.Open(tmplFile)
	if err != nil {
		return t, fmt.Errorf("Error when open template file %s: %s", tmplFile, err.Error())
	}
	defer f.Close()
	t, err = Parse(f)
	if err != nil {
		return t, fmt.Errorf("Error when decoding template file %s: %s", tmplFile, err.Error())
	}
	return t, nil
}
