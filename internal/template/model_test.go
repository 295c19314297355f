package template

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const sample = `
AWSTemplateFormatVersion: '2010-09-09'
Transform: AWS::Serverless-2016-10-31
Globals:
  Function:
    Runtime: go1.x
    Timeout: 30
    Environment:
      Variables:
        ENVIRONMENT: dev
        SHARED: global
Resources:
  HelloFunction:
    Type: AWS::Serverless::Function
    Properties:
      CodeUri: hello.zip
      Handler: hello
      Environment:
        Variables:
          ENVIRONMENT: prod
          DEBUG: true
          RETRIES: 3
  CheersFunction:
    Type: AWS::Serverless::Function
    Properties:
      CodeUri: cheers.zip
      Handler: cheers
      Runtime: provided.al2
      Timeout: 5
      MemorySize: 512
  Bucket:
    Type: AWS::S3::Bucket
`

func TestFunctions(t *testing.T) {
	tmpl, err := Parse(strings.NewReader(sample))
	if err != nil {
		t.Fatalf("There was an error processing the template: %s", err)
	}
	functions, err := tmpl.Functions()
	if err != nil {
		t.Fatal(err)
	}
	if len(functions) != 2 {
		t.Fatalf("got %d functions, want 2", len(functions))
	}

	hello := functions["HelloFunction"].Properties
	if hello.Runtime != "go1.x" {
		t.Errorf("runtime = %s, want go1.x from globals", hello.Runtime)
	}
	if hello.Timeout != 30 {
		t.Errorf("timeout = %d, want 30", hello.Timeout)
	}
	if hello.MemorySize != DefaultMemorySize {
		t.Errorf("memory = %d, want %d", hello.MemorySize, DefaultMemorySize)
	}
	wantEnv := map[string]string{
		"ENVIRONMENT": "prod",
		"SHARED":      "global",
		"DEBUG":       "true",
		"RETRIES":     "3",
	}
	for k, v := range wantEnv {
		if got := hello.Environment.Variables[k]; got != v {
			t.Errorf("env %s = %q, want %q", k, got, v)
		}
	}

	cheers := functions["CheersFunction"].Properties
	if cheers.Runtime != "provided.al2" || cheers.Timeout != 5 || cheers.MemorySize != 512 {
		t.Errorf("cheers properties overridden by globals: %+v", cheers)
	}
	if cheers.Environment.Variables["ENVIRONMENT"] != "dev" {
		t.Errorf("cheers ENVIRONMENT = %q, want dev", cheers.Environment.Variables["ENVIRONMENT"])
	}
}

func TestFunctionsDefaultTimeout(t *testing.T) {
	tmpl, err := Parse(strings.NewReader(`
Resources:
  Fn:
    Type: AWS::Serverless::Function
    Properties:
      Handler: fn
`))
	if err != nil {
		t.Fatal(err)
	}
	functions, err := tmpl.Functions()
	if err != nil {
		t.Fatal(err)
	}
	if got := functions["Fn"].Properties.Timeout; got != DefaultTimeout {
		t.Errorf("timeout = %d, want %d", got, DefaultTimeout)
	}
}

func TestFunctionsRejectsNonScalarVariable(t *testing.T) {
	tmpl, err := Parse(strings.NewReader(`
Resources:
  Fn:
    Type: AWS::Serverless::Function
    Properties:
      Environment:
        Variables:
          LIST: [a, b]
`))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := tmpl.Functions(); err == nil {
		t.Fatal("expected error for list value")
	}
}

func TestParseFile(t *testing.T) {
	if _, err := ParseFile(""); err == nil {
		t.Error("expected error for empty file name")
	}
	if _, err := ParseFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}

	name := filepath.Join(t.TempDir(), "template.yaml")
	if err := os.WriteFile(name, []byte(sample), 0o644); err != nil {
		t.Fatal(err)
	}
	tmpl, err := ParseFile(name)
	if err != nil {
		t.Fatal(err)
	}
	if len(tmpl.Resources) != 3 {
		t.Errorf("got %d resources, want 3", len(tmpl.Resources))
	}
}
