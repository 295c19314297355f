package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/sirupsen/logrus/hooks/test"

	"github.com/vrealzhou/hello-lambda/internal/hello"
	"github.com/vrealzhou/hello-lambda/internal/invoker"
	"github.com/vrealzhou/hello-lambda/internal/server"
	"github.com/vrealzhou/hello-lambda/internal/template"
)

func setup(t *testing.T) *Client {
	t.Helper()
	t.Setenv("ENVIRONMENT", "e2e")
	registry := invoker.NewRegistry("", true, "ap-southeast-2")
	registry.RegisterBuiltin("hello", func(env map[string]string) lambda.Handler {
		logger, _ := test.NewNullLogger()
		return lambda.NewHandler(hello.New(hello.WithLogger(logger), hello.WithEnv(env)).Handle)
	})
	registry.RegisterBuiltin("fail", func(map[string]string) lambda.Handler {
		return lambda.NewHandler(func() error { return errors.New("boom") })
	})
	functions := map[string]template.Function{
		"HelloFunction": {Properties: template.FunctionSetting{
			Handler:     "hello",
			Runtime:     "go1.x",
			Timeout:     3,
			Environment: template.Env{Variables: map[string]string{"ENVIRONMENT": "template"}},
		}},
		"FailFunction": {Properties: template.FunctionSetting{Handler: "fail", Runtime: "go1.x", Timeout: 3}},
	}
	ts := httptest.NewServer(server.New(registry, functions))
	t.Cleanup(ts.Close)
	c, err := New(ts.URL, "ap-southeast-2")
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestInvoke(t *testing.T) {
	c := setup(t)
	res, err := c.Invoke(context.Background(), "HelloFunction", []byte(`{"a":1}`))
	if err != nil {
		t.Fatal(err)
	}
	if res.StatusCode != 200 || res.FunctionError != "" {
		t.Fatalf("unexpected result %+v", res)
	}
	var resp hello.Response
	if err := json.Unmarshal(res.Payload, &resp); err != nil {
		t.Fatal(err)
	}
	var body hello.Body
	if err := json.Unmarshal([]byte(resp.Body), &body); err != nil {
		t.Fatal(err)
	}
	if body.Message != hello.Message || body.Environment == nil || *body.Environment != "e2e" {
		t.Errorf("unexpected body %s", resp.Body)
	}
}

func TestInvokeFunctionError(t *testing.T) {
	c := setup(t)
	res, err := c.Invoke(context.Background(), "FailFunction", []byte(`{}`))
	if err != nil {
		t.Fatal(err)
	}
	if res.FunctionError != "Unhandled" {
		t.Errorf("function error = %q", res.FunctionError)
	}
}

func TestInvokeUnknownFunction(t *testing.T) {
	c := setup(t)
	_, err := c.Invoke(context.Background(), "Missing", []byte(`{}`))
	var aerr awserr.Error
	if !errors.As(err, &aerr) {
		t.Fatalf("err = %v, want awserr.Error", err)
	}
	if aerr.Code() != "ResourceNotFoundException" {
		t.Errorf("code = %s", aerr.Code())
	}
}
