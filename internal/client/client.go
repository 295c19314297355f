package client

import (
	"context"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/lambda"
	"github.com/aws/aws-sdk-go/service/lambda/lambdaiface"
)

// Result of a synchronous invocation.
type Result struct {
	StatusCode    int64
	FunctionError string
	Payload       []byte
}

// Client invokes functions through the Lambda API.
type Client struct {
	svc lambdaiface.LambdaAPI
}

// New returns a client for region. A non empty endpoint points the client at a local host,
// in which case dummy credentials are used when none are configured.
func New(endpoint, region string) (*Client, error) {
	cfg := &aws.Config{
		MaxRetries: aws.Int(3),
		Region:     aws.String(region),
	}
	if endpoint != "" {
		cfg.Endpoint = aws.String(endpoint)
		cfg.Credentials = credentials.NewChainCredentials([]credentials.Provider{
			&credentials.EnvProvider{},
			&credentials.SharedCredentialsProvider{},
			&credentials.StaticProvider{Value: credentials.Value{
				AccessKeyID:     "local",
				SecretAccessKey: "local",
			}},
		})
	}
	sess, err := session.NewSession(cfg)
	if err != nil {
		return nil, err
	}
	return &Client{svc: lambda.New(sess)}, nil
}

// Invoke calls function synchronously with payload.
func (c *Client) Invoke(ctx context.Context, function string, payload []byte) (*Result, error) {
	out, err := c.svc.InvokeWithContext(ctx, &lambda.InvokeInput{
		FunctionName:   aws.String(function),
		InvocationType: aws.String(lambda.InvocationTypeRequestResponse),
		Payload:        payload,
	})
	if err != nil {
		return nil, err
	}
	return &Result{
		StatusCode:    aws.Int64Value(out.StatusCode),
		FunctionError: aws.StringValue(out.FunctionError),
		Payload:       out.Payload,
	}, nil
}
