package invoker

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-lambda-go/lambda/messages"
	"github.com/aws/aws-lambda-go/lambdacontext"
	uuid "github.com/satori/go.uuid"
	log "github.com/sirupsen/logrus"

	"github.com/vrealzhou/hello-lambda/internal/template"
)

// LocalFunction runs a builtin handler inside the host process.
type LocalFunction struct {
	name    string
	arn     string
	timeout time.Duration
	factory Factory
	handler lambda.Handler
}

func newLocalFunction(name string, props template.FunctionSetting, factory Factory) *LocalFunction {
	return &LocalFunction{
		name:    name,
		arn:     name,
		timeout: time.Duration(props.Timeout) * time.Second,
		factory: factory,
	}
}

func (f *LocalFunction) Runtime() string {
	return "local"
}

func (f *LocalFunction) Name() string {
	return f.name
}

func (f *LocalFunction) Arn() string {
	return f.arn
}

func (f *LocalFunction) Start(env map[string]string) error {
	f.handler = f.factory(env)
	log.Debugf("Function %s loaded in process", f.name)
	return nil
}

func (f *LocalFunction) Stop() error {
	return nil
}

type invokeResult struct {
	payload []byte
	err     error
}

func (f *LocalFunction) Invoke(ctx context.Context, payload []byte) ([]byte, error) {
	start := time.Now()
	requestID := uuid.NewV4().String()
	log.Debugf("Invoke Function %s with Payload: %s", f.name, string(payload))
	log.Infof("Start Invoke Function %s, request id: %s", f.name, requestID)

	parent := ctx
	if f.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}
	ctx = lambdacontext.NewContext(ctx, &lambdacontext.LambdaContext{
		AwsRequestID:       requestID,
		InvokedFunctionArn: f.arn,
	})

	// The handler sees ctx cancelled on return; a handler ignoring it keeps running until it finishes.
	done := make(chan invokeResult, 1)
	go func() {
		defer func() {
			if e := recover(); e != nil {
				done <- invokeResult{err: fmt.Errorf("%v", e)}
			}
		}()
		out, err := f.handler.Invoke(ctx, payload)
		done <- invokeResult{payload: out, err: err}
	}()

	var res invokeResult
	select {
	case res = <-done:
	case <-ctx.Done():
		if err := parent.Err(); err != nil {
			log.Infof("Invoke Function %s cancelled by caller after %s: %s", f.name, time.Since(start), err.Error())
			return nil, err
		}
		log.Infof("Function %s timed out after %s", f.name, time.Since(start))
		return execError(&messages.InvokeResponse_Error{
			Message: fmt.Sprintf("%s %s Task timed out after %.2f seconds",
				time.Now().UTC().Format(time.RFC3339), requestID, f.timeout.Seconds()),
			Type: "TimeoutError",
		})
	}
	log.Infof("Invoke Function %s took: %s", f.name, time.Since(start))
	if res.err != nil {
		log.Debugf("Function %s returned error: %s", f.name, res.err.Error())
		return execError(&messages.InvokeResponse_Error{
			Message: res.err.Error(),
			Type:    errorType(res.err),
		})
	}
	log.Debugf("Function %s with result: %s", f.name, string(res.payload))
	return res.payload, nil
}
