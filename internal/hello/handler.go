package hello

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"

	"github.com/aws/aws-lambda-go/lambdacontext"
	log "github.com/sirupsen/logrus"
)

// Message is returned in every response body.
const Message = "Hello from Python Lambda!"

// EnvironmentVariable names the variable reflected into the response body.
const EnvironmentVariable = "ENVIRONMENT"

// Response is the proxy-style result of the function.
type Response struct {
	StatusCode int    `json:"statusCode"`
	Body       string `json:"body"`
}

// Body is encoded into Response.Body. Environment is null when the variable is unset.
type Body struct {
	Message     string  `json:"message"`
	Environment *string `json:"environment"`
}

// Handler logs incoming events and answers with a fixed message.
type Handler struct {
	logger    log.FieldLogger
	lookupEnv func(string) (string, bool)
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the sink events are written to.
func WithLogger(logger log.FieldLogger) Option {
	return func(h *Handler) {
		h.logger = logger
	}
}

// WithLookupEnv replaces os.LookupEnv.
func WithLookupEnv(lookup func(string) (string, bool)) Option {
	return func(h *Handler) {
		h.lookupEnv = lookup
	}
}

// WithEnv makes the handler read its environment from env instead of the process.
func WithEnv(env map[string]string) Option {
	return WithLookupEnv(func(key string) (string, bool) {
		val, ok := env[key]
		return val, ok
	})
}

// New returns a Handler reading the process environment and logging to the standard logger.
func New(opts ...Option) *Handler {
	h := &Handler{
		logger:    log.StandardLogger(),
		lookupEnv: os.LookupEnv,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Handle logs event and returns the response. It fails only when event cannot be encoded.
func (h *Handler) Handle(ctx context.Context, event interface{}) (Response, error) {
	dump, err := json.MarshalIndent(event, "", "  ")
	if err != nil {
		return Response{}, fmt.Errorf("encode event: %w", err)
	}
	logger := h.logger
	if lc, ok := lambdacontext.FromContext(ctx); ok {
		logger = logger.WithField("requestId", lc.AwsRequestID)
	}
	logger.Infof("Event: %s", dump)

	body := Body{Message: Message}
	if val, ok := h.lookupEnv(EnvironmentVariable); ok {
		body.Environment = &val
	}
	b, err := json.Marshal(body)
	if err != nil {
		return Response{}, err
	}
	return Response{
		StatusCode: http.StatusOK,
		Body:       string(b),
	}, nil
}
