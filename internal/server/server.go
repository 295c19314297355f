package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io/ioutil"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/labstack/echo"
	log "github.com/sirupsen/logrus"

	"github.com/vrealzhou/hello-lambda/internal/invoker"
	"github.com/vrealzhou/hello-lambda/internal/template"
)

const invokePath = "/2015-03-31/functions/:function/invocations"

// Invoker runs a named function.
type Invoker interface {
	Invoke(ctx context.Context, name string, function template.Function, payload []byte) ([]byte, error)
}

// Server exposes template functions through the Lambda Invoke API and an API Gateway style proxy.
type Server struct {
	echo      *echo.Echo
	invoker   Invoker
	functions map[string]template.Function
}

// New returns a Server for functions.
func New(inv Invoker, functions map[string]template.Function) *Server {
	s := &Server{
		echo:      echo.New(),
		invoker:   inv,
		functions: functions,
	}
	s.echo.HideBanner = true
	s.echo.Use(logRequests)
	s.echo.POST(invokePath, s.invoke)
	s.echo.Any("/api/:function", s.proxy)
	s.echo.Any("/api/:function/*", s.proxy)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}

// Start listens on addr until Shutdown is called.
func (s *Server) Start(addr string) error {
	err := s.echo.Start(addr)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops the listener gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func logRequests(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		err := next(c)
		if err != nil {
			c.Error(err)
		}
		log.WithFields(log.Fields{
			"method":  c.Request().Method,
			"path":    c.Request().URL.Path,
			"status":  c.Response().Status,
			"latency": time.Since(start).String(),
		}).Info("request")
		return nil
	}
}

func (s *Server) lookup(c echo.Context) (string, template.Function, bool) {
	name := c.Param("function")
	fn, ok := s.functions[name]
	return name, fn, ok
}

func (s *Server) invoke(c echo.Context) error {
	name, fn, ok := s.lookup(c)
	if !ok {
		return awsError(c, http.StatusNotFound, "ResourceNotFoundException", "User", invoker.ErrNotFound.Error()+": "+name)
	}
	payload, err := ioutil.ReadAll(c.Request().Body)
	defer c.Request().Body.Close()
	if err != nil {
		return err
	}
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	result, err := s.invoker.Invoke(c.Request().Context(), name, fn, payload)
	switch {
	case errors.Is(err, invoker.ErrExec):
		c.Response().Header().Set("X-Amz-Function-Error", "Unhandled")
	case err != nil:
		log.Errorf("Error on invoking function %s: %s", name, err.Error())
		return awsError(c, http.StatusInternalServerError, "ServiceException", "Service", err.Error())
	}
	return c.Blob(http.StatusOK, echo.MIMEApplicationJSON, result)
}

func awsError(c echo.Context, status int, errType, kind, msg string) error {
	c.Response().Header().Set("X-Amzn-ErrorType", errType)
	return c.JSON(status, map[string]string{
		"Type":    kind,
		"message": msg,
	})
}

func (s *Server) proxy(c echo.Context) error {
	name, fn, ok := s.lookup(c)
	if !ok {
		return c.JSON(http.StatusNotFound, map[string]string{"message": "Not Found"})
	}
	event, err := proxyRequest(c)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	result, err := s.invoker.Invoke(c.Request().Context(), name, fn, payload)
	if err != nil {
		log.Errorf("Function %s failed: %s %s", name, err.Error(), string(result))
		return c.JSON(http.StatusBadGateway, map[string]string{"message": "Internal server error"})
	}
	var resp events.APIGatewayProxyResponse
	if err := json.Unmarshal(result, &resp); err != nil || resp.StatusCode == 0 {
		log.Errorf("Function %s returned an invalid proxy response: %s", name, string(result))
		return c.JSON(http.StatusBadGateway, map[string]string{"message": "Internal server error"})
	}
	return writeProxyResponse(c, resp)
}

func proxyRequest(c echo.Context) (events.APIGatewayProxyRequest, error) {
	req := c.Request()
	body, err := ioutil.ReadAll(req.Body)
	defer req.Body.Close()
	if err != nil {
		return events.APIGatewayProxyRequest{}, err
	}
	event := events.APIGatewayProxyRequest{
		Resource:                        c.Path(),
		Path:                            req.URL.Path,
		HTTPMethod:                      req.Method,
		Headers:                         make(map[string]string),
		MultiValueHeaders:               make(map[string][]string),
		QueryStringParameters:           make(map[string]string),
		MultiValueQueryStringParameters: make(map[string][]string),
		PathParameters:                  make(map[string]string),
		Body:                            string(body),
		RequestContext: events.APIGatewayProxyRequestContext{
			Path:       req.URL.Path,
			HTTPMethod: req.Method,
			Stage:      "local",
			Identity: events.APIGatewayRequestIdentity{
				SourceIP:  c.RealIP(),
				UserAgent: req.UserAgent(),
			},
		},
	}
	for k, v := range req.Header {
		event.Headers[k] = strings.Join(v, ",")
		event.MultiValueHeaders[k] = v
	}
	for k, v := range req.URL.Query() {
		event.QueryStringParameters[k] = v[len(v)-1]
		event.MultiValueQueryStringParameters[k] = v
	}
	if proxy := c.Param("*"); proxy != "" {
		event.PathParameters["proxy"] = proxy
	}
	return event, nil
}

func writeProxyResponse(c echo.Context, resp events.APIGatewayProxyResponse) error {
	header := c.Response().Header()
	for k, v := range resp.Headers {
		header.Set(k, v)
	}
	for k, vs := range resp.MultiValueHeaders {
		for _, v := range vs {
			header.Add(k, v)
		}
	}
	body := []byte(resp.Body)
	if resp.IsBase64Encoded {
		decoded, err := base64.StdEncoding.DecodeString(resp.Body)
		if err != nil {
			return err
		}
		body = decoded
	}
	contentType := header.Get(echo.HeaderContentType)
	if contentType == "" {
		contentType = echo.MIMEApplicationJSON
	}
	return c.Blob(resp.StatusCode, contentType, body)
}
