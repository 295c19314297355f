package invoker

import (
	"archive/zip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"sync"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-lambda-go/lambda/messages"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"github.com/vrealzhou/hello-lambda/internal/template"
)

var (
	// ErrConn defines connection error to lambda
	ErrConn = errors.New("Conn Error")
	// ErrExec defines error on execute lambda
	ErrExec = errors.New("Exec Error")
	// ErrRuntime is returned for runtimes the host cannot start
	ErrRuntime = errors.New("Unsupported runtime")
	// ErrNotFound is returned for unknown functions
	ErrNotFound = errors.New("Function not found")
)

// Function is a prepared lambda function.
type Function interface {
	Runtime() string
	Arn() string
	Name() string
	Start(env map[string]string) error
	Stop() error
	Invoke(ctx context.Context, payload []byte) ([]byte, error)
}

// Factory builds an in-process handler from the function's resolved environment.
type Factory func(env map[string]string) lambda.Handler

// Registry holds prepared functions. It is safe for concurrent use.
type Registry struct {
	base      string
	inProcess bool
	region    string
	environ   func() []string

	// prepareMu serializes function start up; mu guards the maps and is never held while a
	// function starts.
	prepareMu   sync.Mutex
	mu          sync.Mutex
	functions   map[string]Function
	builtins    map[string]Factory
	envSettings map[string]map[string]string
}

// NewRegistry returns a registry loading code from base.
func NewRegistry(base string, inProcess bool, region string) *Registry {
	return &Registry{
		base:        base,
		inProcess:   inProcess,
		region:      region,
		environ:     os.Environ,
		functions:   make(map[string]Function),
		builtins:    make(map[string]Factory),
		envSettings: make(map[string]map[string]string),
	}
}

// RegisterBuiltin makes functions whose Handler equals handler run in process.
func (r *Registry) RegisterBuiltin(handler string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.builtins[handler] = f
}

// Get returns a prepared function.
func (r *Registry) Get(name string) (Function, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.functions[name]
	return f, ok
}

func (r *Registry) deregister(name string, f Function) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.functions[name]; ok && cur == f {
		delete(r.functions, name)
	}
}

// Prepare preloads function and makes it ready to invoke. Prepared functions are reused.
func (r *Registry) Prepare(name string, function template.Function) (Function, error) {
	if f, ok := r.Get(name); ok {
		return f, nil
	}
	r.prepareMu.Lock()
	defer r.prepareMu.Unlock()

	r.mu.Lock()
	if f, ok := r.functions[name]; ok {
		r.mu.Unlock()
		return f, nil
	}
	props := function.Properties
	env := r.generateEnvs(name, function, r.environ())
	factory, builtin := r.builtins[props.Handler]
	port := r.pickPort()
	r.mu.Unlock()

	var f Function
	if builtin && r.inProcess {
		f = newLocalFunction(name, props, factory)
	} else {
		switch props.Runtime {
		case "go1.x", "provided.al2", "provided.al2023":
			dir, err := r.codeDir(name, props.CodeURI)
			if err != nil {
				return nil, err
			}
			g := newGo1xFunction(name, props, dir, port)
			g.onExit = func() { r.deregister(name, g) }
			f = g
		default:
			return nil, fmt.Errorf("%w %q for function %s", ErrRuntime, props.Runtime, name)
		}
	}
	if err := f.Start(env); err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.functions[name] = f
	r.mu.Unlock()
	return f, nil
}

// Invoke prepares function if needed and invokes it with payload.
func (r *Registry) Invoke(ctx context.Context, name string, function template.Function, payload []byte) ([]byte, error) {
	f, err := r.Prepare(name, function)
	if err != nil {
		return nil, err
	}
	return f.Invoke(ctx, payload)
}

// StopAll stops every prepared function.
func (r *Registry) StopAll() {
	r.mu.Lock()
	functions := make([]Function, 0, len(r.functions))
	for _, f := range r.functions {
		functions = append(functions, f)
	}
	r.functions = make(map[string]Function)
	r.mu.Unlock()
	for _, f := range functions {
		log.Debugf("Stop function %s", f.Name())
		if err := f.Stop(); err != nil {
			log.Errorf("Error on stopping function %s: %s", f.Name(), err.Error())
		}
	}
}

// codeDir resolves the directory holding the function binary, unzipping CodeUri when needed.
func (r *Registry) codeDir(name, codeURI string) (string, error) {
	if !strings.HasSuffix(codeURI, ".zip") {
		return filepath.Join(r.base, codeURI), nil
	}
	splits := strings.Split(codeURI, "/")
	zipFile := filepath.Join(r.base, splits[len(splits)-1])
	target := filepath.Join(r.base, name)
	log.Debugf("lambda zip file: %s, lambda exec path: %s", zipFile, target)
	if err := os.MkdirAll(target, os.ModePerm); err != nil {
		return "", err
	}
	if err := unzip(zipFile, target); err != nil {
		return "", err
	}
	return target, nil
}

// pickPort finds an available port between 2000-3000. Caller holds r.mu.
func (r *Registry) pickPort() int {
	used := make(map[int]bool)
	for _, f := range r.functions {
		if g, ok := f.(*Go1xFunction); ok {
			used[g.port] = true
		}
	}
	for port := 2000; port < 3000; port++ {
		if !used[port] && portFree(port) {
			return port
		}
	}
	return 0
}

// Environment returns the variables function name is started with.
func (r *Registry) Environment(name string, function template.Function) map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.generateEnvs(name, function, r.environ())
}

func (r *Registry) generateEnvs(name string, function template.Function, environ []string) map[string]string {
	props := function.Properties
	envMap := make(map[string]string)
	for key, val := range props.Environment.Variables {
		envMap[key] = val
	}
	for _, env := range environ {
		index := strings.Index(env, "=")
		if index <= 0 {
			continue
		}
		key := env[:index]
		val := env[index+1:]
		if _, ok := envMap[key]; ok || strings.HasPrefix(key, "AWS_") {
			envMap[key] = val
		}
	}
	for _, scope := range []string{"", name} {
		for key, val := range r.envSettings[scope] {
			if _, ok := envMap[key]; ok || strings.HasPrefix(key, "AWS_") {
				envMap[key] = val
			}
		}
	}
	envMap["AWS_LAMBDA_FUNCTION_NAME"] = name
	envMap["AWS_LAMBDA_FUNCTION_VERSION"] = "$LATEST"
	envMap["AWS_LAMBDA_FUNCTION_MEMORY_SIZE"] = strconv.Itoa(props.MemorySize)
	envMap["AWS_LAMBDA_FUNCTION_TIMEOUT"] = strconv.Itoa(props.Timeout)
	if _, ok := envMap["AWS_REGION"]; !ok && r.region != "" {
		envMap["AWS_REGION"] = r.region
	}
	// set AWS credentials from file if not set
	if !hasCredentials(envMap) {
		profile := envMap["AWS_PROFILE"]
		if profile == "" {
			profile = envMap["AWS_DEFAULT_PROFILE"]
		}
		provider := &credentials.SharedCredentialsProvider{Profile: profile}
		value, err := provider.Retrieve()
		if err != nil {
			log.Debugf("No shared credentials for function %s: %s", name, err.Error())
		} else {
			envMap["AWS_ACCESS_KEY_ID"] = value.AccessKeyID
			envMap["AWS_SECRET_ACCESS_KEY"] = value.SecretAccessKey
			if value.SessionToken != "" {
				envMap["AWS_SESSION_TOKEN"] = value.SessionToken
			}
		}
	}
	return envMap
}

func hasCredentials(envMap map[string]string) bool {
	return envMap["AWS_ACCESS_KEY_ID"] != ""
}

func envList(envMap map[string]string) []string {
	envs := make([]string, 0, len(envMap))
	for k, v := range envMap {
		envs = append(envs, k+"="+v)
	}
	return envs
}

// LoadEnvFile loads extra env settings. A .json file maps function names to variables,
// any other file is read as dotenv and applies to every function. Missing files are ignored.
func (r *Registry) LoadEnvFile(file string) error {
	if file == "" {
		return nil
	}
	if _, err := os.Stat(file); os.IsNotExist(err) {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if strings.EqualFold(filepath.Ext(file), ".json") {
		f, err := os.Open(file)
		if err != nil {
			return fmt.Errorf("Error on opening env file %s: %s", file, err.Error())
		}
		defer f.Close()
		settings := make(map[string]map[string]string)
		if err := json.NewDecoder(f).Decode(&settings); err != nil {
			return fmt.Errorf("Error on parsing env file %s: %s", file, err.Error())
		}
		for name, vars := range settings {
			r.mergeEnv(name, vars)
		}
		return nil
	}
	vars, err := godotenv.Read(file)
	if err != nil {
		return fmt.Errorf("Error on parsing env file %s: %s", file, err.Error())
	}
	r.mergeEnv("", vars)
	return nil
}

func (r *Registry) mergeEnv(scope string, vars map[string]string) {
	if r.envSettings[scope] == nil {
		r.envSettings[scope] = make(map[string]string)
	}
	for k, v := range vars {
		r.envSettings[scope][k] = v
	}
}

// fromInvokErr wraps the raw error from lambda to standard lambda error struct.
func fromInvokErr(e *messages.InvokeResponse_Error) errWrapper {
	wrap := errWrapper{
		ErrorMessage: e.Message,
		ErrorType:    e.Type,
	}
	if e.StackTrace != nil {
		stackTrace := make([]errStackTrace, 0, len(e.StackTrace))
		for _, trace := range e.StackTrace {
			stackTrace = append(stackTrace, errStackTrace{
				Path:  trace.Path,
				Line:  trace.Line,
				Label: trace.Label,
			})
		}
		wrap.StackTrace = stackTrace
	}
	return wrap
}

// execError encodes e and pairs it with ErrExec.
func execError(e *messages.InvokeResponse_Error) ([]byte, error) {
	wrapped, err := json.Marshal(fromInvokErr(e))
	if err != nil {
		return nil, err
	}
	return wrapped, ErrExec
}

func errorType(err error) string {
	t := reflect.TypeOf(err)
	if t.Kind() == reflect.Ptr {
		return t.Elem().Name()
	}
	return t.Name()
}

// errWrapper used for wrap unhandled error message from lambda
type errWrapper struct {
	ErrorMessage string          `json:"errorMessage,omitempty"`
	ErrorType    string          `json:"errorType,omitempty"`
	StackTrace   []errStackTrace `json:"stackTrace,omitempty"`
}

type errStackTrace struct {
	Path  string `json:"path"`
	Line  int32  `json:"line"`
	Label string `json:"label"`
}

func copyAndCapture(w io.Writer, r io.Reader) {
	if _, err := io.Copy(w, r); err != nil {
		log.Debugf("Output copy stopped: %s", err.Error())
	}
}

func unzip(src string, target string) error {
	r, err := zip.OpenReader(src)
	if err != nil {
		return err
	}
	defer r.Close()

	for _, f := range r.File {
		// Store filename/path for returning and using later on
		fpath := filepath.Join(target, f.Name)
		log.Debugf("Unzip %s to %s", f.Name, fpath)

		// Check for ZipSlip
		if !strings.HasPrefix(fpath, filepath.Clean(target)+string(os.PathSeparator)) {
			return fmt.Errorf("%s: invalid file path", fpath)
		}

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(fpath, os.ModePerm); err != nil {
				return err
			}
			continue
		}
		if err := extractFile(f, fpath); err != nil {
			return err
		}
	}
	return nil
}

func extractFile(f *zip.File, fpath string) error {
	if err := os.MkdirAll(filepath.Dir(fpath), os.ModePerm); err != nil {
		return err
	}
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()
	outFile, err := os.OpenFile(fpath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, f.Mode())
	if err != nil {
		return err
	}
	_, err = io.Copy(outFile, rc)
	if cerr := outFile.Close(); err == nil {
		err = cerr
	}
	return err
}
