package invoker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/rpc"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/aws/aws-lambda-go/lambda/messages"
	uuid "github.com/satori/go.uuid"
	log "github.com/sirupsen/logrus"

	"github.com/vrealzhou/hello-lambda/internal/template"
)

const readyTimeout = 10 * time.Second

// Go1xFunction runs a Go lambda binary as a child process and talks to it over net/rpc.
type Go1xFunction struct {
	name       string
	arn        string
	runtime    string
	dir        string
	handler    string
	port       int
	timeoutSec int64
	mutex      sync.Mutex

	cmd    *exec.Cmd
	onExit func()
}

func newGo1xFunction(name string, props template.FunctionSetting, dir string, port int) *Go1xFunction {
	handler := props.Handler
	if props.Runtime != "go1.x" || handler == "" {
		handler = "bootstrap"
	}
	return &Go1xFunction{
		name:       name,
		arn:        name,
		runtime:    props.Runtime,
		dir:        dir,
		handler:    handler,
		port:       port,
		timeoutSec: int64(props.Timeout),
	}
}

func (h *Go1xFunction) Runtime() string {
	return h.runtime
}

func (h *Go1xFunction) Name() string {
	return h.name
}

func (h *Go1xFunction) Arn() string {
	return h.arn
}

// Port returns the rpc port of the child process.
func (h *Go1xFunction) Port() int {
	return h.port
}

func (h *Go1xFunction) Start(env map[string]string) error {
	if h.port == 0 {
		return fmt.Errorf("No free port for function %s", h.name)
	}
	envs := append(envList(env), "_LAMBDA_SERVER_PORT="+strconv.Itoa(h.port))
	command := filepath.Join(h.dir, h.handler)
	log.Debugf("Command: %s, envs: %v", command, envs)
	cmd := exec.Command(command)
	cmd.Dir = h.dir
	cmd.Env = envs
	stdoutIn, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	stderrIn, err := cmd.StderrPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("Error on starting function %s: %w", h.name, err)
	}
	h.cmd = cmd
	log.Debugf("Function %s started, Pid is %d", h.name, cmd.Process.Pid)

	var output sync.WaitGroup
	output.Add(2)
	go func() {
		defer output.Done()
		copyAndCapture(os.Stdout, stdoutIn)
	}()
	go func() {
		defer output.Done()
		copyAndCapture(os.Stderr, stderrIn)
	}()
	exited := make(chan struct{})
	go func() {
		output.Wait()
		if err := cmd.Wait(); err != nil {
			log.Errorf("Function %s returned error: %v", h.name, err)
		}
		log.Debugf("Function %s finished", h.name)
		close(exited)
		if h.onExit != nil {
			h.onExit()
		}
	}()

	if err := h.waitFuncReady(exited); err != nil {
		cmd.Process.Kill()
		return fmt.Errorf("Lambda %s is crashed: %w", h.name, err)
	}
	return nil
}

func (h *Go1xFunction) Stop() error {
	if h.cmd == nil || h.cmd.Process == nil {
		return nil
	}
	err := h.cmd.Process.Kill()
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

func (h *Go1xFunction) Invoke(ctx context.Context, payload []byte) ([]byte, error) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	start := time.Now()
	log.Debugf("Invoke Function %s with Payload: %s", h.name, string(payload))
	log.Infof("Start Invoke Function %s at: %s", h.name, start.Format("2006/01/02 15:04:05"))
	client, err := h.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer client.Close()

	deadline := time.Now().Add(time.Duration(h.timeoutSec) * time.Second)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	req := &messages.InvokeRequest{
		Payload:   payload,
		RequestId: uuid.NewV4().String(),
		Deadline: messages.InvokeRequest_Timestamp{
			Seconds: deadline.Unix(),
			Nanos:   int64(deadline.Nanosecond()),
		},
		InvokedFunctionArn: h.arn,
	}
	response := &messages.InvokeResponse{}
	invokeStart := time.Now()
	call := client.Go("Function.Invoke", req, response, make(chan *rpc.Call, 1))
	select {
	case <-call.Done:
		err = call.Error
	case <-ctx.Done():
		err = ctx.Err()
	}
	invokeEnd := time.Now()
	log.Infof("Invoke Function %s preparing took: %s; Invoke took: %s; Total time cost: %s", h.name, invokeStart.Sub(start), invokeEnd.Sub(invokeStart), invokeEnd.Sub(start))
	if err != nil {
		return nil, err
	}
	if response.Error != nil {
		log.Debugf("Function %s returned error: %s", h.name, response.Error.Message)
		return execError(response.Error)
	}
	log.Debugf("Function %s with result: %s", h.name, string(response.Payload))
	return response.Payload, nil
}

func (h *Go1xFunction) dial(ctx context.Context) (*rpc.Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", "localhost:"+strconv.Itoa(h.port))
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrConn, err.Error())
	}
	return rpc.NewClient(conn), nil
}

// waitFuncReady waits for the function service to answer pings.
func (h *Go1xFunction) waitFuncReady(exited <-chan struct{}) error {
	ctx, cancel := context.WithTimeout(context.Background(), readyTimeout)
	defer cancel()
	for {
		err := h.pingFunc(ctx)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrConn) {
			return err
		}
		select {
		case <-exited:
			return errors.New("process exited")
		case <-ctx.Done():
			return err
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func (h *Go1xFunction) pingFunc(ctx context.Context) error {
	client, err := h.dial(ctx)
	if err != nil {
		return err
	}
	defer client.Close()
	req := &messages.PingRequest{}
	response := &messages.PingResponse{}
	return client.Call("Function.Ping", req, response)
}

func portFree(port int) bool {
	l, err := net.Listen("tcp", "localhost:"+strconv.Itoa(port))
	if err != nil {
		return false
	}
	l.Close()
	return true
}
