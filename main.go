package main

import (
	"context"
	"errors"
	"fmt"
	"io/ioutil"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"syscall"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/vrealzhou/hello-lambda/config"
	"github.com/vrealzhou/hello-lambda/internal/client"
	"github.com/vrealzhou/hello-lambda/internal/hello"
	"github.com/vrealzhou/hello-lambda/internal/invoker"
	"github.com/vrealzhou/hello-lambda/internal/server"
	"github.com/vrealzhou/hello-lambda/internal/template"
)

var rootCmd = &cobra.Command{
	Use:   "hello-lambda",
	Short: "Run the hello lambda locally",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		config.InitLogging(&log.TextFormatter{})
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve template functions over the Lambda Invoke API",
	Run: func(cmd *cobra.Command, args []string) {
		functions, registry, err := load()
		if err != nil {
			log.Fatal(err)
		}
		defer registry.StopAll()
		srv := server.New(registry, functions)

		stop := make(chan os.Signal, 1)
		signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
		go func() {
			<-stop
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(ctx); err != nil {
				log.Errorf("Error on shutdown: %s", err.Error())
			}
		}()

		addr := ":" + strconv.Itoa(config.Port())
		log.Infof("Serving %d functions on %s", len(functions), addr)
		if err := srv.Start(addr); err != nil {
			log.Error(err)
		}
	},
}

var invokeCmd = &cobra.Command{
	Use:   "invoke <function>",
	Short: "Invoke a template function once",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		functions, registry, err := load()
		if err != nil {
			return err
		}
		defer registry.StopAll()
		fn, ok := functions[args[0]]
		if !ok {
			return fmt.Errorf("%w: %s", invoker.ErrNotFound, args[0])
		}
		payload, err := readPayload(config.Payload())
		if err != nil {
			return err
		}
		result, err := registry.Invoke(context.Background(), args[0], fn, payload)
		if result != nil {
			fmt.Println(string(result))
		}
		return err
	},
}

var callCmd = &cobra.Command{
	Use:   "call <function>",
	Short: "Invoke a function through a Lambda endpoint",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		endpoint := config.Endpoint()
		if endpoint == "" {
			endpoint = "http://localhost:" + strconv.Itoa(config.Port())
		}
		c, err := client.New(endpoint, config.Region())
		if err != nil {
			return err
		}
		payload, err := readPayload(config.Payload())
		if err != nil {
			return err
		}
		res, err := c.Invoke(context.Background(), args[0], payload)
		if err != nil {
			return err
		}
		fmt.Printf("Status: %d\n", res.StatusCode)
		if res.FunctionError != "" {
			fmt.Printf("Function error: %s\n", res.FunctionError)
		}
		fmt.Println(string(res.Payload))
		if res.FunctionError != "" {
			return invoker.ErrExec
		}
		return nil
	},
}

var functionsCmd = &cobra.Command{
	Use:   "functions",
	Short: "List template functions",
	RunE: func(cmd *cobra.Command, args []string) error {
		functions, err := parseFunctions()
		if err != nil {
			return err
		}
		names := make([]string, 0, len(functions))
		for name := range functions {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			p := functions[name].Properties
			fmt.Printf("%s\truntime=%s handler=%s timeout=%ds\n", name, p.Runtime, p.Handler, p.Timeout)
		}
		return nil
	},
}

func main() {
	parseArgs()
	if err := rootCmd.Execute(); err != nil {
		if !errors.Is(err, invoker.ErrExec) {
			fmt.Println(err)
		}
		os.Exit(1)
	}
}

func parseArgs() {
	config.ParseArgs(rootCmd)
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	for _, cmd := range []*cobra.Command{invokeCmd, callCmd} {
		cmd.Flags().String("payload", "", "Payload file, - for stdin")
	}
	callCmd.Flags().String("endpoint", "", "Lambda endpoint, defaults to the local service")
	viper.BindPFlag("endpoint", callCmd.Flags().Lookup("endpoint"))

	for _, cmd := range []*cobra.Command{invokeCmd, callCmd} {
		cmd.PreRun = func(cmd *cobra.Command, args []string) {
			viper.BindPFlag("payload", cmd.Flags().Lookup("payload"))
		}
	}
	rootCmd.AddCommand(serveCmd, invokeCmd, callCmd, functionsCmd)
}

func parseFunctions() (map[string]template.Function, error) {
	tmpl, err := template.ParseFile(config.Template())
	if err != nil {
		return nil, err
	}
	return tmpl.Functions()
}

// load parses the template and builds a registry with the builtin handlers.
func load() (map[string]template.Function, *invoker.Registry, error) {
	functions, err := parseFunctions()
	if err != nil {
		return nil, nil, err
	}
	registry := invoker.NewRegistry(config.LambdaBase(), config.InProcess(), config.Region())
	registry.RegisterBuiltin("hello", func(env map[string]string) lambda.Handler {
		return lambda.NewHandler(hello.New(hello.WithEnv(env)).Handle)
	})
	if err := registry.LoadEnvFile(config.EnvFile()); err != nil {
		return nil, nil, err
	}
	return functions, registry, nil
}

func readPayload(file string) ([]byte, error) {
	switch file {
	case "":
		return []byte("{}"), nil
	case "-":
		return ioutil.ReadAll(os.Stdin)
	default:
		return ioutil.ReadFile(file)
	}
}
