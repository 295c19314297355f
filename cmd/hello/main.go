package main

import (
	"github.com/aws/aws-lambda-go/lambda"
	log "github.com/sirupsen/logrus"

	"github.com/vrealzhou/hello-lambda/config"
	"github.com/vrealzhou/hello-lambda/internal/hello"
)

func main() {
	config.InitLogging(&log.JSONFormatter{})
	lambda.Start(hello.New().Handle)
}
