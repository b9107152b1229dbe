package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/google/uuid"

	"flowprobe/internal/demo"
	"flowprobe/internal/logger"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout))
}

// run invokes the demo handler once with the event read from the file named
// in args, or from stdin, and writes the response as JSON.
func run(args []string, stdin io.Reader, stdout io.Writer) int {
	logger.Init(os.Getenv("LOG_LEVEL"))
	log := logger.WithComponent("demo")

	in := stdin
	if len(args) > 0 {
		f, err := os.Open(args[0])
		if err != nil {
			log.Error().Err(err).Msg("failed to open event file")
			return 1
		}
		defer f.Close()
		in = f
	}

	var event demo.Event
	if err := json.NewDecoder(in).Decode(&event); err != nil {
		log.Error().Err(err).Msg("failed to decode event")
		return 1
	}

	memory, _ := strconv.Atoi(os.Getenv("AWS_LAMBDA_FUNCTION_MEMORY_SIZE"))
	ic := demo.InvocationContext{
		FunctionName:    os.Getenv("AWS_LAMBDA_FUNCTION_NAME"),
		FunctionVersion: os.Getenv("AWS_LAMBDA_FUNCTION_VERSION"),
		RequestID:       uuid.New().String(),
		MemoryLimitMB:   memory,
	}

	resp, err := demo.NewHandler().Handle(context.Background(), ic, event)
	if err != nil {
		log.Error().Err(err).Msg("handler failed")
		return 1
	}

	out, err := json.Marshal(resp)
	if err != nil {
		log.Error().Err(err).Msg("failed to encode response")
		return 1
	}
	fmt.Fprintln(stdout, string(out))
	return 0
}
