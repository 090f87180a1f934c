// jobctl sends one command to the per-user jobd and prints the result.
//
//	jobctl <command> [json-args | job-id]
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"lsh.app/jobd/core/config"
	"lsh.app/jobd/internal/client"
	"lsh.app/jobd/internal/domain"
	"lsh.app/jobd/internal/ipc"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 || len(args) > 2 {
		fmt.Fprintf(os.Stderr, "usage: jobctl <command> [json-args | job-id]\ncommands: %s\n", strings.Join(ipc.Commands, ", "))
		return 2
	}
	command := args[0]

	var payload any
	if len(args) == 2 {
		raw, err := parseArgs(args[1])
		if err != nil {
			return fail(err)
		}
		payload = raw
	}

	cfg, err := config.Load(config.ServiceTypeClient)
	if err != nil {
		return fail(fmt.Errorf("loading config: %w", err))
	}

	ctx := context.Background()
	c, err := client.Dial(ctx, cfg.Daemon.SocketPath)
	if err != nil {
		return fail(err)
	}
	defer c.Close()

	var out json.RawMessage
	if err := c.Call(ctx, command, payload, &out); err != nil {
		return fail(err)
	}

	if len(out) == 0 {
		return 0
	}
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, out, "", "  "); err != nil {
		os.Stdout.Write(out)
	} else {
		pretty.WriteTo(os.Stdout)
	}
	fmt.Fprintln(os.Stdout)
	return 0
}

// parseArgs accepts a JSON object or a bare job id.
func parseArgs(s string) (json.RawMessage, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "{") || strings.HasPrefix(s, "[") {
		if !json.Valid([]byte(s)) {
			return nil, domain.Errorf(domain.CodeInvalidArgument, "args are not valid JSON")
		}
		return json.RawMessage(s), nil
	}
	return json.Marshal(ipc.JobIDArgs{ID: s})
}

func fail(err error) int {
	e := domain.AsError(err)
	fmt.Fprintf(os.Stderr, "error [%s]: %s\n", e.Code, e.Message)
	return 1
}
