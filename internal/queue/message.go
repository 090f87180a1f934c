package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// Message is one remote command read from the command stream.
type Message struct {
	ID string
	// RequestID is echoed in the reply. It defaults to the stream id.
	RequestID string
	Command   string
	Args      json.RawMessage
	ReplyTo   string
	Attempt   int
	TraceID   string
	Raw       redis.XMessage
}

// MessageProcessor processes a queue message.
type MessageProcessor func(ctx context.Context, msg Message) error

// ParseMessage validates the fields of a stream entry. Only command is
// required; args must be JSON when present.
func ParseMessage(msg redis.XMessage) (Message, error) {
	command, err := parseString(msg.Values, "command")
	if err != nil {
		return Message{}, err
	}
	if command == "" {
		return Message{}, fmt.Errorf("empty command")
	}

	args, err := parseOptionalString(msg.Values, "args")
	if err != nil {
		return Message{}, err
	}
	if args != "" && !json.Valid([]byte(args)) {
		return Message{}, fmt.Errorf("args is not valid JSON")
	}

	requestID, err := parseOptionalString(msg.Values, "request_id")
	if err != nil {
		return Message{}, err
	}
	if requestID == "" {
		requestID = msg.ID
	}
	replyTo, err := parseOptionalString(msg.Values, "reply_to")
	if err != nil {
		return Message{}, err
	}
	traceID, err := parseOptionalString(msg.Values, "trace_id")
	if err != nil {
		return Message{}, err
	}

	attempt, err := parseOptionalInt(msg.Values, "attempt")
	if err != nil {
		return Message{}, err
	}
	if attempt == 0 {
		attempt = 1
	}

	m := Message{
		ID:        msg.ID,
		RequestID: requestID,
		Command:   command,
		ReplyTo:   replyTo,
		Attempt:   attempt,
		TraceID:   traceID,
		Raw:       msg,
	}
	if args != "" {
		m.Args = json.RawMessage(args)
	}
	return m, nil
}

func parseString(values map[string]any, key string) (string, error) {
	raw, ok := values[key]
	if !ok {
		return "", fmt.Errorf("missing %s", key)
	}
	return fmt.Sprint(raw), nil
}

func parseOptionalInt(values map[string]any, key string) (int, error) {
	raw, ok := values[key]
	if !ok {
		return 0, nil
	}
	num, err := strconv.Atoi(fmt.Sprint(raw))
	if err != nil {
		return 0, fmt.Errorf("parsing %s: %w", key, err)
	}
	return num, nil
}

func parseOptionalString(values map[string]any, key string) (string, error) {
	raw, ok := values[key]
	if !ok {
		return "", nil
	}
	return fmt.Sprint(raw), nil
}

// messageValues rebuilds the stream fields of msg for a requeue or the DLQ.
func messageValues(msg Message, attempt int) map[string]any {
	values := map[string]any{
		"command":    msg.Command,
		"request_id": msg.RequestID,
		"attempt":    attempt,
	}
	if len(msg.Args) > 0 {
		values["args"] = string(msg.Args)
	}
	if msg.ReplyTo != "" {
		values["reply_to"] = msg.ReplyTo
	}
	if msg.TraceID != "" {
		values["trace_id"] = msg.TraceID
	}
	return values
}
