package control

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/fleetagent/pkg/api"
)

var (
	ErrPeerClosed = errors.New("control: peer closed the channel")
	ErrSend       = errors.New("control: send failed")
)

// Command is the closed set of inbound commands. Wire names are decoded
// once, at the boundary.
type Command int

const (
	CommandUnknown Command = iota
	CommandScan
	CommandQuery
	CommandConfig
	CommandDeploy
	CommandReboot
	CommandRestart
)

var commandNames = map[string]Command{
	"scan":    CommandScan,
	"query":   CommandQuery,
	"config":  CommandConfig,
	"deploy":  CommandDeploy,
	"reboot":  CommandReboot,
	"restart": CommandRestart,
}

// ParseCommand maps an exact wire name to its Command.
func ParseCommand(name string) Command {
	if c, ok := commandNames[name]; ok {
		return c
	}
	return CommandUnknown
}

func (c Command) String() string {
	for name, cmd := range commandNames {
		if cmd == c {
			return name
		}
	}
	return "unknown"
}

// Message is a decoded inbound envelope.
type Message struct {
	Command Command
	api.Inbound
}

// Decode parses an inbound envelope. Malformed JSON and fields of the wrong
// type decode to empty strings instead of failing.
func Decode(raw []byte) Message {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		log.Warn().Err(err).Msg("Malformed envelope")
		fields = nil
	}
	in := api.Inbound{
		Name:     stringField(fields, "name"),
		Data:     stringField(fields, "data"),
		Password: stringField(fields, "pwd"),
	}
	return Message{Command: ParseCommand(in.Name), Inbound: in}
}

func stringField(fields map[string]json.RawMessage, key string) string {
	raw, ok := fields[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		log.Warn().Str("field", key).Err(err).Msg("Envelope field is not a string")
		return ""
	}
	return s
}

// decodePayload parses a nested JSON document. On failure v keeps its zero
// value and false is returned.
func decodePayload(data string, v any) bool {
	if err := json.Unmarshal([]byte(data), v); err != nil {
		log.Warn().Err(err).Msg("Malformed command payload")
		return false
	}
	return true
}

// Encode builds an outbound envelope whose data is payload encoded as JSON.
func Encode(name string, payload any, progress *int) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", name, err)
	}
	env, err := json.Marshal(api.Outbound{Name: name, Data: string(data), Progress: progress})
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", name, err)
	}
	return env, nil
}

// CoordinatorURL appends the agent token to the coordinator base URL.
func CoordinatorURL(base, token string) string {
	return strings.TrimRight(base, "/") + "/" + url.PathEscape(token)
}

// redact drops the path (and the token in it) for logging.
func redact(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "invalid-url"
	}
	return u.Scheme + "://" + u.Host
}
