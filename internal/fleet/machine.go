package fleet

import (
	"encoding/json"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/fleetagent/pkg/api"
)

// ParseMachine decodes collector output. Output that is not a JSON object
// still yields a record carrying only the host address.
func ParseMachine(host, output string) api.Machine {
	var m api.Machine
	if err := json.Unmarshal([]byte(strings.TrimSpace(output)), &m); err != nil {
		log.Warn().Str("host", host).Err(err).Msg("Unparsable collector output")
		m = api.Machine{}
	}
	m.IP = host
	return m
}
