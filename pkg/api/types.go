package api

// v0 contains the control channel wire types shared with the coordinator.

// Inbound is a command envelope received from the coordinator. Data is
// either a bare IP string (scan, query) or a JSON document encoded as a
// string (config, deploy, reboot, restart).
type Inbound struct {
	Name     string `json:"name"`
	Data     string `json:"data"`
	Password string `json:"pwd,omitempty"`
}

// Outbound is a result envelope sent to the coordinator.
type Outbound struct {
	Name     string `json:"name"`
	Data     string `json:"data"`
	Progress *int   `json:"progress,omitempty"`
}

// Machine is the telemetry record reported for one host.
type Machine struct {
	IP        string `json:"ip"`
	Hash      string `json:"hash"`
	TempSys   string `json:"temp_sys"`
	TempHDD   string `json:"temp_hdd"`
	CPUOccupy string `json:"cpu_occupy"`
	CPUModel  string `json:"cpu_model"`
	SN        string `json:"sn"`
	HDDSN     string `json:"hdd_sn"`
	ElapsedMs int64  `json:"elapsed_ms"`
}

// Pool is one mining pool entry for the config command.
type Pool struct {
	URL  string `json:"url" yaml:"url"`
	User string `json:"user" yaml:"user"`
	Pass string `json:"pass" yaml:"pass"`
}

// ConfigRequest is the decoded data of a config command.
type ConfigRequest struct {
	Hosts []string `json:"ips"`
	Pools []Pool   `json:"pools"`
	Mode  string   `json:"mode"`
}

// DeployRequest is the decoded data of a deploy command.
type DeployRequest struct {
	IP      string   `json:"ip"`
	Hosts   []string `json:"ips"`
	Version string   `json:"version"`
	Address string   `json:"address"`
}

// HostsRequest is the decoded data of reboot and restart commands.
type HostsRequest struct {
	Hosts []string `json:"ips"`
}

// Report summarises a batch control operation.
type Report struct {
	Total     int      `json:"total"`
	Succeeded []string `json:"succeeded"`
}

// Outbound envelope names.
const (
	ScanResult    = "scan_result"
	QueryResult   = "query_result"
	ConfigResult  = "config_result"
	DeployResult  = "deploy_result"
	RebootResult  = "reboot_result"
	RestartResult = "restart_result"
)
