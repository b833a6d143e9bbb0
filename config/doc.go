// Package config loads the beekeeper configuration file and the optional
// seed file.
//
// The configuration is TOML. Every value has a default, so an absent file is
// valid. BEEKEEPER_* environment variables override file values:
//
//	[storage]
//	data_dir  = "data"
//	agent_log = "agents.jsonl"   # relative to data_dir
//	task_log  = "tasks.jsonl"
//	fsync     = false
//
//	[scheduler]
//	tick_interval  = "1s"
//	admin_agent_id = "supervisor:admin[1]:1"
//
//	[driver]
//	poll_interval = "250ms"
//	timeout       = "5m"
//
//	[logging]
//	level = "info"
//
//	[metrics]
//	listen = ":9090"             # empty disables /metrics
//
//	[telemetry]
//	endpoint     = "localhost:4318"
//	protocol     = "http"
//	insecure     = true
//	service_name = "beekeeper"
//
// A seed file declares agent and task configs to create at boot, plus runs
// to start for task types created by the seed.
package config
