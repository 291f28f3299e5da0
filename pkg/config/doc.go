// Package config resolves dispatcher and agent settings from three
// layers: built-in defaults, a YAML file, then FOREMAN_* environment
// overrides. Command-line flags layer on top in cmd/foreman.
//
// The file location comes from the --config flag, the FOREMAN_CONFIG
// variable, or the default under /etc/foreman. A named file must exist;
// the default location is optional.
//
// A dispatcher file:
//
//	listenAddr: ":8080"
//	dataDir: /var/lib/foreman
//	heartbeatTimeoutMs: 30000
//	schedulerTickMs: 5000
//	workerTokenSecret: change-me
//	redisAddr: localhost:6379
//	allowedOrigins:
//	  - https://ops.example.com
//
// An agent file:
//
//	serverUrl: http://dispatcher:8080
//	dataDir: /var/lib/foreman-agent
//	maxParallelJobs: 0     # 0 derives max(1, cpuCount/2)
//	sandboxMemoryLimit: 512
//	sandboxNetworkMode: none
//	images:
//	  go: golang:1.22
package config
