// Package config loads the ambient runtime configuration a node needs
// regardless of which protocol descriptors it was handed: listen
// address, timeouts, queue sizes, log level, storage path. The
// protocol-descriptor parser itself (XML / flat-string form) is the
// external collaborator spec.md §6 puts out of scope; this is
// everything a real process still needs to boot.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Node is a single node's ambient configuration, loaded the way the
// teacher's experiment/fin_test/main.go loads configure.yaml.
type Node struct {
	ListenAddr            string        `yaml:"listen_addr"`
	LogLevel              string        `yaml:"log_level"`
	LogFile               string        `yaml:"log_file"`
	StorePath             string        `yaml:"store_path"`
	StateTransferTimeout  time.Duration `yaml:"state_transfer_timeout"`
	ExecutorQueueSize     int           `yaml:"executor_queue_size"`
	MerkleIntegrityChecks bool          `yaml:"merkle_integrity_checks"`
}

// Default returns sane defaults for a single-process demo/test node,
// used when no configuration file is supplied.
func Default() Node {
	return Node{
		ListenAddr:            "127.0.0.1:0",
		LogLevel:              "info",
		LogFile:               "",
		StorePath:             "",
		StateTransferTimeout:  5 * time.Second,
		ExecutorQueueSize:     128,
		MerkleIntegrityChecks: true,
	}
}

// Load reads and parses a YAML configuration file, falling back to
// Default for any zero-valued field that YAML left unset.
func Load(path string) (Node, error) {
	n := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		return Node{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &n); err != nil {
		return Node{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return n, nil
}
