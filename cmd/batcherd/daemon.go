// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
)

// daemonToml is the block-event stream daemon configuration. The intersect
// point restarts the stream from the last block the store saw, and min_depth
// holds events back until they are buried past shallow reorgs.
const daemonToml = `[source]
type = "N2C"
address = ["Unix", %q]
magic = %q
min_depth = %d

[source.intersect]
type = "Point"
value = [%d, %q]

[source.mapper]
include_block_end_events = true
include_transaction_details = true

[sink]
type = "Webhook"
url = %q
timeout = 60000
error_policy = "Continue"

[sink.retry_policy]
max_retries = 60
backoff_unit = 20000
backoff_factor = 2
max_backoff = 100000
`

// writeDaemonToml renders the stream daemon configuration for the given
// intersect point.
func writeDaemonToml(cfg *appConfig, slot int64, blockHash string) error {
	magic := "preprod"
	if cfg.mainnet() {
		magic = "mainnet"
	}
	// The sink posts over loopback even when the server listens on all
	// interfaces.
	host := strings.Replace(cfg.Listen, "0.0.0.0", "127.0.0.1", 1)
	webhookURL := fmt.Sprintf("http://%s/webhook", host)
	body := fmt.Sprintf(daemonToml, cfg.SocketPath, magic, cfg.DelayDepth,
		slot, blockHash, webhookURL)
	return os.WriteFile(cfg.DaemonTomlPath, []byte(body), 0644)
}

// spawnDaemons starts the block-event stream daemon and, when configured, the
// script evaluator daemon. Both are bound to the context and reaped by the
// returned wait group.
func spawnDaemons(ctx context.Context, cfg *appConfig, wg *sync.WaitGroup) error {
	run := func(name string, args ...string) error {
		cmd := exec.CommandContext(ctx, name, args...)
		if err := cmd.Start(); err != nil {
			return fmt.Errorf("start %s: %w", name, err)
		}
		log.Infof("started %s (pid %d)", name, cmd.Process.Pid)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := cmd.Wait(); err != nil && ctx.Err() == nil {
				log.Errorf("%s exited: %v", name, err)
			}
		}()
		return nil
	}

	if err := run(cfg.OuraPath, "daemon", "--config", cfg.DaemonTomlPath); err != nil {
		return err
	}
	if cfg.OgmiosPath != "" {
		err := run(cfg.OgmiosPath,
			"--node-socket", cfg.SocketPath,
			"--node-config", cfg.NodeConfigPath,
			"--log-level", "Off")
		if err != nil {
			return err
		}
	}
	return nil
}
