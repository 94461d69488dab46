// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"time"

	"newm.io/batcherd/db"
	"newm.io/batcherd/ingest"
	"newm.io/batcherd/node"
	"newm.io/batcherd/settle"
	"newm.io/batcherd/webhook"
)

func main() {
	// Wrap the actual main so defers run in it.
	err := mainCore()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	os.Exit(0)
}

func mainCore() error {
	appCtx, cancel := context.WithCancel(context.Background())
	defer cancel() // don't leak on the earliest returns

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}
	defer func() {
		if logRotator != nil {
			logRotator.Close()
		}
	}()

	log.Infof("%s version %s (Go version %s)", appName, Version, goVersion())
	log.Infof("%s starting with network flags %q", appName, cfg.Network)

	if err := os.MkdirAll(cfg.TmpDir, 0700); err != nil {
		return fmt.Errorf("create tmp dir: %w", err)
	}

	store, err := db.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	nodeClient := &node.CLIClient{
		CLIPath:    cfg.CLIPath,
		SocketPath: cfg.SocketPath,
		Network:    cfg.Network,
		Log:        subsystemLogger("NODE"),
	}
	evaluator := &node.OgmiosEvaluator{
		URL: cfg.OgmiosURL,
		Log: subsystemLogger("NODE"),
	}

	// Catch interrupt signal (e.g. ctrl+c).
	killChan := make(chan os.Signal, 1)
	signal.Notify(killChan, os.Interrupt)
	go func() {
		<-killChan
		log.Infof("shutting down...")
		cancel()
	}()

	settleCfg := cfg.settleConfig()
	if err := nodeClient.ProtocolParams(appCtx, settleCfg.ProtocolFile()); err != nil {
		return fmt.Errorf("query protocol parameters: %w", err)
	}
	startBlock, err := nodeClient.LatestBlock(appCtx)
	if err != nil {
		return fmt.Errorf("query chain tip: %w", err)
	}
	log.Infof("chain tip at block %d, settlement begins past it", startBlock)

	if err := loadReferences(store, cfg); err != nil {
		return err
	}

	status, err := store.Status()
	if err != nil {
		return err
	}
	if status == nil {
		if cfg.IntersectHash == "" {
			return fmt.Errorf("fresh database needs intersectslot and intersecthash")
		}
		status = &db.StatusRow{
			BlockHash: cfg.IntersectHash,
			Timestamp: cfg.IntersectSlot,
		}
		if err := store.PutStatus(status); err != nil {
			return err
		}
	}
	log.Infof("loading block %d @ slot %d with hash %s",
		status.BlockNumber, status.Timestamp, status.BlockHash)
	if err := writeDaemonToml(cfg, status.Timestamp, status.BlockHash); err != nil {
		return fmt.Errorf("write stream daemon config: %w", err)
	}

	ingester := ingest.New(store, cfg.ingestConfig(), subsystemLogger("INGST"))
	engine := settle.NewEngine(settleCfg, nodeClient, evaluator, subsystemLogger("STTL"))
	runner := settle.NewRunner(store, engine, nodeClient, settleCfg, subsystemLogger("STTL"))

	var settleFunc func(ctx context.Context) error
	if cfg.DebugMode {
		log.Warnf("debug mode, syncing the store without settling")
	} else {
		settleFunc = runner.Run
	}

	srv := webhook.NewServer(&webhook.SrvConfig{
		Addr:       cfg.Listen,
		Store:      store,
		Ingester:   ingester,
		Settle:     settleFunc,
		StartBlock: startBlock,
		Log:        subsystemLogger("HOOK"),
	})

	var daemonWG sync.WaitGroup
	if err := spawnDaemons(appCtx, cfg, &daemonWG); err != nil {
		return err
	}

	err = srv.Run(appCtx)
	cancel()

	// Give the spawned daemons a moment to die with the context.
	done := make(chan struct{})
	go func() {
		daemonWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		log.Warnf("spawned daemons did not exit cleanly")
	}

	log.Infof("%s off", appName)
	return err
}

// loadReferences stores the immutable reference-script pointers from
// configuration.
func loadReferences(store *db.Store, cfg *appConfig) error {
	for _, ref := range []struct {
		name       string
		outpoint   string
		scriptFile string
	}{
		{"sale", cfg.SaleRefUTxO, cfg.SaleScriptFile},
		{"queue", cfg.QueueRefUTxO, cfg.QueueScriptFile},
		{"vault", cfg.VaultRefUTxO, cfg.VaultScriptFile},
	} {
		if ref.outpoint == "" {
			return fmt.Errorf("no %s reference utxo configured", ref.name)
		}
		cborHex, err := readScriptCborHex(ref.scriptFile)
		if err != nil {
			return fmt.Errorf("load %s script: %w", ref.name, err)
		}
		row := &db.ReferenceRow{Name: ref.name, Ref: ref.outpoint, CborHex: cborHex}
		if err := store.PutReference(row); err != nil {
			return err
		}
	}
	return nil
}
