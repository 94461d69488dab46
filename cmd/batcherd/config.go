// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	flags "github.com/jessevdk/go-flags"

	"newm.io/batcherd/chain"
	"newm.io/batcherd/ingest"
	"newm.io/batcherd/settle"
)

const (
	defaultConfigFilename = "batcherd.conf"
	defaultLogFilename    = "batcherd.log"
	defaultLogDirname     = "logs"
	defaultLogLevel       = "info"
	defaultMaxLogZips     = 16
	defaultDBFilename     = "batcher.db"
	defaultTmpDirname     = "tmp"
	defaultListen         = "0.0.0.0:8008"
	defaultCLIPath        = "cardano-cli"
	defaultOgmiosURL      = "ws://127.0.0.1:1337"
	defaultDelayDepth     = 3
)

// flagsData is the combined command-line and ini-file option set.
type flagsData struct {
	AppDataDir  string `short:"A" long:"appdata" description:"Path to application home directory"`
	ConfigFile  string `short:"C" long:"configfile" description:"Path to configuration file"`
	LogDir      string `long:"logdir" description:"Directory to log output"`
	DebugLevel  string `short:"d" long:"debuglevel" description:"Logging level {trace, debug, info, warn, error, critical} or subsystem=level pairs"`
	MaxLogZips  int    `long:"maxlogzips" description:"The number of zipped log files created by the log rotator to be retained. Setting to 0 will keep all."`
	ShowVersion bool   `short:"V" long:"version" description:"Display version information and exit"`

	DBPath string `long:"dbpath" description:"Path to the ledger-view database file"`
	TmpDir string `long:"tmpdir" description:"Directory for transaction drafts and datum files"`
	Listen string `long:"listen" description:"Address for the webhook server to listen on"`

	DebugMode bool `long:"debugmode" description:"Sync the store without settling orders"`

	Network        string `long:"network" description:"Network selection flags passed to the node cli, e.g. \"--mainnet\" or \"--testnet-magic 1\""`
	SocketPath     string `long:"socketpath" description:"Path to the node socket"`
	CLIPath        string `long:"clipath" description:"Path to the node cli binary"`
	NodeConfigPath string `long:"nodeconfigpath" description:"Path to the node configuration file, used by the script evaluator daemon"`
	OuraPath       string `long:"ourapath" description:"Path to the block-event stream daemon binary"`
	OgmiosPath     string `long:"ogmiospath" description:"Path to the script evaluator daemon binary. Empty skips spawning it."`
	OgmiosURL      string `long:"ogmiosurl" description:"Websocket url of the script evaluator"`
	DelayDepth     int    `long:"delaydepth" description:"Blocks of depth before the event stream emits, absorbing shallow reorgs"`

	IntersectSlot int64  `long:"intersectslot" description:"Slot to begin streaming from on a fresh database"`
	IntersectHash string `long:"intersecthash" description:"Block hash to begin streaming from on a fresh database"`

	BatcherAddress   string `long:"batcheraddress" description:"Address holding the batcher's operating capital"`
	CollatAddress    string `long:"collataddress" description:"Address of the collateral holder"`
	ProfitAddress    string `long:"profitaddress" description:"Address profit consolidation pays out to"`
	SaleAddress      string `long:"saleaddress" description:"Sale contract address"`
	QueueAddress     string `long:"queueaddress" description:"Queue contract address"`
	VaultAddress     string `long:"vaultaddress" description:"Vault contract address"`
	OracleAddress    string `long:"oracleaddress" description:"Oracle contract address"`
	DataAddress      string `long:"dataaddress" description:"Protocol data contract address"`
	ReferenceAddress string `long:"referenceaddress" description:"Address holding the reference script outputs"`

	PointerPolicy string `long:"pointerpolicy" description:"Minting policy of sale pointer tokens"`
	OraclePolicy  string `long:"oraclepolicy" description:"Minting policy of the oracle identity token"`
	OracleAsset   string `long:"oracleasset" description:"Asset name of the oracle identity token, hex"`
	BatcherPolicy string `long:"batcherpolicy" description:"Minting policy of the batcher identity token"`

	SaleRefUTxO  string `long:"salerefutxo" description:"Outpoint of the published sale reference script"`
	QueueRefUTxO string `long:"queuerefutxo" description:"Outpoint of the published queue reference script"`
	VaultRefUTxO string `long:"vaultrefutxo" description:"Outpoint of the published vault reference script"`

	SaleScriptFile  string `long:"salescriptfile" description:"Path to the sale contract script file"`
	QueueScriptFile string `long:"queuescriptfile" description:"Path to the queue contract script file"`
	VaultScriptFile string `long:"vaultscriptfile" description:"Path to the vault contract script file"`

	CollatUTxO     string `long:"collatutxo" description:"Outpoint of the collateral input"`
	BatcherKeyFile string `long:"batcherkeyfile" description:"Path to the batcher signing key"`
	CollatKeyFile  string `long:"collatkeyfile" description:"Path to the collateral signing key"`
}

// appConfig is the resolved daemon configuration.
type appConfig struct {
	flagsData

	LogFile        string
	DaemonTomlPath string
}

// mainnet reports whether the network flags select the production network.
func (cfg *appConfig) mainnet() bool {
	return strings.Contains(cfg.Network, "--mainnet")
}

// ingestConfig derives the event-ingestion configuration.
func (cfg *appConfig) ingestConfig() ingest.Config {
	return ingest.Config{
		BatcherAddress: cfg.BatcherAddress,
		SaleAddress:    cfg.SaleAddress,
		QueueAddress:   cfg.QueueAddress,
		VaultAddress:   cfg.VaultAddress,
		OracleAddress:  cfg.OracleAddress,
		DataAddress:    cfg.DataAddress,
		PointerPolicy:  cfg.PointerPolicy,
		OraclePolicy:   cfg.OraclePolicy,
		OracleAsset:    cfg.OracleAsset,
	}
}

// settleConfig derives the settlement configuration.
func (cfg *appConfig) settleConfig() *settle.Config {
	return &settle.Config{
		BatcherAddress:   cfg.BatcherAddress,
		CollatAddress:    cfg.CollatAddress,
		ProfitAddress:    cfg.ProfitAddress,
		SaleAddress:      cfg.SaleAddress,
		QueueAddress:     cfg.QueueAddress,
		VaultAddress:     cfg.VaultAddress,
		OracleAddress:    cfg.OracleAddress,
		DataAddress:      cfg.DataAddress,
		ReferenceAddress: cfg.ReferenceAddress,
		SaleRefUTxO:      cfg.SaleRefUTxO,
		QueueRefUTxO:     cfg.QueueRefUTxO,
		VaultRefUTxO:     cfg.VaultRefUTxO,
		CollatUTxO:       cfg.CollatUTxO,
		BatcherPolicy:    cfg.BatcherPolicy,
		BatcherKeyFile:   cfg.BatcherKeyFile,
		CollatKeyFile:    cfg.CollatKeyFile,
		TmpDir:           cfg.TmpDir,
		Allowlist:        chain.StandardAllowlist(),
	}
}

// scriptEnvelope is the wrapper format contract script files ship in.
type scriptEnvelope struct {
	CborHex string `json:"cborHex"`
}

// readScriptCborHex extracts the serialized script from a contract file.
func readScriptCborHex(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	var env scriptEnvelope
	if err := json.Unmarshal(b, &env); err != nil {
		return "", fmt.Errorf("parse script file %s: %w", path, err)
	}
	if env.CborHex == "" {
		return "", fmt.Errorf("script file %s has no cborHex", path)
	}
	return env.CborHex, nil
}

// cleanAndExpandPath expands environment variables and leading ~ in the
// passed path, cleans the result, and returns it.
func cleanAndExpandPath(path string) string {
	if path == "" {
		return ""
	}
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err == nil {
			path = strings.Replace(path, "~", home, 1)
		}
	}
	return filepath.Clean(os.ExpandEnv(path))
}

// defaultAppDataDir is the default application home, under the user home
// directory.
func defaultAppDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".batcherd")
}

// loadConfig initializes and parses the config using a config file and
// command line options.
//
// The configuration proceeds as follows:
//  1. Start with a default config with sane settings
//  2. Pre-parse the command line to check for an alternative config file
//  3. Load configuration file overwriting defaults with any specified options
//  4. Parse CLI options and overwrite/add any specified options
func loadConfig() (*appConfig, error) {
	cfg := flagsData{
		AppDataDir: defaultAppDataDir(),
		DebugLevel: defaultLogLevel,
		MaxLogZips: defaultMaxLogZips,
		Listen:     defaultListen,
		CLIPath:    defaultCLIPath,
		OgmiosURL:  defaultOgmiosURL,
		DelayDepth: defaultDelayDepth,
	}

	// Pre-parse the command line options to see if an alternative config file
	// or the version flag was specified. Any errors aside from the help
	// message error can be ignored here since they will be caught by the
	// final parse below.
	preCfg := cfg
	preParser := flags.NewParser(&preCfg, flags.HelpFlag)
	_, err := preParser.Parse()
	if err != nil {
		if e, ok := err.(*flags.Error); ok && e.Type == flags.ErrHelp {
			fmt.Fprintln(os.Stdout, err)
			os.Exit(0)
		}
	}

	if preCfg.ShowVersion {
		fmt.Printf("%s version %s (Go version %s)\n", appName, Version, goVersion())
		os.Exit(0)
	}

	appDataDir := cleanAndExpandPath(preCfg.AppDataDir)
	configFile := preCfg.ConfigFile
	if configFile == "" {
		configFile = filepath.Join(appDataDir, defaultConfigFilename)
	} else {
		configFile = cleanAndExpandPath(configFile)
	}

	parser := flags.NewParser(&cfg, flags.Default)
	if _, err := os.Stat(configFile); err == nil {
		err = flags.NewIniParser(parser).ParseFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	} else if preCfg.ConfigFile != "" {
		return nil, fmt.Errorf("config file %s does not exist", configFile)
	}

	if _, err := parser.Parse(); err != nil {
		if e, ok := err.(*flags.Error); ok && e.Type == flags.ErrHelp {
			os.Exit(0)
		}
		return nil, err
	}

	cfg.AppDataDir = appDataDir
	if cfg.LogDir == "" {
		cfg.LogDir = filepath.Join(appDataDir, defaultLogDirname)
	} else {
		cfg.LogDir = cleanAndExpandPath(cfg.LogDir)
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(appDataDir, defaultDBFilename)
	} else {
		cfg.DBPath = cleanAndExpandPath(cfg.DBPath)
	}
	if cfg.TmpDir == "" {
		cfg.TmpDir = filepath.Join(appDataDir, defaultTmpDirname)
	} else {
		cfg.TmpDir = cleanAndExpandPath(cfg.TmpDir)
	}
	for _, p := range []*string{
		&cfg.SocketPath, &cfg.NodeConfigPath, &cfg.OuraPath, &cfg.OgmiosPath,
		&cfg.SaleScriptFile, &cfg.QueueScriptFile, &cfg.VaultScriptFile,
		&cfg.BatcherKeyFile, &cfg.CollatKeyFile,
	} {
		*p = cleanAndExpandPath(*p)
	}

	if cfg.Network == "" {
		return nil, fmt.Errorf("no network flags configured")
	}
	if cfg.SocketPath == "" {
		return nil, fmt.Errorf("no node socket path configured")
	}
	for name, addr := range map[string]string{
		"batcheraddress":   cfg.BatcherAddress,
		"collataddress":    cfg.CollatAddress,
		"profitaddress":    cfg.ProfitAddress,
		"saleaddress":      cfg.SaleAddress,
		"queueaddress":     cfg.QueueAddress,
		"vaultaddress":     cfg.VaultAddress,
		"oracleaddress":    cfg.OracleAddress,
		"dataaddress":      cfg.DataAddress,
		"referenceaddress": cfg.ReferenceAddress,
	} {
		if addr == "" {
			return nil, fmt.Errorf("required option %s is not set", name)
		}
	}

	logFile := filepath.Join(cfg.LogDir, defaultLogFilename)
	initLogRotator(logFile, cfg.MaxLogZips)
	if err := parseAndSetDebugLevels(cfg.DebugLevel); err != nil {
		return nil, err
	}

	return &appConfig{
		flagsData:      cfg,
		LogFile:        logFile,
		DaemonTomlPath: filepath.Join(appDataDir, "daemon.toml"),
	}, nil
}
