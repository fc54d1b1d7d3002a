// Command coordinator runs the chunking tournament daemon: it restores the
// persisted score table, starts the round loops and serves prometheus
// metrics until interrupted.
package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dgraph-io/badger/v2"
	"github.com/onflow/flow-go/crypto"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/vectorchat/chunking-validator/engine/coordinator"
	"github.com/vectorchat/chunking-validator/module/local"
	"github.com/vectorchat/chunking-validator/module/metrics"
	"github.com/vectorchat/chunking-validator/storage"
	"github.com/vectorchat/chunking-validator/tournament/rewards"
	"github.com/vectorchat/chunking-validator/tournament/scoring"
)

func main() {
	var (
		dataDir       string
		documentsDir  string
		logLevel      string
		metricsPort   uint
		profilerOn    bool
		keySeedHex    string
		address       string
		numWorkers    int
		baseGroupSize int
		roundInterval time.Duration
		queryTimeout  time.Duration
		weightsEvery  time.Duration
		resyncEvery   time.Duration
		minAlpha      float64
	)

	pflag.StringVar(&dataDir, "datadir", "data", "directory for the badger database")
	pflag.StringVar(&documentsDir, "documents-dir", "", "directory of .txt documents for synthetic tasks (built-in sample when empty)")
	pflag.StringVar(&logLevel, "loglevel", "info", "log level (trace, debug, info, warn, error)")
	pflag.UintVar(&metricsPort, "metrics-port", 8080, "port for the prometheus metrics server")
	pflag.BoolVar(&profilerOn, "profiler-enabled", false, "serve pprof endpoints on the metrics port")
	pflag.StringVar(&keySeedHex, "key-seed", "", "hex seed for the coordinator signing key (fresh key when empty)")
	pflag.StringVar(&address, "address", "coordinator", "our ledger identity address")
	pflag.IntVar(&numWorkers, "workers", 8, "number of in-process loopback workers")
	pflag.IntVar(&baseGroupSize, "base-group-size", 2, "size of the best tier, must be even")
	pflag.DurationVar(&roundInterval, "round-interval", 30*time.Second, "cadence of synthetic rounds")
	pflag.DurationVar(&queryTimeout, "query-timeout", 20*time.Second, "per-round dispatch deadline")
	pflag.DurationVar(&weightsEvery, "weights-interval", 20*time.Minute, "cadence of weight publication")
	pflag.DurationVar(&resyncEvery, "resync-interval", 5*time.Minute, "cadence of registry resync")
	pflag.Float64Var(&minAlpha, "min-alpha", scoring.DefaultMinAlpha, "learning rate of the best tier")
	pflag.Parse()

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()
	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		log.Fatal().Err(err).Str("loglevel", logLevel).Msg("invalid log level")
	}
	log = log.Level(level)

	if err := run(log, config{
		dataDir:       dataDir,
		documentsDir:  documentsDir,
		metricsPort:   metricsPort,
		profilerOn:    profilerOn,
		keySeedHex:    keySeedHex,
		address:       address,
		numWorkers:    numWorkers,
		baseGroupSize: baseGroupSize,
		roundInterval: roundInterval,
		queryTimeout:  queryTimeout,
		weightsEvery:  weightsEvery,
		resyncEvery:   resyncEvery,
		minAlpha:      minAlpha,
	}); err != nil {
		log.Fatal().Err(err).Msg("coordinator failed")
	}
}

type config struct {
	dataDir       string
	documentsDir  string
	metricsPort   uint
	profilerOn    bool
	keySeedHex    string
	address       string
	numWorkers    int
	baseGroupSize int
	roundInterval time.Duration
	queryTimeout  time.Duration
	weightsEvery  time.Duration
	resyncEvery   time.Duration
	minAlpha      float64
}

func run(log zerolog.Logger, conf config) error {

	sk, err := loadKey(conf.keySeedHex)
	if err != nil {
		return fmt.Errorf("could not load signing key: %w", err)
	}
	me := local.New(conf.address, sk)
	log.Info().Str("address", me.Address()).Str("session", me.Session()).Msg("identity ready")

	db, err := badger.Open(badger.DefaultOptions(conf.dataDir).WithLogger(nil))
	if err != nil {
		return fmt.Errorf("could not open database: %w", err)
	}
	defer db.Close()

	collector := metrics.NewTournamentCollector()
	metricsServer := metrics.NewServer(log, conf.metricsPort, conf.profilerOn)
	<-metricsServer.Ready()
	defer func() { <-metricsServer.Done() }()

	transport, ledger, source, telemetry, registry, err := buildStandalone(log, me, conf.numWorkers, conf.documentsDir)
	if err != nil {
		return fmt.Errorf("could not build standalone collaborators: %w", err)
	}

	splitter, err := rewards.NewSentenceSplitter()
	if err != nil {
		return fmt.Errorf("could not build sentence splitter: %w", err)
	}
	updater := scoring.NewUpdater(log, collector, len(registry), conf.minAlpha)
	rewarder := rewards.New(log, hashEmbedder{}, splitter)
	states := storage.NewStates(log, db)

	engineConf := coordinator.DefaultConfig()
	engineConf.BaseGroupSize = conf.baseGroupSize
	engineConf.RoundInterval = conf.roundInterval
	engineConf.QueryTimeout = conf.queryTimeout
	engineConf.WeightsInterval = conf.weightsEvery
	engineConf.ResyncInterval = conf.resyncEvery

	eng, err := coordinator.New(
		log, collector, engineConf, me,
		updater, rewarder, nil,
		transport, ledger, nil, source, telemetry,
		states, registry,
	)
	if err != nil {
		return fmt.Errorf("could not create coordinator engine: %w", err)
	}

	<-eng.Ready()
	log.Info().Msg("coordinator started")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	select {
	case s := <-sig:
		log.Info().Str("signal", s.String()).Msg("shutting down")
	case err := <-eng.Fatal():
		log.Error().Err(err).Msg("unrecoverable failure, shutting down")
	}

	<-eng.Done()
	log.Info().Msg("coordinator stopped")
	return nil
}

// loadKey decodes the configured hex seed into an ECDSA P-256 key, or
// generates a throwaway key when no seed is given.
func loadKey(seedHex string) (crypto.PrivateKey, error) {
	if seedHex == "" {
		return generateKey()
	}
	seed, err := hex.DecodeString(seedHex)
	if err != nil {
		return nil, fmt.Errorf("could not decode key seed: %w", err)
	}
	return crypto.GeneratePrivateKey(crypto.ECDSAP256, seed)
}

func generateKey() (crypto.PrivateKey, error) {
	seed := make([]byte, crypto.KeyGenSeedMinLen)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("could not read entropy: %w", err)
	}
	return crypto.GeneratePrivateKey(crypto.ECDSAP256, seed)
}
