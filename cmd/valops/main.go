// Command valops runs the validator request pipeline once against a
// newline-delimited file of hex-encoded request payloads, printing the
// failed-pubkey set as JSON to stdout. Environment-variable configuration
// mirrors the teacher's dashboard-mode CLI (cmd/arcsign/main.go
// handleDashboardMode): all input from env vars, JSON to stdout, logs to
// stderr. Request encoding and CLI flag parsing are out of scope (spec.md
// §1) — this is glue, not a UX.
package main

import (
	"bufio"
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/arcsign/valops"
	"github.com/arcsign/valops/broadcast"
	"github.com/arcsign/valops/chainstate"
	"github.com/arcsign/valops/monitor"
	"github.com/arcsign/valops/orchestrator"
	"github.com/arcsign/valops/replace"
	"github.com/arcsign/valops/rpc"
	"github.com/arcsign/valops/signerimpl"
	"github.com/arcsign/valops/slotclock"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"
)

func main() {
	log.SetDefault(log.NewLogger(log.NewTerminalHandlerWithLevel(os.Stderr, log.LevelInfo, false)))
	ctx := context.Background()

	cfg, err := loadConfig()
	if err != nil {
		log.Error("config error", "err", err)
		os.Exit(1)
	}

	requests, err := loadRequests(cfg.requestsPath)
	if err != nil {
		log.Error("failed to load requests", "err", err)
		os.Exit(1)
	}

	client, err := rpc.NewHTTPClient(cfg.endpoints, cfg.rpcTimeout)
	if err != nil {
		log.Error("failed to build rpc client", "err", err)
		os.Exit(1)
	}
	defer client.Close()

	reader := chainstate.New(client)

	signer, err := signerimpl.NewLocalSigner(ctx, cfg.privateKey, cfg.chainID, client)
	if err != nil {
		log.Error("failed to construct signer", "err", err)
		os.Exit(1)
	}
	defer signer.Dispose()

	var strategy broadcast.Strategy
	if cfg.sequential {
		clock, err := slotclock.New(ctx, cfg.beaconAPIURL)
		if err != nil {
			log.Error("failed to construct slot clock", "err", err)
			os.Exit(1)
		}
		strategy = broadcast.NewSequentialStrategy(signer, reader, clock)
	} else {
		strategy = broadcast.NewParallelStrategy(signer)
	}

	mon := monitor.New(client)
	replacer := replace.New(signer, mon, reader)
	orch := orchestrator.New(reader, strategy, mon, replacer, cfg.contractAddr, common.Address(signer.Address()))

	failed, err := orch.Run(ctx, requests, cfg.batchSize)
	if err != nil {
		log.Error("orchestrator run failed", "err", err)
		os.Exit(1)
	}

	output := make([]map[string]string, len(failed))
	for i, f := range failed {
		output[i] = map[string]string{
			"pubkey": "0x" + hex.EncodeToString(f.Pubkey[:]),
			"reason": string(f.Reason),
		}
	}

	encoder := json.NewEncoder(os.Stdout)
	if err := encoder.Encode(output); err != nil {
		log.Error("failed to encode output", "err", err)
		os.Exit(1)
	}
}

// config holds the pipeline's run-once parameters, all sourced from
// environment variables (VALOPS_*).
type config struct {
	endpoints    []string
	beaconAPIURL string
	privateKey   *ecdsa.PrivateKey
	chainID      *big.Int
	contractAddr common.Address
	requestsPath string
	batchSize    int
	sequential   bool
	rpcTimeout   time.Duration
}

func loadConfig() (config, error) {
	endpointsRaw := os.Getenv("VALOPS_RPC_ENDPOINTS")
	if endpointsRaw == "" {
		return config{}, fmt.Errorf("VALOPS_RPC_ENDPOINTS is required (comma-separated)")
	}
	endpoints := strings.Split(endpointsRaw, ",")

	privateKeyHex := strings.TrimPrefix(os.Getenv("VALOPS_PRIVATE_KEY"), "0x")
	if privateKeyHex == "" {
		return config{}, fmt.Errorf("VALOPS_PRIVATE_KEY is required")
	}
	privKeyBytes, err := hex.DecodeString(privateKeyHex)
	if err != nil {
		return config{}, fmt.Errorf("invalid VALOPS_PRIVATE_KEY: %w", err)
	}
	privateKey, err := crypto.ToECDSA(privKeyBytes)
	if err != nil {
		return config{}, fmt.Errorf("invalid VALOPS_PRIVATE_KEY: %w", err)
	}

	chainIDStr := envOrDefault("VALOPS_CHAIN_ID", "1")
	chainID, ok := new(big.Int).SetString(chainIDStr, 10)
	if !ok {
		return config{}, fmt.Errorf("invalid VALOPS_CHAIN_ID: %q", chainIDStr)
	}

	contractAddrStr := os.Getenv("VALOPS_CONTRACT_ADDRESS")
	if contractAddrStr == "" {
		return config{}, fmt.Errorf("VALOPS_CONTRACT_ADDRESS is required")
	}

	requestsPath := os.Getenv("VALOPS_REQUESTS_PATH")
	if requestsPath == "" {
		return config{}, fmt.Errorf("VALOPS_REQUESTS_PATH is required")
	}

	batchSize, err := strconv.Atoi(envOrDefault("VALOPS_BATCH_SIZE", "10"))
	if err != nil {
		return config{}, fmt.Errorf("invalid VALOPS_BATCH_SIZE: %w", err)
	}

	rpcTimeoutMs, err := strconv.Atoi(envOrDefault("VALOPS_RPC_TIMEOUT_MS", "5000"))
	if err != nil {
		return config{}, fmt.Errorf("invalid VALOPS_RPC_TIMEOUT_MS: %w", err)
	}

	return config{
		endpoints:    endpoints,
		beaconAPIURL: os.Getenv("VALOPS_BEACON_API_URL"),
		privateKey:   privateKey,
		chainID:      chainID,
		contractAddr: common.HexToAddress(contractAddrStr),
		requestsPath: requestsPath,
		batchSize:    batchSize,
		sequential:   os.Getenv("VALOPS_SEQUENTIAL") == "true",
		rpcTimeout:   time.Duration(rpcTimeoutMs) * time.Millisecond,
	}, nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// loadRequests reads one hex-encoded request payload per line.
func loadRequests(path string) ([]valops.Request, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var requests []valops.Request
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		data, err := hex.DecodeString(strings.TrimPrefix(line, "0x"))
		if err != nil {
			return nil, fmt.Errorf("undecodable request line %q: %w", line, err)
		}
		requests = append(requests, valops.Request(data))
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return requests, nil
}
