package main

import (
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/catalogfi/gardend/pkg/gardend"
)

func main() {
	btcChain, ethChain, err := gardend.Network(parseRequiredEnv("NETWORK"))
	if err != nil {
		panic(err)
	}

	config := gardend.Config{
		BtcChain:     btcChain,
		EthChain:     ethChain,
		Key:          parseRequiredEnv("PRIVATE_KEY"),
		BtcIndexer:   parseRequiredEnv("BITCOIN_INDEXER"),
		EthURL:       parseRequiredEnv("ETHEREUM_URL"),
		SwapAddress:  parseRequiredEnv("SWAP_CONTRACT"),
		PostgresDSN:  os.Getenv("POSTGRES_DSN"),
		SqlitePath:   os.Getenv("SQLITE_PATH"),
		RedisURL:     os.Getenv("REDIS_URL"),
		RpcAddr:      parseEnv("RPC_ADDR", ":8080"),
		RpcUserName:  parseRequiredEnv("RPC_USER"),
		RpcPassword:  parseRequiredEnv("RPC_PASSWORD"),
		BtcFeeRate:   parseInt64Env("BITCOIN_FEE_RATE", 2),
		PollInterval: time.Duration(parseInt64Env("POLL_INTERVAL_SECONDS", 5)) * time.Second,
	}

	daemon, err := gardend.New(config)
	if err != nil {
		panic(err)
	}
	if err := daemon.Start(); err != nil {
		panic(err)
	}
	defer daemon.Stop()

	// waiting system signal
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGQUIT, syscall.SIGINT, syscall.SIGTERM)
	<-sigs
}

func parseRequiredEnv(name string) string {
	val := os.Getenv(name)
	if val == "" {
		panic(fmt.Sprintf("env '%v' not set", name))
	}
	return val
}

func parseEnv(name, defaultVal string) string {
	val := os.Getenv(name)
	if val == "" {
		return defaultVal
	}
	return val
}

func parseInt64Env(name string, defaultVal int64) int64 {
	val := os.Getenv(name)
	if val == "" {
		return defaultVal
	}
	parsed, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		panic(fmt.Sprintf("invalid env '%v' = %v", name, val))
	}
	return parsed
}
