// Package gardend assembles the swap coordination daemon: chain adapters for
// one bitcoin and one evm network, the durable store, the coordinator loop and
// the rpc intake boundary.
package gardend

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/catalogfi/gardend/pkg/adapter/btcadapter"
	"github.com/catalogfi/gardend/pkg/adapter/evmadapter"
	"github.com/catalogfi/gardend/pkg/coordinator"
	"github.com/catalogfi/gardend/pkg/model"
	"github.com/catalogfi/gardend/pkg/rpc"
	"github.com/catalogfi/gardend/pkg/store"
	"github.com/catalogfi/gardend/pkg/util"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type Config struct {
	BtcChain    model.Chain
	EthChain    model.Chain
	Key         string
	BtcIndexer  string
	EthURL      string
	SwapAddress string

	// PostgresDSN takes precedence, SqlitePath is the single-node fallback.
	PostgresDSN string
	SqlitePath  string

	// RedisURL enables the shared action store, empty means in-memory.
	RedisURL string

	RpcAddr     string
	RpcUserName string
	RpcPassword string

	BtcFeeRate   int64
	PollInterval time.Duration
}

type Gardend struct {
	logger *zap.Logger
	co     coordinator.Coordinator
	server rpc.Server
	addr   string
}

func New(config Config) (Gardend, error) {
	logger, err := zap.NewDevelopment()
	if err != nil {
		return Gardend{}, err
	}

	// Decode key
	keyBytes, err := hex.DecodeString(config.Key)
	if err != nil {
		return Gardend{}, err
	}
	key, err := crypto.ToECDSA(keyBytes)
	if err != nil {
		return Gardend{}, err
	}

	// Bitcoin leg
	indexer := btcadapter.NewElectrsClient(config.BtcIndexer, btcadapter.DefaultRetryInterval, logger)
	if config.BtcFeeRate <= 0 {
		config.BtcFeeRate = 2
	}
	btcWallet, err := btcadapter.NewWallet(config.BtcChain.Params(), util.EcdsaToBtcec(key), indexer, config.BtcFeeRate, logger)
	if err != nil {
		return Gardend{}, err
	}
	btcAdapter, err := btcadapter.New(config.BtcChain, indexer, btcWallet, logger)
	if err != nil {
		return Gardend{}, err
	}

	// Ethereum leg
	ethClient, err := ethclient.Dial(config.EthURL)
	if err != nil {
		return Gardend{}, err
	}
	contract, err := evmadapter.NewSwapContract(ethClient, common.HexToAddress(config.SwapAddress), key)
	if err != nil {
		return Gardend{}, err
	}
	ethAdapter, err := evmadapter.New(config.EthChain, ethClient, contract, logger)
	if err != nil {
		return Gardend{}, err
	}

	// Storage
	storage, err := openStore(config)
	if err != nil {
		return Gardend{}, err
	}
	actions, err := openActionStore(config)
	if err != nil {
		return Gardend{}, err
	}

	// Coordinator, source leg on bitcoin, destination leg on ethereum.
	co, err := coordinator.New(logger, btcAdapter, ethAdapter, storage, actions, config.PollInterval)
	if err != nil {
		return Gardend{}, err
	}

	// Rpc boundary
	server, err := rpc.NewServer(config.RpcUserName, config.RpcPassword, logger)
	if err != nil {
		return Gardend{}, err
	}
	server.AddMethod(rpc.SubmitOrder(co))
	server.AddMethod(rpc.FillOrder(co))
	server.AddMethod(rpc.CancelOrder(co))
	server.AddMethod(rpc.ListSessions(storage))
	server.AddMethod(rpc.SessionStatus(storage))

	return Gardend{
		logger: logger,
		co:     co,
		server: server,
		addr:   config.RpcAddr,
	}, nil
}

// Coordinator exposes the running coordinator, mainly for embedding callers.
func (g Gardend) Coordinator() coordinator.Coordinator {
	return g.co
}

func (g Gardend) Start() error {
	if err := g.co.Start(); err != nil {
		return err
	}
	go func() {
		if err := g.server.Run(g.addr); err != nil {
			g.logger.Error("rpc server stopped", zap.Error(err))
		}
	}()
	return nil
}

func (g Gardend) Stop() {
	g.co.Stop()
}

func openStore(config Config) (store.Store, error) {
	var dialector gorm.Dialector
	switch {
	case config.PostgresDSN != "":
		dialector = postgres.Open(config.PostgresDSN)
	case config.SqlitePath != "":
		dialector = sqlite.Open(config.SqlitePath)
	default:
		return nil, fmt.Errorf("either a postgres dsn or a sqlite path is required")
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database, err : %v", err)
	}
	return store.NewStore(db)
}

func openActionStore(config Config) (store.ActionStore, error) {
	if config.RedisURL == "" {
		return store.NewInMemActionStore(), nil
	}
	return store.NewRedisActionStore(config.RedisURL)
}

// Network maps a deployment name onto its chain pair.
func Network(network string) (model.Chain, model.Chain, error) {
	switch network {
	case "mainnet":
		return model.Bitcoin, model.Ethereum, nil
	case "testnet":
		return model.BitcoinTestnet, model.EthereumSepolia, nil
	case "localnet":
		return model.BitcoinRegtest, model.EthereumLocal, nil
	default:
		return "", "", fmt.Errorf("unknown network = %v", network)
	}
}
