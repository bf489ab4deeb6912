// Copyright 2025 Certen Protocol
//
// EthGatewayRPC implements RPC over go-ethereum's ethclient.
// Validator-change and top-down message gateway calls decode a fixed
// event-log ABI rather than modeling the full gateway contract; the
// gateway's bytecode lives on the parent chain, not here.

package parent

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/certen/ipc-fendermint/pkg/ipc/topdown"
)

// gatewayEventABI describes the two gateway log topics this client decodes,
// trimmed to the fields the Finality Provider needs.
const gatewayEventABI = `[
  {"anonymous":false,"inputs":[
    {"indexed":false,"name":"validator","type":"address"},
    {"indexed":false,"name":"newPower","type":"uint256"}
  ],"name":"ValidatorPowerChanged","type":"event"},
  {"anonymous":false,"inputs":[
    {"indexed":false,"name":"data","type":"bytes"}
  ],"name":"TopDownMessage","type":"event"}
]`

// EthGatewayRPC adapts an ethclient connection to the RPC interface this
// package's Client depends on.
type EthGatewayRPC struct {
	eth     *ethclient.Client
	gateway common.Address
	abi     abi.ABI
}

// NewEthGatewayRPC dials the parent subnet's JSON-RPC endpoint and binds the
// gateway contract address whose logs this node polls.
func NewEthGatewayRPC(url string, gatewayAddr common.Address) (*EthGatewayRPC, error) {
	eth, err := ethclient.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial parent RPC %s: %w", url, err)
	}
	parsed, err := abi.JSON(strings.NewReader(gatewayEventABI))
	if err != nil {
		return nil, fmt.Errorf("parse gateway ABI: %w", err)
	}
	return &EthGatewayRPC{eth: eth, gateway: gatewayAddr, abi: parsed}, nil
}

var _ RPC = (*EthGatewayRPC)(nil)

// BlockNumber returns the parent chain's current head height.
func (r *EthGatewayRPC) BlockNumber(ctx context.Context) (uint64, error) {
	return r.eth.BlockNumber(ctx)
}

// BlockHash returns the parent block hash at height.
func (r *EthGatewayRPC) BlockHash(ctx context.Context, height uint64) ([32]byte, error) {
	header, err := r.eth.HeaderByNumber(ctx, new(big.Int).SetUint64(height))
	if err != nil {
		return [32]byte{}, fmt.Errorf("fetch parent header at height %d: %w", height, err)
	}
	return header.Hash(), nil
}

// GatewayValidatorChanges decodes ValidatorPowerChanged logs emitted by the
// gateway contract at height.
func (r *EthGatewayRPC) GatewayValidatorChanges(ctx context.Context, height uint64) ([]topdown.ValidatorChange, error) {
	logs, err := r.filterLogs(ctx, height, "ValidatorPowerChanged")
	if err != nil {
		return nil, err
	}
	changes := make([]topdown.ValidatorChange, 0, len(logs))
	for _, l := range logs {
		var ev struct {
			Validator common.Address
			NewPower  *big.Int
		}
		if err := r.abi.UnpackIntoInterface(&ev, "ValidatorPowerChanged", l.Data); err != nil {
			return nil, fmt.Errorf("decode validator change log: %w", err)
		}
		changes = append(changes, topdown.ValidatorChange{
			Height:    height,
			Validator: ev.Validator.Hex(),
			NewPower:  ev.NewPower.Uint64(),
		})
	}
	return changes, nil
}

// GatewayTopDownMsgs decodes TopDownMessage logs emitted by the gateway
// contract at height.
func (r *EthGatewayRPC) GatewayTopDownMsgs(ctx context.Context, height uint64) ([]topdown.CrossMessage, error) {
	logs, err := r.filterLogs(ctx, height, "TopDownMessage")
	if err != nil {
		return nil, err
	}
	msgs := make([]topdown.CrossMessage, 0, len(logs))
	for _, l := range logs {
		var ev struct{ Data []byte }
		if err := r.abi.UnpackIntoInterface(&ev, "TopDownMessage", l.Data); err != nil {
			return nil, fmt.Errorf("decode top-down message log: %w", err)
		}
		msgs = append(msgs, topdown.CrossMessage{Height: height, Data: ev.Data})
	}
	return msgs, nil
}

func (r *EthGatewayRPC) filterLogs(ctx context.Context, height uint64, event string) ([]ethereumLog, error) {
	topic := r.abi.Events[event].ID
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(height),
		ToBlock:   new(big.Int).SetUint64(height),
		Addresses: []common.Address{r.gateway},
		Topics:    [][]common.Hash{{topic}},
	}
	logs, err := r.eth.FilterLogs(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("filter %s logs at height %d: %w", event, height, err)
	}
	out := make([]ethereumLog, len(logs))
	for i, l := range logs {
		out[i] = ethereumLog{Data: l.Data}
	}
	return out, nil
}

// ethereumLog is the trimmed subset of types.Log this file actually reads.
type ethereumLog struct {
	Data []byte
}
