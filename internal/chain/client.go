package chain

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/openmarketlabs/credits-engine/internal/config"
)

const erc20JSON = `[
	{"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"allowance","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"transfer","inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"transferFrom","inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"approve","inputs":[{"name":"spender","type":"address"},{"name":"value","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]}
]`

const erc721JSON = `[
	{"type":"function","name":"transferFrom","inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"tokenId","type":"uint256"}],"outputs":[]}
]`

const factoryJSON = `[
	{"type":"function","name":"isCollectionFromFactory","stateMutability":"view","inputs":[{"name":"collection","type":"address"}],"outputs":[{"name":"","type":"bool"}]}
]`

var (
	erc20ABI   = mustABI(erc20JSON)
	erc721ABI  = mustABI(erc721JSON)
	factoryABI = mustABI(factoryJSON)
)

func mustABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("chain: parse ABI: %v", err))
	}
	return parsed
}

// Client wraps go-ethereum for the engine's vault account: currency
// balance snapshots, value settlement transfers, delegated call execution,
// and the collection-factory oracle.
type Client struct {
	eth       *ethclient.Client
	chainID   *big.Int
	vaultKey  *ecdsa.PrivateKey
	vaultAddr common.Address
	currency  common.Address
	factories []common.Address
}

func NewClient(cfg *config.Config) (*Client, error) {
	eth, err := ethclient.Dial(cfg.Chain.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}

	vaultKey, err := crypto.HexToECDSA(cfg.Chain.VaultPrivateKey)
	if err != nil {
		return nil, fmt.Errorf("parse vault private key: %w", err)
	}

	factories := make([]common.Address, 0, len(cfg.Chain.CollectionFactories))
	for _, f := range cfg.Chain.CollectionFactories {
		factories = append(factories, common.HexToAddress(f))
	}

	return &Client{
		eth:       eth,
		chainID:   big.NewInt(cfg.Chain.ChainID),
		vaultKey:  vaultKey,
		vaultAddr: crypto.PubkeyToAddress(vaultKey.PublicKey),
		currency:  common.HexToAddress(cfg.Chain.CurrencyToken),
		factories: factories,
	}, nil
}

// VaultAddress is the account whose currency balance is the measurement
// authority for every redemption.
func (c *Client) VaultAddress() common.Address { return c.vaultAddr }

// ChainID returns the configured chain ID.
func (c *Client) ChainID() *big.Int { return c.chainID }

// ── Currency (ERC-20) ────────────────────────────────────────────────────────

// VaultBalance reads the vault's currency balance.
func (c *Client) VaultBalance(ctx context.Context) (*big.Int, error) {
	return c.BalanceOf(ctx, c.currency, c.vaultAddr)
}

// BalanceOf reads an ERC-20 balance via eth_call.
func (c *Client) BalanceOf(ctx context.Context, token, holder common.Address) (*big.Int, error) {
	data, err := erc20ABI.Pack("balanceOf", holder)
	if err != nil {
		return nil, fmt.Errorf("pack balanceOf: %w", err)
	}
	raw, err := c.eth.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("balanceOf: %w", err)
	}
	out, err := erc20ABI.Unpack("balanceOf", raw)
	if err != nil {
		return nil, fmt.Errorf("unpack balanceOf: %w", err)
	}
	return *abi.ConvertType(out[0], new(*big.Int)).(**big.Int), nil
}

func (c *Client) Allowance(ctx context.Context, owner, spender common.Address) (*big.Int, error) {
	data, err := erc20ABI.Pack("allowance", owner, spender)
	if err != nil {
		return nil, fmt.Errorf("pack allowance: %w", err)
	}
	raw, err := c.eth.CallContract(ctx, ethereum.CallMsg{To: &c.currency, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("allowance: %w", err)
	}
	out, err := erc20ABI.Unpack("allowance", raw)
	if err != nil {
		return nil, fmt.Errorf("unpack allowance: %w", err)
	}
	return *abi.ConvertType(out[0], new(*big.Int)).(**big.Int), nil
}

// Transfer sends currency from the vault.
func (c *Client) Transfer(ctx context.Context, to common.Address, amount *big.Int) error {
	data, err := erc20ABI.Pack("transfer", to, amount)
	if err != nil {
		return fmt.Errorf("pack transfer: %w", err)
	}
	return c.Execute(ctx, c.currency, data)
}

// TransferFrom pulls currency into the vault from a consumer that has
// approved it.
func (c *Client) TransferFrom(ctx context.Context, from, to common.Address, amount *big.Int) error {
	data, err := erc20ABI.Pack("transferFrom", from, to, amount)
	if err != nil {
		return fmt.Errorf("pack transferFrom: %w", err)
	}
	return c.Execute(ctx, c.currency, data)
}

// Approve sets the vault's currency allowance for spender. Some tokens
// reject a non-zero to non-zero allowance change, so an existing non-zero
// allowance is reset to zero first.
func (c *Client) Approve(ctx context.Context, spender common.Address, amount *big.Int) error {
	if amount.Sign() != 0 {
		current, err := c.Allowance(ctx, c.vaultAddr, spender)
		if err != nil {
			return err
		}
		if current.Sign() != 0 {
			if err := c.approve(ctx, spender, new(big.Int)); err != nil {
				return fmt.Errorf("reset allowance: %w", err)
			}
		}
	}
	return c.approve(ctx, spender, amount)
}

func (c *Client) approve(ctx context.Context, spender common.Address, amount *big.Int) error {
	data, err := erc20ABI.Pack("approve", spender, amount)
	if err != nil {
		return fmt.Errorf("pack approve: %w", err)
	}
	return c.Execute(ctx, c.currency, data)
}

// WithdrawToken moves an arbitrary ERC-20 out of the vault (admin escape
// hatch for stray tokens).
func (c *Client) WithdrawToken(ctx context.Context, token, to common.Address, amount *big.Int) error {
	data, err := erc20ABI.Pack("transfer", to, amount)
	if err != nil {
		return fmt.Errorf("pack transfer: %w", err)
	}
	return c.Execute(ctx, token, data)
}

// ── NFTs ─────────────────────────────────────────────────────────────────────

// ForwardERC721 transfers an NFT held by the vault to a consumer. Used
// after legacy-marketplace orders, where the purchase lands on the vault.
func (c *Client) ForwardERC721(ctx context.Context, nft, to common.Address, tokenID *big.Int) error {
	data, err := erc721ABI.Pack("transferFrom", c.vaultAddr, to, tokenID)
	if err != nil {
		return fmt.Errorf("pack erc721 transferFrom: %w", err)
	}
	return c.Execute(ctx, nft, data)
}

// ── Collection oracle ────────────────────────────────────────────────────────

// IsRecognizedCollection asks every configured factory whether addr is one
// of its collections; factories are OR-combined.
func (c *Client) IsRecognizedCollection(ctx context.Context, addr common.Address) (bool, error) {
	for _, factory := range c.factories {
		data, err := factoryABI.Pack("isCollectionFromFactory", addr)
		if err != nil {
			return false, fmt.Errorf("pack isCollectionFromFactory: %w", err)
		}
		raw, err := c.eth.CallContract(ctx, ethereum.CallMsg{To: &factory, Data: data}, nil)
		if err != nil {
			return false, fmt.Errorf("isCollectionFromFactory %s: %w", factory.Hex(), err)
		}
		out, err := factoryABI.Unpack("isCollectionFromFactory", raw)
		if err != nil {
			return false, fmt.Errorf("unpack isCollectionFromFactory: %w", err)
		}
		if *abi.ConvertType(out[0], new(bool)).(*bool) {
			return true, nil
		}
	}
	return false, nil
}

// ── Raw execution ────────────────────────────────────────────────────────────

// Execute signs and sends a transaction from the vault to target and waits
// for it to mine. A reverted receipt is a hard error; the engine never
// trusts return data for value accounting.
func (c *Client) Execute(ctx context.Context, target common.Address, calldata []byte) error {
	nonce, err := c.eth.PendingNonceAt(ctx, c.vaultAddr)
	if err != nil {
		return fmt.Errorf("pending nonce: %w", err)
	}
	gasPrice, err := c.eth.SuggestGasPrice(ctx)
	if err != nil {
		return fmt.Errorf("suggest gas price: %w", err)
	}
	gas, err := c.eth.EstimateGas(ctx, ethereum.CallMsg{
		From: c.vaultAddr,
		To:   &target,
		Data: calldata,
	})
	if err != nil {
		return fmt.Errorf("estimate gas: %w", err)
	}

	tx := types.NewTransaction(nonce, target, new(big.Int), gas, gasPrice, calldata)
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(c.chainID), c.vaultKey)
	if err != nil {
		return fmt.Errorf("sign tx: %w", err)
	}
	if err := c.eth.SendTransaction(ctx, signed); err != nil {
		return fmt.Errorf("send tx: %w", err)
	}

	receipt, err := bind.WaitMined(ctx, c.eth, signed)
	if err != nil {
		return fmt.Errorf("wait mined: %w", err)
	}
	if receipt.Status == 0 {
		return fmt.Errorf("tx reverted: %s", signed.Hash().Hex())
	}
	return nil
}
