package contract

import (
	"context"
	"errors"
	"math/big"
	"strings"

	"nft_exchange/utils"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"
)

// ERC20ABI ERC20合约基础ABI（仅包含transfer方法）
const ERC20ABI = `[
	{
		"inputs": [
			{"internalType": "address", "name": "to", "type": "address"},
			{"internalType": "uint256", "name": "amount", "type": "uint256"}
		],
		"name": "transfer",
		"outputs": [{"internalType": "bool", "name": "", "type": "bool"}],
		"stateMutability": "nonpayable",
		"type": "function"
	}
]`

// ERC20Transferor 结算资金出账器（service.FundTransferor的生产实现）
// 仅被withdraw/直付路径调用，且始终在内部状态提交之后执行
type ERC20Transferor struct {
	client       *ethclient.Client
	abi          abi.ABI
	contractAddr common.Address
	chainID      *big.Int
	privateKey   string
}

// NewERC20Transferor 创建资金出账器
// privateKey为交易所资金账户私钥（生产环境需使用钱包/KMS签名，勿直接存储）
func NewERC20Transferor(rpcUrl, contractAddr, privateKey string) (*ERC20Transferor, error) {
	client, err := ethclient.Dial(rpcUrl)
	if err != nil {
		utils.Logger.Error("连接区块链节点失败", zap.String("rpcUrl", rpcUrl), zap.Error(err))
		return nil, err
	}

	abiObj, err := abi.JSON(strings.NewReader(ERC20ABI))
	if err != nil {
		utils.Logger.Error("解析ABI失败", zap.Error(err))
		return nil, err
	}

	chainID, err := client.ChainID(context.Background())
	if err != nil {
		utils.Logger.Error("获取链ID失败", zap.Error(err))
		return nil, err
	}

	return &ERC20Transferor{
		client:       client,
		abi:          abiObj,
		contractAddr: common.HexToAddress(contractAddr),
		chainID:      chainID,
		privateKey:   privateKey,
	}, nil
}

// Transfer 向指定账户转出资金
func (e *ERC20Transferor) Transfer(ctx context.Context, to string, amount int64) error {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(e.privateKey, "0x"))
	if err != nil {
		utils.Logger.Error("解析私钥失败", zap.Error(err))
		return err
	}

	auth, err := bind.NewKeyedTransactorWithChainID(key, e.chainID)
	if err != nil {
		utils.Logger.Error("构建交易授权失败", zap.Error(err))
		return err
	}

	contract := bind.NewBoundContract(e.contractAddr, e.abi, e.client, e.client, e.client)
	tx, err := contract.Transact(auth, "transfer", common.HexToAddress(to), big.NewInt(amount))
	if err != nil {
		utils.Logger.Error("执行transfer失败", zap.String("to", to), zap.Error(err))
		return err
	}

	receipt, err := bind.WaitMined(ctx, e.client, tx)
	if err != nil {
		utils.Logger.Error("等待交易上链失败", zap.String("txHash", tx.Hash().Hex()), zap.Error(err))
		return err
	}
	if receipt.Status == 0 {
		utils.Logger.Error("交易执行失败（状态为0）", zap.String("txHash", tx.Hash().Hex()))
		return errors.New("transaction reverted")
	}

	return nil
}
