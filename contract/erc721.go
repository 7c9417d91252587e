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

// ERC721ABI ERC721合约基础ABI（托管所需的查询与转账方法）
const ERC721ABI = `[
	{
		"inputs": [
			{"internalType": "uint256", "name": "tokenId", "type": "uint256"}
		],
		"name": "ownerOf",
		"outputs": [{"internalType": "address", "name": "", "type": "address"}],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [
			{"internalType": "uint256", "name": "tokenId", "type": "uint256"}
		],
		"name": "getApproved",
		"outputs": [{"internalType": "address", "name": "", "type": "address"}],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [
			{"internalType": "address", "name": "owner", "type": "address"},
			{"internalType": "address", "name": "operator", "type": "address"}
		],
		"name": "isApprovedForAll",
		"outputs": [{"internalType": "bool", "name": "", "type": "bool"}],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [
			{"internalType": "address", "name": "from", "type": "address"},
			{"internalType": "address", "name": "to", "type": "address"},
			{"internalType": "uint256", "name": "tokenId", "type": "uint256"}
		],
		"name": "safeTransferFrom",
		"outputs": [],
		"stateMutability": "nonpayable",
		"type": "function"
	}
]`

// ERC721Custody ERC721托管访问器（service.CustodyProvider的生产实现）
// 回答"谁持有资产X"与"是否已授权交易所操作账户"，并执行链上转账
type ERC721Custody struct {
	client       *ethclient.Client
	abi          abi.ABI
	contractAddr common.Address
	chainID      *big.Int
}

// NewERC721Custody 创建ERC721托管访问器
func NewERC721Custody(rpcUrl string, contractAddr string) (*ERC721Custody, error) {
	// 连接区块链节点
	client, err := ethclient.Dial(rpcUrl)
	if err != nil {
		utils.Logger.Error("连接区块链节点失败", zap.String("rpcUrl", rpcUrl), zap.Error(err))
		return nil, err
	}

	// 解析ABI
	abiObj, err := abi.JSON(strings.NewReader(ERC721ABI))
	if err != nil {
		utils.Logger.Error("解析ABI失败", zap.Error(err))
		return nil, err
	}

	// 获取链ID
	chainID, err := client.ChainID(context.Background())
	if err != nil {
		utils.Logger.Error("获取链ID失败", zap.Error(err))
		return nil, err
	}

	return &ERC721Custody{
		client:       client,
		abi:          abiObj,
		contractAddr: common.HexToAddress(contractAddr),
		chainID:      chainID,
	}, nil
}

// parseTokenID 转换TokenID为big.Int
func parseTokenID(tokenId string) (*big.Int, error) {
	tokenID := new(big.Int)
	if _, ok := tokenID.SetString(tokenId, 10); !ok {
		return nil, errors.New("invalid token id")
	}
	return tokenID, nil
}

func (e *ERC721Custody) bound() *bind.BoundContract {
	return bind.NewBoundContract(e.contractAddr, e.abi, e.client, e.client, e.client)
}

// OwnerOf 查询链上资产当前持有者
func (e *ERC721Custody) OwnerOf(ctx context.Context, tokenId string) (string, error) {
	tokenID, err := parseTokenID(tokenId)
	if err != nil {
		return "", err
	}

	var out []interface{}
	if err := e.bound().Call(&bind.CallOpts{Context: ctx}, &out, "ownerOf", tokenID); err != nil {
		utils.Logger.Error("查询ownerOf失败", zap.String("tokenId", tokenId), zap.Error(err))
		return "", err
	}
	owner := *abi.ConvertType(out[0], new(common.Address)).(*common.Address)
	return owner.Hex(), nil
}

// IsApproved 查询交易所操作账户是否获得了该资产的转移授权
// 单token授权（getApproved）与全量授权（isApprovedForAll）任一成立即可
func (e *ERC721Custody) IsApproved(ctx context.Context, ownerAddr, tokenId, operatorAddr string) (bool, error) {
	tokenID, err := parseTokenID(tokenId)
	if err != nil {
		return false, err
	}
	opts := &bind.CallOpts{Context: ctx}
	operator := common.HexToAddress(operatorAddr)

	var out []interface{}
	if err := e.bound().Call(opts, &out, "getApproved", tokenID); err != nil {
		return false, err
	}
	approved := *abi.ConvertType(out[0], new(common.Address)).(*common.Address)
	if approved == operator {
		return true, nil
	}

	out = out[:0]
	if err := e.bound().Call(opts, &out, "isApprovedForAll", common.HexToAddress(ownerAddr), operator); err != nil {
		return false, err
	}
	all := *abi.ConvertType(out[0], new(bool)).(*bool)
	return all, nil
}

// SafeTransferFrom 执行ERC721安全转账（结算后的链上交割，由消费端异步调用）
// params:
// - privateKey: 操作账户私钥（生产环境需使用钱包/KMS签名，勿直接存储）
// - from: 当前持有者地址
// - to: 接收者地址
// - tokenId: 代币ID
// return: 交易哈希、错误
func (e *ERC721Custody) SafeTransferFrom(ctx context.Context, privateKey string, from, to, tokenId string) (string, error) {
	// 解析私钥
	key, err := crypto.HexToECDSA(strings.TrimPrefix(privateKey, "0x"))
	if err != nil {
		utils.Logger.Error("解析私钥失败", zap.Error(err))
		return "", err
	}

	// 构建交易授权
	auth, err := bind.NewKeyedTransactorWithChainID(key, e.chainID)
	if err != nil {
		utils.Logger.Error("构建交易授权失败", zap.Error(err))
		return "", err
	}

	tokenID, err := parseTokenID(tokenId)
	if err != nil {
		utils.Logger.Error("转换TokenID失败", zap.String("tokenId", tokenId), zap.Error(err))
		return "", err
	}

	// 调用合约方法
	tx, err := e.bound().Transact(auth, "safeTransferFrom", common.HexToAddress(from), common.HexToAddress(to), tokenID)
	if err != nil {
		utils.Logger.Error("执行safeTransferFrom失败", zap.Error(err))
		return "", err
	}

	// 等待交易上链（可选，也可异步监听）
	receipt, err := bind.WaitMined(ctx, e.client, tx)
	if err != nil {
		utils.Logger.Error("等待交易上链失败", zap.String("txHash", tx.Hash().Hex()), zap.Error(err))
		return "", err
	}

	if receipt.Status == 0 {
		utils.Logger.Error("交易执行失败（状态为0）", zap.String("txHash", tx.Hash().Hex()))
		return "", errors.New("transaction reverted")
	}

	return tx.Hash().Hex(), nil
}
