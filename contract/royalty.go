package contract

import (
	"context"
	"math/big"
	"strings"

	"nft_exchange/utils"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	lru "github.com/hashicorp/golang-lru"
	"go.uber.org/zap"
)

// ERC2981ABI 版税标准接口ABI（royaltyInfo）
const ERC2981ABI = `[
	{
		"inputs": [
			{"internalType": "uint256", "name": "tokenId", "type": "uint256"},
			{"internalType": "uint256", "name": "salePrice", "type": "uint256"}
		],
		"name": "royaltyInfo",
		"outputs": [
			{"internalType": "address", "name": "receiver", "type": "address"},
			{"internalType": "uint256", "name": "royaltyAmount", "type": "uint256"}
		],
		"stateMutability": "view",
		"type": "function"
	}
]`

// ERC2981RoyaltySource 链上版税查询器（service.RoyaltySource的生产实现）
// 回答"(合集, 成交价) -> (接收方, 金额)"；返回值不可信，结算侧仍按10%封顶重新钳制
type ERC2981RoyaltySource struct {
	client *ethclient.Client
	abi    abi.ABI
	// 绑定合约按合集地址做LRU缓存，避免重复构建
	contracts *lru.Cache
}

// NewERC2981RoyaltySource 创建版税查询器
func NewERC2981RoyaltySource(rpcUrl string, cacheSize int) (*ERC2981RoyaltySource, error) {
	client, err := ethclient.Dial(rpcUrl)
	if err != nil {
		utils.Logger.Error("连接区块链节点失败", zap.String("rpcUrl", rpcUrl), zap.Error(err))
		return nil, err
	}

	abiObj, err := abi.JSON(strings.NewReader(ERC2981ABI))
	if err != nil {
		utils.Logger.Error("解析ABI失败", zap.Error(err))
		return nil, err
	}

	cache, err := lru.New(cacheSize)
	if err != nil {
		return nil, err
	}

	return &ERC2981RoyaltySource{
		client:    client,
		abi:       abiObj,
		contracts: cache,
	}, nil
}

func (r *ERC2981RoyaltySource) boundFor(collectionAddr string) *bind.BoundContract {
	key := strings.ToLower(collectionAddr)
	if cached, ok := r.contracts.Get(key); ok {
		return cached.(*bind.BoundContract)
	}
	bound := bind.NewBoundContract(common.HexToAddress(collectionAddr), r.abi, r.client, r.client, r.client)
	r.contracts.Add(key, bound)
	return bound
}

// RoyaltyInfo 查询版税接收方与金额
// 合集未实现ERC2981时返回空接收方与0金额（视为无版税，不报错）
func (r *ERC2981RoyaltySource) RoyaltyInfo(ctx context.Context, collectionAddr, tokenId string, salePrice int64) (string, int64, error) {
	tokenID, err := parseTokenID(tokenId)
	if err != nil {
		return "", 0, err
	}

	var out []interface{}
	err = r.boundFor(collectionAddr).Call(&bind.CallOpts{Context: ctx}, &out, "royaltyInfo", tokenID, big.NewInt(salePrice))
	if err != nil {
		// 未实现royaltyInfo的合集按无版税处理
		utils.Logger.Warn("查询royaltyInfo失败，按无版税处理", zap.String("collection", collectionAddr), zap.Error(err))
		return "", 0, nil
	}

	receiver := *abi.ConvertType(out[0], new(common.Address)).(*common.Address)
	amount := abi.ConvertType(out[1], new(big.Int)).(*big.Int)
	if !amount.IsInt64() {
		// 超出int64的版税声明必然超过成交价，交由结算侧作为阻断条件处理
		return receiver.Hex(), salePrice, nil
	}
	return receiver.Hex(), amount.Int64(), nil
}
