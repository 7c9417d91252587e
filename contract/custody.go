package contract

import (
	"context"
	"strings"

	lru "github.com/hashicorp/golang-lru"
)

// CustodyRegistry 按合集地址路由的托管访问器集合
// 同时实现service.CustodyProvider（持有/授权查询）与service.ChainExecutor（链上交割）
type CustodyRegistry struct {
	rpcUrl string
	// 操作账户私钥（生产环境需使用钱包/KMS签名，勿直接存储）
	operatorKey string
	custodies   *lru.Cache
}

// NewCustodyRegistry 创建托管访问器集合
func NewCustodyRegistry(rpcUrl, operatorKey string, cacheSize int) (*CustodyRegistry, error) {
	cache, err := lru.New(cacheSize)
	if err != nil {
		return nil, err
	}
	return &CustodyRegistry{
		rpcUrl:      rpcUrl,
		operatorKey: operatorKey,
		custodies:   cache,
	}, nil
}

// custodyFor 获取指定合集的托管访问器（LRU缓存，避免重复建连）
func (r *CustodyRegistry) custodyFor(collectionAddr string) (*ERC721Custody, error) {
	key := strings.ToLower(collectionAddr)
	if cached, ok := r.custodies.Get(key); ok {
		return cached.(*ERC721Custody), nil
	}
	custody, err := NewERC721Custody(r.rpcUrl, collectionAddr)
	if err != nil {
		return nil, err
	}
	r.custodies.Add(key, custody)
	return custody, nil
}

// OwnerOf 查询链上资产当前持有者
func (r *CustodyRegistry) OwnerOf(ctx context.Context, collectionAddr, tokenId string) (string, error) {
	custody, err := r.custodyFor(collectionAddr)
	if err != nil {
		return "", err
	}
	return custody.OwnerOf(ctx, tokenId)
}

// IsApproved 查询交易所操作账户是否已获转移授权
func (r *CustodyRegistry) IsApproved(ctx context.Context, ownerAddr, collectionAddr, tokenId, operatorAddr string) (bool, error) {
	custody, err := r.custodyFor(collectionAddr)
	if err != nil {
		return false, err
	}
	return custody.IsApproved(ctx, ownerAddr, tokenId, operatorAddr)
}

// ExecuteTransfer 执行链上NFT转账（结算后的交割腿）
func (r *CustodyRegistry) ExecuteTransfer(ctx context.Context, collectionAddr, from, to, tokenId string) (string, error) {
	custody, err := r.custodyFor(collectionAddr)
	if err != nil {
		return "", err
	}
	return custody.SafeTransferFrom(ctx, r.operatorKey, from, to, tokenId)
}
