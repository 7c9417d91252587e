package model

import (
	"time"

	"gorm.io/gorm"
)

// 挂单销售方式
const (
	SaleKindFixed   = 0 // 一口价
	SaleKindEnglish = 1 // 英式拍卖（公开加价）
	SaleKindDutch   = 2 // 荷兰式拍卖（降价）
	SaleKindSealed  = 3 // 密封出价（二价/维克瑞）拍卖
)

// 挂单状态（单向迁移：Active -> Sold / Active -> Cancelled，终态不可逆）
const (
	ListingStatusActive    = 0 // 挂单中
	ListingStatusSold      = 1 // 已成交
	ListingStatusCancelled = 2 // 已撤销
)

// 托管方（持有资产的协议类型）
const (
	EscrowHolderListing = 0 // 一口价挂单
	EscrowHolderAuction = 1 // 英式/荷兰式拍卖
	EscrowHolderSealed  = 2 // 密封出价拍卖
)

// NullAddr 空地址（版税接收方为空地址时版税强制为0）
const NullAddr = "0x0000000000000000000000000000000000000000"

// NFTAsset NFT资产表（托管账本的资产镜像，OwnerAddr为当前归属）
type NFTAsset struct {
	ID           uint64         `gorm:"primaryKey;comment:资产ID"`
	TokenID      string         `gorm:"index:idx_asset_ref,unique;comment:链上TokenID"`
	ContractAddr string         `gorm:"index:idx_asset_ref,unique;comment:NFT合约地址"`
	OwnerAddr    string         `gorm:"comment:当前持有者钱包地址"`
	ChainID      int            `gorm:"comment:所属链ID"`
	CreatedAt    time.Time      `gorm:"comment:创建时间"`
	UpdatedAt    time.Time      `gorm:"comment:更新时间"`
	DeletedAt    gorm.DeletedAt `gorm:"index;comment:删除时间"`
}

// Listing 一口价挂单表
type Listing struct {
	ID           uint64         `gorm:"primaryKey;comment:挂单ID"`
	ListingNo    string         `gorm:"uniqueIndex;comment:挂单编号（UUID）"`
	NFTAssetID   uint64         `gorm:"comment:关联NFT资产ID"`
	TokenID      string         `gorm:"comment:链上TokenID"`
	ContractAddr string         `gorm:"comment:NFT合约地址"`
	SellerAddr   string         `gorm:"comment:卖家钱包地址"`
	BuyerAddr    string         `gorm:"comment:买家钱包地址（未成交则为空）"`
	Price        int64          `gorm:"comment:挂单价格（最小货币单位）"`
	PaymentAsset string         `gorm:"comment:结算资产合约地址"`
	Status       int            `gorm:"comment:0-挂单中 1-已成交 2-已撤销"`
	// CollectedFunds 本挂单累计收取的资金，成交时写入；校验Σ待提取 ≤ 累计收取
	CollectedFunds int64 `gorm:"comment:本挂单累计收取的资金（最小货币单位）"`
	CreatedAt    time.Time      `gorm:"comment:创建时间"`
	UpdatedAt    time.Time      `gorm:"comment:更新时间"`
	DeletedAt    gorm.DeletedAt `gorm:"index;comment:删除时间"`
}

// EscrowRecord 资产托管记录表（防止重复挂单/重复出售）
// ReleaseTime为NULL表示资产仍在协议托管中；释放与归属变更在同一事务内完成
type EscrowRecord struct {
	ID          uint64         `gorm:"primaryKey;comment:托管ID"`
	NFTAssetID  uint64         `gorm:"comment:关联NFT资产ID"`
	OrderNo     string         `gorm:"index;comment:关联挂单/拍卖编号"`
	HolderType  int            `gorm:"comment:0-一口价挂单 1-英式/荷兰式拍卖 2-密封出价拍卖"`
	LockTime    time.Time      `gorm:"comment:托管开始时间"`
	ReleaseTime *time.Time     `gorm:"comment:释放时间（null表示托管中）"`
	ReleaseTo   string         `gorm:"comment:释放后的资产接收地址"`
	CreatedAt   time.Time      `gorm:"comment:创建时间"`
	UpdatedAt   time.Time      `gorm:"comment:更新时间"`
	DeletedAt   gorm.DeletedAt `gorm:"index;comment:删除时间"`
}

// PendingBalance 待提取余额表（pull-payment账本）
// 余额只能通过账户本人的withdraw扣减；结算路径只做credit，不强推资金
type PendingBalance struct {
	ID        uint64    `gorm:"primaryKey;comment:余额记录ID"`
	Account   string    `gorm:"uniqueIndex;comment:账户地址"`
	Amount    int64     `gorm:"comment:可提取金额（最小货币单位）"`
	CreatedAt time.Time `gorm:"comment:创建时间"`
	UpdatedAt time.Time `gorm:"comment:更新时间"`
}

// TradeRecord 成交记录表（最终账本，审计留存）
type TradeRecord struct {
	ID            uint64         `gorm:"primaryKey;comment:成交记录ID"`
	TradeNo       string         `gorm:"uniqueIndex;comment:成交编号"`
	OrderNo       string         `gorm:"index;comment:关联挂单/拍卖编号"`
	NFTAssetID    uint64         `gorm:"comment:关联NFT资产ID"`
	SaleKind      int            `gorm:"comment:0-一口价 1-英式 2-荷兰式 3-密封出价"`
	SellerAddr    string         `gorm:"comment:卖家钱包地址"`
	BuyerAddr     string         `gorm:"comment:买家钱包地址"`
	Price         int64          `gorm:"comment:成交价格（最小货币单位）"`
	Fee           int64          `gorm:"comment:平台手续费"`
	FeeAddr       string         `gorm:"comment:手续费接收地址"`
	RoyaltyAmount int64          `gorm:"comment:版税金额（封顶为成交价10%）"`
	RoyaltyAddr   string         `gorm:"comment:版税接收地址"`
	TxHash        string         `gorm:"comment:链上交易哈希（NFT转账，异步回填）"`
	ChainID       int            `gorm:"comment:所属链ID"`
	TradeTime     time.Time      `gorm:"comment:成交时间"`
	CreatedAt     time.Time      `gorm:"comment:创建时间"`
	UpdatedAt     time.Time      `gorm:"comment:更新时间"`
	DeletedAt     gorm.DeletedAt `gorm:"index;comment:删除时间"`
}
