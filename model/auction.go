package model

import (
	"time"

	"gorm.io/gorm"
)

// 拍卖状态（Created -> Active -> Settled/Cancelled）
// 英式拍卖仅在无人出价前可撤销；荷兰式拍卖仅在成交前可撤销
const (
	AuctionStatusCreated   = 0 // 已创建（未到开始时间）
	AuctionStatusActive    = 1 // 进行中
	AuctionStatusSettled   = 2 // 已结算
	AuctionStatusCancelled = 3 // 已撤销/流拍
)

// Auction 英式/荷兰式拍卖表
// 英式：ReservePrice为首次出价下限，MinIncrementBps为最小加价幅度
// 荷兰式：价格从StartPrice线性衰减DecaySeconds秒后钳制到FloorPrice
type Auction struct {
	ID              uint64         `gorm:"primaryKey;comment:拍卖ID"`
	AuctionNo       string         `gorm:"uniqueIndex;comment:拍卖编号（UUID）"`
	NFTAssetID      uint64         `gorm:"comment:关联NFT资产ID"`
	TokenID         string         `gorm:"comment:链上TokenID"`
	ContractAddr    string         `gorm:"comment:NFT合约地址"`
	SellerAddr      string         `gorm:"comment:卖家钱包地址"`
	Kind            int            `gorm:"comment:1-英式 2-荷兰式"`
	PaymentAsset    string         `gorm:"comment:结算资产合约地址"`
	ReservePrice    int64          `gorm:"comment:保留价（最小货币单位）"`
	StartPrice      int64          `gorm:"comment:起拍价（荷兰式）"`
	FloorPrice      int64          `gorm:"comment:地板价（荷兰式衰减下限）"`
	DecaySeconds    int64          `gorm:"comment:价格衰减时长（秒，荷兰式）"`
	MinIncrementBps int64          `gorm:"comment:最小加价幅度（基点，英式）"`
	HighestBid      int64          `gorm:"comment:当前最高出价（英式，0表示无人出价）"`
	HighestBidder   string         `gorm:"comment:当前最高出价人（英式）"`
	CollectedFunds  int64          `gorm:"comment:本拍卖实例累计收取的资金"`
	Status          int            `gorm:"comment:0-已创建 1-进行中 2-已结算 3-已撤销"`
	ChainID         int            `gorm:"comment:所属链ID"`
	StartTime       time.Time      `gorm:"comment:开始时间"`
	EndTime         time.Time      `gorm:"comment:结束时间（英式，可被防狙击延长）"`
	CreatedAt       time.Time      `gorm:"comment:创建时间"`
	UpdatedAt       time.Time      `gorm:"comment:更新时间"`
	DeletedAt       gorm.DeletedAt `gorm:"index;comment:删除时间"`
}

// Bid 英式拍卖出价记录表
// 仅保留一条当前最高出价生效；被超越的出价通过pull-payment账本退款，记录本身留存审计
type Bid struct {
	ID         uint64    `gorm:"primaryKey;comment:出价ID"`
	AuctionNo  string    `gorm:"index;comment:关联拍卖编号"`
	BidderAddr string    `gorm:"comment:出价人钱包地址"`
	Amount     int64     `gorm:"comment:出价金额（最小货币单位）"`
	Superseded bool      `gorm:"comment:是否已被更高出价超越"`
	CreatedAt  time.Time `gorm:"comment:出价时间"`
	UpdatedAt  time.Time `gorm:"comment:更新时间"`
}

// SealedAuction 密封出价（二价）拍卖表，两阶段：承诺期 -> 揭示期
// 约束：CommitEnd < RevealEnd；结算仅在RevealEnd之后
type SealedAuction struct {
	ID             uint64         `gorm:"primaryKey;comment:拍卖ID"`
	AuctionNo      string         `gorm:"uniqueIndex;comment:拍卖编号（UUID）"`
	NFTAssetID     uint64         `gorm:"comment:关联NFT资产ID"`
	TokenID        string         `gorm:"comment:链上TokenID"`
	ContractAddr   string         `gorm:"comment:NFT合约地址"`
	SellerAddr     string         `gorm:"comment:卖家钱包地址"`
	PaymentAsset   string         `gorm:"comment:结算资产合约地址"`
	ReservePrice   int64          `gorm:"comment:保留价（不足两个有效揭示时的成交价下限）"`
	MinDeposit     int64          `gorm:"comment:最小承诺押金"`
	CollectedFunds int64          `gorm:"comment:本拍卖实例累计收取的押金"`
	Status         int            `gorm:"comment:0-已创建 1-进行中 2-已结算 3-已撤销"`
	ChainID        int            `gorm:"comment:所属链ID"`
	CommitEnd      time.Time      `gorm:"comment:承诺期截止时间"`
	RevealEnd      time.Time      `gorm:"comment:揭示期截止时间"`
	CreatedAt      time.Time      `gorm:"comment:创建时间"`
	UpdatedAt      time.Time      `gorm:"comment:更新时间"`
	DeletedAt      gorm.DeletedAt `gorm:"index;comment:删除时间"`
}

// SealedCommitment 密封出价承诺表，(拍卖,出价人)唯一，不允许覆盖
type SealedCommitment struct {
	ID         uint64    `gorm:"primaryKey;comment:承诺ID"`
	AuctionNo  string    `gorm:"index:idx_commit,unique;comment:关联拍卖编号"`
	BidderAddr string    `gorm:"index:idx_commit,unique;comment:出价人钱包地址"`
	CommitHash string    `gorm:"comment:sha256(金额||盐||出价人)十六进制"`
	Deposit    int64     `gorm:"comment:承诺押金（有效出价上限）"`
	Revealed   bool      `gorm:"comment:是否已揭示"`
	Reclaimed  bool      `gorm:"comment:未揭示押金是否已取回"`
	Refunded   bool      `gorm:"comment:押金是否已在结算中记回余额"`
	CreatedAt  time.Time `gorm:"comment:承诺时间"`
	UpdatedAt  time.Time `gorm:"comment:更新时间"`
}

// RevealedBid 已揭示出价表，仅当(金额,盐,出价人)哈希与承诺匹配时写入
type RevealedBid struct {
	ID         uint64    `gorm:"primaryKey;comment:揭示ID"`
	AuctionNo  string    `gorm:"index:idx_reveal,unique;comment:关联拍卖编号"`
	BidderAddr string    `gorm:"index:idx_reveal,unique;comment:出价人钱包地址"`
	Amount     int64     `gorm:"comment:有效出价金额（已按押金封顶）"`
	RevealTime time.Time `gorm:"comment:揭示时间（最高价并列时先揭示者胜）"`
	CreatedAt  time.Time `gorm:"comment:创建时间"`
}
