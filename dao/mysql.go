package dao

import (
	"nft_exchange/model"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
)

// InitMySQL 初始化MySQL连接并迁移表结构
func InitMySQL(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	if err := AutoMigrate(db); err != nil {
		return nil, err
	}
	return db, nil
}

// AutoMigrate 自动迁移表结构（开发环境；测试环境对sqlite复用）
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&model.NFTAsset{},
		&model.Listing{},
		&model.EscrowRecord{},
		&model.PendingBalance{},
		&model.TradeRecord{},
		&model.Auction{},
		&model.Bid{},
		&model.SealedAuction{},
		&model.SealedCommitment{},
		&model.RevealedBid{},
	)
}
