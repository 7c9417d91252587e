package service

import (
	"context"
	"math"
	"strings"
	"time"

	"nft_exchange/config"
	"nft_exchange/model"
	"nft_exchange/utils"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// -------------- 外部协作方接口（§外部接口，全部可替换） --------------

// CustodyProvider 资产托管查询方：回答"谁持有资产X"与"交易所是否已获转移授权"
type CustodyProvider interface {
	OwnerOf(ctx context.Context, collectionAddr, tokenId string) (string, error)
	IsApproved(ctx context.Context, ownerAddr, collectionAddr, tokenId, operatorAddr string) (bool, error)
}

// RoyaltySource 版税查询方：(合集, TokenID, 成交价) -> (接收方, 金额)
// 返回值不可信，结算侧统一按封顶基点重新钳制
type RoyaltySource interface {
	RoyaltyInfo(ctx context.Context, collectionAddr, tokenId string, salePrice int64) (string, int64, error)
}

// PauseSwitch 全局紧急暂停开关，所有变更类入口执行前查询
type PauseSwitch interface {
	Paused(ctx context.Context) (bool, error)
}

// FundTransferor 资金出账方：withdraw的外部转账腿
type FundTransferor interface {
	Transfer(ctx context.Context, to string, amount int64) error
}

// SettlementPublisher 结算消息发布方：结算事务提交后通知链上交割
type SettlementPublisher interface {
	PublishSettlement(ctx context.Context, tradeNo string) error
}

// Locker 互斥锁：对外可变更操作按资产/实例加锁，阻断并发重入
// 生产环境为redsync分布式锁（utils.RedsyncLocker），测试环境为进程内锁
type Locker interface {
	Lock(ctx context.Context, key string, expire time.Duration) (func() error, error)
}

// Deps 服务层依赖集合
type Deps struct {
	DB        *gorm.DB
	Custody   CustodyProvider
	Royalty   RoyaltySource
	Pause     PauseSwitch
	Transfer  FundTransferor
	Publisher SettlementPublisher
	Locker    Locker
	Cfg       *config.Config
	// Now 由宿主环境提供的时钟，所有截止时间比较只用它（测试可注入）
	Now func() time.Time
}

// NewDeps 创建依赖集合（Now缺省为time.Now）
func NewDeps(db *gorm.DB, custody CustodyProvider, royalty RoyaltySource, pause PauseSwitch,
	transfer FundTransferor, publisher SettlementPublisher, locker Locker, cfg *config.Config) *Deps {
	return &Deps{
		DB:        db,
		Custody:   custody,
		Royalty:   royalty,
		Pause:     pause,
		Transfer:  transfer,
		Publisher: publisher,
		Locker:    locker,
		Cfg:       cfg,
		Now:       time.Now,
	}
}

// lockExpire 变更操作互斥锁的过期时间
const lockExpire = 10 * time.Second

// withLock 在互斥锁保护下执行fn
func (d *Deps) withLock(ctx context.Context, key string, fn func() error) error {
	unlock, err := d.Locker.Lock(ctx, key, lockExpire)
	if err != nil {
		utils.Logger.Error("获取互斥锁失败", zap.String("key", key), zap.Error(err))
		return err
	}
	defer func() {
		if err := unlock(); err != nil {
			utils.Logger.Error("释放互斥锁失败", zap.String("key", key), zap.Error(err))
		}
	}()
	return fn()
}

// ensureNotPaused 查询全局暂停开关；fail-closed：无法确认状态时按已暂停处理
func (d *Deps) ensureNotPaused(ctx context.Context) error {
	paused, err := d.Pause.Paused(ctx)
	if err != nil {
		utils.Logger.Error("查询暂停开关失败，按已暂停处理", zap.Error(err))
		return model.ErrPaused
	}
	if paused {
		return model.ErrPaused
	}
	return nil
}

// checkPaymentAsset 结算资产白名单校验；空值回落到默认结算资产
func (d *Deps) checkPaymentAsset(asset string) (string, error) {
	if asset == "" {
		return d.Cfg.SettlementAsset, nil
	}
	if strings.EqualFold(asset, d.Cfg.SettlementAsset) || d.Cfg.PaymentAssets[strings.ToLower(asset)] {
		return asset, nil
	}
	return "", model.ErrNotWhitelisted
}

// publishSettlement 结算事务提交后发布链上交割消息
// 发布失败只记录日志，不回滚已完成的结算（出账失败不得冻结合法成交）
func (d *Deps) publishSettlement(ctx context.Context, tradeNo string) {
	if err := d.Publisher.PublishSettlement(ctx, tradeNo); err != nil {
		utils.Logger.Error("发布结算消息失败", zap.String("trade_no", tradeNo), zap.Error(err))
	}
}

// -------------- 金额运算（溢出即拒绝，不允许静默截断） --------------

// addChecked 带溢出检查的加法
func addChecked(a, b int64) (int64, error) {
	if b > 0 && a > math.MaxInt64-b {
		return 0, model.ErrAmountOverflow
	}
	if b < 0 && a < math.MinInt64-b {
		return 0, model.ErrAmountOverflow
	}
	return a + b, nil
}

// mulBps 按基点取比例（amount * bps / 10000），带溢出检查
func mulBps(amount, bps int64) (int64, error) {
	if amount < 0 || bps < 0 {
		return 0, model.ErrAmountOverflow
	}
	if amount == 0 || bps == 0 {
		return 0, nil
	}
	if amount > math.MaxInt64/bps {
		return 0, model.ErrAmountOverflow
	}
	return amount * bps / 10000, nil
}

// -------------- 结算拆分 --------------

// settlementSplit 成交价拆分结果
type settlementSplit struct {
	RoyaltyAddr   string
	RoyaltyAmount int64
	Fee           int64
	Proceeds      int64 // 卖家净得
}

// computeSplit 计算版税/手续费/卖家净得
// 版税来源不可信：金额按RoyaltyCapBps（默认为成交价10%）封顶，接收方为空地址时强制为0
// 版税+手续费吞没成交价时阻断结算（不允许卖家净得为负的静默损失）
func (d *Deps) computeSplit(ctx context.Context, collectionAddr, tokenId string, price int64) (*settlementSplit, error) {
	if price <= 0 {
		return nil, model.ErrAmountOverflow
	}

	royaltyAddr, declared, err := d.Royalty.RoyaltyInfo(ctx, collectionAddr, tokenId, price)
	if err != nil {
		utils.Logger.Warn("查询版税失败，按无版税结算", zap.String("collection", collectionAddr), zap.Error(err))
		royaltyAddr, declared = "", 0
	}

	royaltyCap, err := mulBps(price, d.Cfg.RoyaltyCapBps)
	if err != nil {
		return nil, err
	}
	royalty := declared
	if royalty > royaltyCap {
		royalty = royaltyCap
	}
	if royalty < 0 {
		royalty = 0
	}
	// 空接收方强制版税为0
	if royaltyAddr == "" || strings.EqualFold(royaltyAddr, model.NullAddr) {
		royaltyAddr, royalty = "", 0
	}

	fee, err := mulBps(price, d.Cfg.PlatformFeeBps)
	if err != nil {
		return nil, err
	}

	deductions, err := addChecked(royalty, fee)
	if err != nil {
		return nil, err
	}
	if deductions >= price {
		return nil, model.ErrRoyaltyOverflow
	}

	return &settlementSplit{
		RoyaltyAddr:   royaltyAddr,
		RoyaltyAmount: royalty,
		Fee:           fee,
		Proceeds:      price - deductions,
	}, nil
}
