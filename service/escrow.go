package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"nft_exchange/model"
	"nft_exchange/utils"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// EscrowLedger 托管账本：资产托管记录 + pull-payment余额
// 所有结算路径都经由它写入；余额只能被账户本人的Withdraw扣减
type EscrowLedger struct {
	deps *Deps
}

// NewEscrowLedger 创建托管账本
func NewEscrowLedger(deps *Deps) *EscrowLedger {
	return &EscrowLedger{deps: deps}
}

// VerifyCustody 校验ownerAddr确实持有该链上资产，且交易所操作账户已获转移授权
// 托管查询方为准；不满足返回ErrNotOwner
func (e *EscrowLedger) VerifyCustody(ctx context.Context, ownerAddr, collectionAddr, tokenId string) error {
	owner, err := e.deps.Custody.OwnerOf(ctx, collectionAddr, tokenId)
	if err != nil {
		return fmt.Errorf("query owner: %w", err)
	}
	if !strings.EqualFold(owner, ownerAddr) {
		return model.ErrNotOwner
	}

	approved, err := e.deps.Custody.IsApproved(ctx, ownerAddr, collectionAddr, tokenId, e.deps.Cfg.OperatorAddr)
	if err != nil {
		return fmt.Errorf("query approval: %w", err)
	}
	if !approved {
		return model.ErrNotOwner
	}
	return nil
}

// Lock 在事务内创建托管记录，将资产锁入协议托管
// 资产已有未释放托管时失败ErrAssetLocked（防止重复挂单/重复出售）
func (e *EscrowLedger) Lock(tx *gorm.DB, assetID uint64, orderNo string, holderType int, now time.Time) error {
	var existing model.EscrowRecord
	err := tx.Where("nft_asset_id = ? AND release_time IS NULL", assetID).First(&existing).Error
	if err == nil {
		return model.ErrAssetLocked
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}

	record := model.EscrowRecord{
		NFTAssetID: assetID,
		OrderNo:    orderNo,
		HolderType: holderType,
		LockTime:   now,
	}
	return tx.Create(&record).Error
}

// Release 在事务内释放托管：标记释放时间并同步变更资产归属，二者同一原子步骤
// 托管不存在或已释放时失败ErrNoSuchEscrow（不存在记录与归属不一致的窗口）
func (e *EscrowLedger) Release(tx *gorm.DB, orderNo string, toAddr string, now time.Time) error {
	var record model.EscrowRecord
	err := tx.Where("order_no = ? AND release_time IS NULL", orderNo).First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.ErrNoSuchEscrow
	}
	if err != nil {
		return err
	}

	if err := tx.Model(&record).Updates(map[string]interface{}{
		"release_time": &now,
		"release_to":   toAddr,
	}).Error; err != nil {
		return err
	}

	// 资产归属与托管释放在同一事务内翻转
	return tx.Model(&model.NFTAsset{}).Where("id = ?", record.NFTAssetID).
		Update("owner_addr", toAddr).Error
}

// Held 查询指定挂单/拍卖是否仍持有托管（测试与审计用）
func (e *EscrowLedger) Held(ctx context.Context, orderNo string) (bool, error) {
	var count int64
	err := e.deps.DB.WithContext(ctx).Model(&model.EscrowRecord{}).
		Where("order_no = ? AND release_time IS NULL", orderNo).Count(&count).Error
	return count > 0, err
}

// Credit 在事务内为账户记入可提取余额（pull-payment入账）
// 结算路径只做Credit，不直接强推资金，单个不可达的接收方不会阻塞结算
func (e *EscrowLedger) Credit(tx *gorm.DB, account string, amount int64) error {
	if amount == 0 {
		return nil
	}
	if amount < 0 || account == "" || strings.EqualFold(account, model.NullAddr) {
		return model.ErrAmountOverflow
	}

	var balance model.PendingBalance
	err := tx.Where("account = ?", account).First(&balance).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return tx.Create(&model.PendingBalance{Account: account, Amount: amount}).Error
	}
	if err != nil {
		return err
	}

	newAmount, err := addChecked(balance.Amount, amount)
	if err != nil {
		return err
	}
	return tx.Model(&balance).Update("amount", newAmount).Error
}

// Withdraw 账户本人提取余额
// 清零先行提交，外部转账在事务之外执行：转账成功时余额行必然已为0，
// 不存在"资金已到账而余额仍在"的双付窗口；转账失败则补偿入账恢复余额
func (e *EscrowLedger) Withdraw(ctx context.Context, account string) (int64, error) {
	if err := e.deps.ensureNotPaused(ctx); err != nil {
		return 0, err
	}

	var amount int64
	err := e.deps.withLock(ctx, "balance_lock_"+strings.ToLower(account), func() error {
		// 1. 清零并提交（效果先于外部交互）
		err := e.deps.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var balance model.PendingBalance
			if err := tx.Where("account = ?", account).First(&balance).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return model.ErrNoBalance
				}
				return err
			}
			if balance.Amount <= 0 {
				return model.ErrNoBalance
			}
			amount = balance.Amount
			return tx.Model(&balance).Update("amount", int64(0)).Error
		})
		if err != nil {
			return err
		}

		// 2. 外部转账腿，失败则补偿入账恢复余额
		if err := e.deps.Transfer.Transfer(ctx, account, amount); err != nil {
			if creditErr := e.Credit(e.deps.DB.WithContext(ctx), account, amount); creditErr != nil {
				utils.Logger.Error("提现失败后恢复余额失败，需人工对账",
					zap.String("account", account), zap.Int64("amount", amount), zap.Error(creditErr))
			} else {
				utils.Logger.Error("提现转账失败，余额已恢复",
					zap.String("account", account), zap.Int64("amount", amount), zap.Error(err))
			}
			return fmt.Errorf("withdraw transfer: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	utils.Logger.Info("提现成功", zap.String("account", account), zap.Int64("amount", amount))
	return amount, nil
}

// PendingAmount 查询账户当前可提取余额
func (e *EscrowLedger) PendingAmount(ctx context.Context, account string) (int64, error) {
	var balance model.PendingBalance
	err := e.deps.DB.WithContext(ctx).Where("account = ?", account).First(&balance).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return balance.Amount, nil
}
