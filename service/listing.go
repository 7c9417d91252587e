package service

import (
	"context"
	"errors"
	"fmt"

	"nft_exchange/model"
	"nft_exchange/utils"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ListingService 一口价挂单服务接口
type ListingService interface {
	List(ctx context.Context, req ListReq) (string, error)
	Buy(ctx context.Context, req BuyReq) (string, error)
	Cancel(ctx context.Context, listingNo, sellerAddr string) error
}

// listingService 一口价挂单服务实现
type listingService struct {
	deps   *Deps
	escrow *EscrowLedger
}

// NewListingService 创建一口价挂单服务
func NewListingService(deps *Deps, escrow *EscrowLedger) ListingService {
	return &listingService{deps: deps, escrow: escrow}
}

// ListReq 创建挂单请求
type ListReq struct {
	NFTAssetID   uint64 `json:"nft_asset_id"`
	SellerAddr   string `json:"seller_addr"`
	Price        int64  `json:"price"`
	PaymentAsset string `json:"payment_asset"`
}

// BuyReq 购买请求
type BuyReq struct {
	ListingNo string `json:"listing_no"`
	BuyerAddr string `json:"buyer_addr"`
	Amount    int64  `json:"amount"` // 买家支付金额，须不低于挂单价
}

// List 创建一口价挂单：校验持有与授权，锁定托管，生成Active挂单
func (s *listingService) List(ctx context.Context, req ListReq) (string, error) {
	if err := s.deps.ensureNotPaused(ctx); err != nil {
		return "", err
	}
	if req.Price <= 0 {
		return "", model.ErrInvalidPriceTerms
	}
	paymentAsset, err := s.deps.checkPaymentAsset(req.PaymentAsset)
	if err != nil {
		return "", err
	}

	// 1. 校验NFT资产镜像存在且归属卖家
	var asset model.NFTAsset
	if err := s.deps.DB.WithContext(ctx).
		Where("id = ? AND owner_addr = ?", req.NFTAssetID, req.SellerAddr).
		First(&asset).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", model.ErrNotOwner
		}
		return "", err
	}

	// 2. 托管查询方校验链上持有与授权（预授权握手完成后方可代为托管）
	if err := s.escrow.VerifyCustody(ctx, req.SellerAddr, asset.ContractAddr, asset.TokenID); err != nil {
		return "", err
	}

	listingNo := uuid.NewString()
	now := s.deps.Now()

	// 3. 互斥锁内开事务：锁定托管 + 创建挂单
	err = s.deps.withLock(ctx, fmt.Sprintf("nft_lock_%d", req.NFTAssetID), func() error {
		return s.deps.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := s.escrow.Lock(tx, asset.ID, listingNo, model.EscrowHolderListing, now); err != nil {
				return err
			}

			listing := model.Listing{
				ListingNo:    listingNo,
				NFTAssetID:   asset.ID,
				TokenID:      asset.TokenID,
				ContractAddr: asset.ContractAddr,
				SellerAddr:   req.SellerAddr,
				Price:        req.Price,
				PaymentAsset: paymentAsset,
				Status:       model.ListingStatusActive,
			}
			return tx.Create(&listing).Error
		})
	})
	if err != nil {
		return "", err
	}

	utils.Logger.Info("创建挂单成功",
		zap.String("listing_no", listingNo), zap.Uint64("nft_asset_id", req.NFTAssetID), zap.Int64("price", req.Price))
	return listingNo, nil
}

// Buy 购买挂单：版税/手续费/卖家净得全部走pull-payment入账，托管释放给买家，状态翻转Sold
// 失败不产生任何部分状态；结算事务提交后才发布链上交割消息
func (s *listingService) Buy(ctx context.Context, req BuyReq) (string, error) {
	if err := s.deps.ensureNotPaused(ctx); err != nil {
		return "", err
	}

	tradeNo := utils.GenerateOrderNo()
	now := s.deps.Now()

	err := s.deps.withLock(ctx, "listing_lock_"+req.ListingNo, func() error {
		return s.deps.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var listing model.Listing
			if err := tx.Where("listing_no = ?", req.ListingNo).First(&listing).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return model.ErrListingNotActive
				}
				return err
			}
			if listing.Status != model.ListingStatusActive {
				return model.ErrListingNotActive
			}
			if listing.SellerAddr == req.BuyerAddr {
				return model.ErrSelfTrade
			}
			if req.Amount < listing.Price {
				return model.ErrInsufficientPayment
			}

			// 版税封顶与拆分（版税+手续费吞没成交价时整单阻断）
			split, err := s.deps.computeSplit(ctx, listing.ContractAddr, listing.TokenID, listing.Price)
			if err != nil {
				return err
			}

			// 先完成托管释放与归属翻转，再做资金入账
			if err := s.escrow.Release(tx, listing.ListingNo, req.BuyerAddr, now); err != nil {
				return err
			}

			if split.RoyaltyAmount > 0 {
				if err := s.escrow.Credit(tx, split.RoyaltyAddr, split.RoyaltyAmount); err != nil {
					return err
				}
			}
			if split.Fee > 0 {
				if err := s.escrow.Credit(tx, s.deps.Cfg.PlatformFeeAddr, split.Fee); err != nil {
					return err
				}
			}
			if err := s.escrow.Credit(tx, listing.SellerAddr, split.Proceeds); err != nil {
				return err
			}

			if err := tx.Model(&listing).Updates(map[string]interface{}{
				"status":          model.ListingStatusSold,
				"buyer_addr":      req.BuyerAddr,
				"collected_funds": listing.Price,
			}).Error; err != nil {
				return err
			}

			record := model.TradeRecord{
				TradeNo:       tradeNo,
				OrderNo:       listing.ListingNo,
				NFTAssetID:    listing.NFTAssetID,
				SaleKind:      model.SaleKindFixed,
				SellerAddr:    listing.SellerAddr,
				BuyerAddr:     req.BuyerAddr,
				Price:         listing.Price,
				Fee:           split.Fee,
				FeeAddr:       s.deps.Cfg.PlatformFeeAddr,
				RoyaltyAmount: split.RoyaltyAmount,
				RoyaltyAddr:   split.RoyaltyAddr,
				TradeTime:     now,
			}
			return tx.Create(&record).Error
		})
	})
	if err != nil {
		return "", err
	}

	// 事务已提交，通知消费端执行链上NFT转账
	s.deps.publishSettlement(ctx, tradeNo)

	utils.Logger.Info("挂单成交",
		zap.String("listing_no", req.ListingNo), zap.String("trade_no", tradeNo), zap.String("buyer", req.BuyerAddr))
	return tradeNo, nil
}

// Cancel 撤销挂单：仅卖家本人、仅Active状态；托管退还卖家，状态翻转Cancelled
func (s *listingService) Cancel(ctx context.Context, listingNo, sellerAddr string) error {
	if err := s.deps.ensureNotPaused(ctx); err != nil {
		return err
	}

	now := s.deps.Now()
	err := s.deps.withLock(ctx, "listing_lock_"+listingNo, func() error {
		return s.deps.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var listing model.Listing
			if err := tx.Where("listing_no = ?", listingNo).First(&listing).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return model.ErrListingNotActive
				}
				return err
			}
			if listing.SellerAddr != sellerAddr {
				return model.ErrNotOwner
			}
			if listing.Status != model.ListingStatusActive {
				return model.ErrListingNotActive
			}

			if err := s.escrow.Release(tx, listing.ListingNo, listing.SellerAddr, now); err != nil {
				return err
			}
			return tx.Model(&listing).Update("status", model.ListingStatusCancelled).Error
		})
	})
	if err != nil {
		return err
	}

	utils.Logger.Info("撤销挂单成功", zap.String("listing_no", listingNo))
	return nil
}
