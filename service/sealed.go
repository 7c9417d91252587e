package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"nft_exchange/model"
	"nft_exchange/utils"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// SealedAuctionService 密封出价（二价）拍卖服务接口
// 两阶段：承诺期只收哈希与押金，揭示期验证开启，结算按第二高有效揭示定价
type SealedAuctionService interface {
	Create(ctx context.Context, req CreateSealedReq) (string, error)
	Commit(ctx context.Context, req CommitReq) error
	Reveal(ctx context.Context, req RevealReq) error
	Settle(ctx context.Context, auctionNo string) (string, error)
	ReclaimUnrevealedDeposit(ctx context.Context, auctionNo, bidderAddr string) (int64, error)
}

// sealedService 密封出价拍卖服务实现
type sealedService struct {
	deps   *Deps
	escrow *EscrowLedger
}

// NewSealedAuctionService 创建密封出价拍卖服务
func NewSealedAuctionService(deps *Deps, escrow *EscrowLedger) SealedAuctionService {
	return &sealedService{deps: deps, escrow: escrow}
}

// CreateSealedReq 创建密封出价拍卖请求
type CreateSealedReq struct {
	NFTAssetID   uint64    `json:"nft_asset_id"`
	SellerAddr   string    `json:"seller_addr"`
	PaymentAsset string    `json:"payment_asset"`
	ReservePrice int64     `json:"reserve_price"`
	MinDeposit   int64     `json:"min_deposit"` // 0则使用全局默认
	CommitEnd    time.Time `json:"commit_end"`
	RevealEnd    time.Time `json:"reveal_end"`
}

// CommitReq 承诺请求
type CommitReq struct {
	AuctionNo  string `json:"auction_no"`
	BidderAddr string `json:"bidder_addr"`
	CommitHash string `json:"commit_hash"` // sha256(金额||盐||出价人)
	Deposit    int64  `json:"deposit"`
}

// RevealReq 揭示请求
type RevealReq struct {
	AuctionNo  string `json:"auction_no"`
	BidderAddr string `json:"bidder_addr"`
	Amount     int64  `json:"amount"`
	Salt       string `json:"salt"`
}

// Create 创建密封出价拍卖：承诺期截止必须早于揭示期截止
func (s *sealedService) Create(ctx context.Context, req CreateSealedReq) (string, error) {
	if err := s.deps.ensureNotPaused(ctx); err != nil {
		return "", err
	}
	if req.ReservePrice < 0 {
		return "", model.ErrInvalidPriceTerms
	}
	paymentAsset, err := s.deps.checkPaymentAsset(req.PaymentAsset)
	if err != nil {
		return "", err
	}
	now := s.deps.Now()
	if !req.CommitEnd.After(now) || !req.RevealEnd.After(req.CommitEnd) {
		return "", model.ErrInvalidPhase
	}
	minDeposit := req.MinDeposit
	if minDeposit <= 0 {
		minDeposit = s.deps.Cfg.MinSealedDeposit
	}

	var asset model.NFTAsset
	if err := s.deps.DB.WithContext(ctx).
		Where("id = ? AND owner_addr = ?", req.NFTAssetID, req.SellerAddr).
		First(&asset).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", model.ErrNotOwner
		}
		return "", err
	}
	if err := s.escrow.VerifyCustody(ctx, req.SellerAddr, asset.ContractAddr, asset.TokenID); err != nil {
		return "", err
	}

	auctionNo := uuid.NewString()
	err = s.deps.withLock(ctx, fmt.Sprintf("nft_lock_%d", req.NFTAssetID), func() error {
		return s.deps.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := s.escrow.Lock(tx, asset.ID, auctionNo, model.EscrowHolderSealed, now); err != nil {
				return err
			}
			auction := model.SealedAuction{
				AuctionNo:    auctionNo,
				NFTAssetID:   asset.ID,
				TokenID:      asset.TokenID,
				ContractAddr: asset.ContractAddr,
				SellerAddr:   req.SellerAddr,
				PaymentAsset: paymentAsset,
				ReservePrice: req.ReservePrice,
				MinDeposit:   minDeposit,
				Status:       model.AuctionStatusActive,
				CommitEnd:    req.CommitEnd,
				RevealEnd:    req.RevealEnd,
			}
			return tx.Create(&auction).Error
		})
	})
	if err != nil {
		return "", err
	}

	utils.Logger.Info("创建密封出价拍卖成功", zap.String("auction_no", auctionNo))
	return auctionNo, nil
}

// loadSealed 在事务内加载密封拍卖
func loadSealed(tx *gorm.DB, auctionNo string) (*model.SealedAuction, error) {
	var auction model.SealedAuction
	if err := tx.Where("auction_no = ?", auctionNo).First(&auction).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, model.ErrAuctionNotActive
		}
		return nil, err
	}
	return &auction, nil
}

// Commit 提交承诺：仅承诺期内；每个(拍卖,出价人)仅一份，不允许静默覆盖
// 重复提交失败ErrAlreadyCommitted，防止覆盖式押金挤兑
func (s *sealedService) Commit(ctx context.Context, req CommitReq) error {
	if err := s.deps.ensureNotPaused(ctx); err != nil {
		return err
	}
	if req.CommitHash == "" {
		return model.ErrInvalidReveal
	}

	now := s.deps.Now()
	err := s.deps.withLock(ctx, "sealed_lock_"+req.AuctionNo, func() error {
		return s.deps.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			auction, err := loadSealed(tx, req.AuctionNo)
			if err != nil {
				return err
			}
			if auction.Status != model.AuctionStatusActive {
				return model.ErrAuctionNotActive
			}
			if !now.Before(auction.CommitEnd) {
				return model.ErrAuctionEnded
			}
			if req.BidderAddr == auction.SellerAddr {
				return model.ErrSelfTrade
			}
			if req.Deposit < auction.MinDeposit {
				return model.ErrDepositTooSmall
			}

			var existing model.SealedCommitment
			err = tx.Where("auction_no = ? AND bidder_addr = ?", req.AuctionNo, req.BidderAddr).First(&existing).Error
			if err == nil {
				return model.ErrAlreadyCommitted
			}
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}

			// 参与人数上限保证结算遍历有界（资源耗尽防护）
			var committed int64
			if err := tx.Model(&model.SealedCommitment{}).
				Where("auction_no = ?", req.AuctionNo).Count(&committed).Error; err != nil {
				return err
			}
			if committed >= int64(s.deps.Cfg.MaxBatchSize) {
				return model.ErrInvalidQuantity
			}

			commitment := model.SealedCommitment{
				AuctionNo:  req.AuctionNo,
				BidderAddr: req.BidderAddr,
				CommitHash: req.CommitHash,
				Deposit:    req.Deposit,
				CreatedAt:  now,
			}
			if err := tx.Create(&commitment).Error; err != nil {
				return err
			}

			collected, err := addChecked(auction.CollectedFunds, req.Deposit)
			if err != nil {
				return err
			}
			return tx.Model(auction).Update("collected_funds", collected).Error
		})
	})
	if err != nil {
		return err
	}

	utils.Logger.Info("承诺提交成功",
		zap.String("auction_no", req.AuctionNo), zap.String("bidder", req.BidderAddr), zap.Int64("deposit", req.Deposit))
	return nil
}

// Reveal 揭示出价：仅[承诺期截止, 揭示期截止)内；哈希不匹配失败ErrInvalidReveal
// 揭示金额超过押金时按押金封顶（不得主张从未托管的资金）
func (s *sealedService) Reveal(ctx context.Context, req RevealReq) error {
	if err := s.deps.ensureNotPaused(ctx); err != nil {
		return err
	}

	now := s.deps.Now()
	err := s.deps.withLock(ctx, "sealed_lock_"+req.AuctionNo, func() error {
		return s.deps.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			auction, err := loadSealed(tx, req.AuctionNo)
			if err != nil {
				return err
			}
			if auction.Status != model.AuctionStatusActive {
				return model.ErrAuctionNotActive
			}
			if now.Before(auction.CommitEnd) {
				return model.ErrAuctionNotEnded
			}
			if !now.Before(auction.RevealEnd) {
				return model.ErrAuctionEnded
			}

			var commitment model.SealedCommitment
			err = tx.Where("auction_no = ? AND bidder_addr = ?", req.AuctionNo, req.BidderAddr).First(&commitment).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return model.ErrInvalidReveal
			}
			if err != nil {
				return err
			}
			if commitment.Revealed {
				return model.ErrAlreadyRevealed
			}

			if req.Amount <= 0 ||
				utils.SealedBidCommitment(req.Amount, req.Salt, req.BidderAddr) != commitment.CommitHash {
				return model.ErrInvalidReveal
			}

			// 有效出价按押金封顶
			effective := req.Amount
			if effective > commitment.Deposit {
				effective = commitment.Deposit
			}

			reveal := model.RevealedBid{
				AuctionNo:  req.AuctionNo,
				BidderAddr: req.BidderAddr,
				Amount:     effective,
				RevealTime: now,
			}
			if err := tx.Create(&reveal).Error; err != nil {
				return err
			}
			return tx.Model(&commitment).Update("revealed", true).Error
		})
	})
	if err != nil {
		return err
	}

	utils.Logger.Info("揭示成功",
		zap.String("auction_no", req.AuctionNo), zap.String("bidder", req.BidderAddr))
	return nil
}

// Settle 结算：仅揭示期截止后
// 胜者为最高有效揭示（并列取先揭示者），支付第二高揭示价；不足两个有效揭示按保留价
// 零有效揭示（或最高揭示不足保留价）流拍，押金全部可取回/退回
func (s *sealedService) Settle(ctx context.Context, auctionNo string) (string, error) {
	if err := s.deps.ensureNotPaused(ctx); err != nil {
		return "", err
	}

	tradeNo := ""
	now := s.deps.Now()
	err := s.deps.withLock(ctx, "sealed_lock_"+auctionNo, func() error {
		return s.deps.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			auction, err := loadSealed(tx, auctionNo)
			if err != nil {
				return err
			}
			if auction.Status != model.AuctionStatusActive {
				return model.ErrAuctionNotActive
			}
			if now.Before(auction.RevealEnd) {
				return model.ErrAuctionNotEnded
			}

			// 金额降序，并列时先揭示者在前
			var reveals []model.RevealedBid
			if err := tx.Where("auction_no = ?", auctionNo).
				Order("amount DESC, reveal_time ASC, id ASC").Find(&reveals).Error; err != nil {
				return err
			}

			// 流拍：零有效揭示，或不足两个有效揭示且最高价低于保留价
			if len(reveals) == 0 || (len(reveals) < 2 && reveals[0].Amount < auction.ReservePrice) {
				return s.cancelSealed(tx, auction, reveals, now)
			}

			winner := reveals[0]
			clearing := auction.ReservePrice
			if len(reveals) >= 2 {
				clearing = reveals[1].Amount
			}

			var winnerCommit model.SealedCommitment
			if err := tx.Where("auction_no = ? AND bidder_addr = ?", auctionNo, winner.BidderAddr).
				First(&winnerCommit).Error; err != nil {
				return err
			}

			split, err := s.deps.computeSplit(ctx, auction.ContractAddr, auction.TokenID, clearing)
			if err != nil {
				return err
			}

			// 1. 托管释放给胜者
			if err := s.escrow.Release(tx, auction.AuctionNo, winner.BidderAddr, now); err != nil {
				return err
			}

			// 2. 胜者押金超出成交价的部分退回余额
			surplus := winnerCommit.Deposit - clearing
			if surplus > 0 {
				if err := s.escrow.Credit(tx, winner.BidderAddr, surplus); err != nil {
					return err
				}
			}
			if err := tx.Model(&winnerCommit).Update("refunded", true).Error; err != nil {
				return err
			}

			// 3. 其余已揭示者押金全额退回
			for _, r := range reveals[1:] {
				var commit model.SealedCommitment
				if err := tx.Where("auction_no = ? AND bidder_addr = ?", auctionNo, r.BidderAddr).
					First(&commit).Error; err != nil {
					return err
				}
				if err := s.escrow.Credit(tx, commit.BidderAddr, commit.Deposit); err != nil {
					return err
				}
				if err := tx.Model(&commit).Update("refunded", true).Error; err != nil {
					return err
				}
			}

			// 4. 成交价拆分入账（未揭示者的押金只能经reclaim路径取回）
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
			if err := s.escrow.Credit(tx, auction.SellerAddr, split.Proceeds); err != nil {
				return err
			}

			if err := tx.Model(auction).Update("status", model.AuctionStatusSettled).Error; err != nil {
				return err
			}

			tradeNo = utils.GenerateOrderNo()
			record := model.TradeRecord{
				TradeNo:       tradeNo,
				OrderNo:       auction.AuctionNo,
				NFTAssetID:    auction.NFTAssetID,
				SaleKind:      model.SaleKindSealed,
				SellerAddr:    auction.SellerAddr,
				BuyerAddr:     winner.BidderAddr,
				Price:         clearing,
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

	if tradeNo != "" {
		s.deps.publishSettlement(ctx, tradeNo)
		utils.Logger.Info("密封出价拍卖结算成功", zap.String("auction_no", auctionNo), zap.String("trade_no", tradeNo))
	} else {
		utils.Logger.Info("密封出价拍卖流拍", zap.String("auction_no", auctionNo))
	}
	return tradeNo, nil
}

// cancelSealed 流拍处理：资产退还卖家；已揭示者押金直接退回余额，未揭示者走reclaim路径
func (s *sealedService) cancelSealed(tx *gorm.DB, auction *model.SealedAuction, reveals []model.RevealedBid, now time.Time) error {
	for _, r := range reveals {
		var commit model.SealedCommitment
		if err := tx.Where("auction_no = ? AND bidder_addr = ?", auction.AuctionNo, r.BidderAddr).
			First(&commit).Error; err != nil {
			return err
		}
		if err := s.escrow.Credit(tx, commit.BidderAddr, commit.Deposit); err != nil {
			return err
		}
		if err := tx.Model(&commit).Update("refunded", true).Error; err != nil {
			return err
		}
	}

	if err := s.escrow.Release(tx, auction.AuctionNo, auction.SellerAddr, now); err != nil {
		return err
	}
	return tx.Model(auction).Update("status", model.AuctionStatusCancelled).Error
}

// ReclaimUnrevealedDeposit 未揭示押金取回：仅承诺过且未揭示的出价人，仅揭示期截止后，仅一次
// 不对未揭示者罚没——揭示被假定为经济理性行为，而非需要没收惩戒的攻击向量
func (s *sealedService) ReclaimUnrevealedDeposit(ctx context.Context, auctionNo, bidderAddr string) (int64, error) {
	if err := s.deps.ensureNotPaused(ctx); err != nil {
		return 0, err
	}

	var amount int64
	now := s.deps.Now()
	err := s.deps.withLock(ctx, "sealed_lock_"+auctionNo, func() error {
		return s.deps.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			auction, err := loadSealed(tx, auctionNo)
			if err != nil {
				return err
			}
			if now.Before(auction.RevealEnd) {
				return model.ErrAuctionNotEnded
			}

			var commitment model.SealedCommitment
			err = tx.Where("auction_no = ? AND bidder_addr = ?", auctionNo, bidderAddr).First(&commitment).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return model.ErrNothingToReclaim
			}
			if err != nil {
				return err
			}
			if commitment.Revealed {
				// 已揭示者的押金在结算中处理
				return model.ErrAlreadyRevealed
			}
			if commitment.Reclaimed {
				return model.ErrNothingToReclaim
			}

			amount = commitment.Deposit
			if err := s.escrow.Credit(tx, bidderAddr, amount); err != nil {
				return err
			}
			return tx.Model(&commitment).Update("reclaimed", true).Error
		})
	})
	if err != nil {
		return 0, err
	}

	utils.Logger.Info("未揭示押金取回成功",
		zap.String("auction_no", auctionNo), zap.String("bidder", bidderAddr), zap.Int64("amount", amount))
	return amount, nil
}
