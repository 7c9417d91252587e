package service

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"nft_exchange/model"
	"nft_exchange/utils"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// AuctionService 英式/荷兰式拍卖服务接口
type AuctionService interface {
	CreateEnglish(ctx context.Context, req CreateEnglishReq) (string, error)
	CreateDutch(ctx context.Context, req CreateDutchReq) (string, error)
	Bid(ctx context.Context, req BidReq) error
	BuyDutch(ctx context.Context, req BuyDutchReq) (string, error)
	CurrentPrice(ctx context.Context, auctionNo string) (int64, error)
	Settle(ctx context.Context, auctionNo string) (string, error)
	Cancel(ctx context.Context, auctionNo, sellerAddr string) error
}

// auctionService 英式/荷兰式拍卖服务实现
type auctionService struct {
	deps   *Deps
	escrow *EscrowLedger
}

// NewAuctionService 创建拍卖服务
func NewAuctionService(deps *Deps, escrow *EscrowLedger) AuctionService {
	return &auctionService{deps: deps, escrow: escrow}
}

// CreateEnglishReq 创建英式拍卖请求
type CreateEnglishReq struct {
	NFTAssetID      uint64     `json:"nft_asset_id"`
	SellerAddr      string     `json:"seller_addr"`
	PaymentAsset    string     `json:"payment_asset"`
	ReservePrice    int64      `json:"reserve_price"`
	MinIncrementBps int64      `json:"min_increment_bps"` // 0则使用全局默认
	StartTime       *time.Time `json:"start_time"`        // 可选，默认立即开始
	EndTime         time.Time  `json:"end_time"`
}

// CreateDutchReq 创建荷兰式拍卖请求
type CreateDutchReq struct {
	NFTAssetID   uint64     `json:"nft_asset_id"`
	SellerAddr   string     `json:"seller_addr"`
	PaymentAsset string     `json:"payment_asset"`
	StartPrice   int64      `json:"start_price"`
	FloorPrice   int64      `json:"floor_price"`
	ReservePrice int64      `json:"reserve_price"` // 可选的成交价下限，0表示无
	DecaySeconds int64      `json:"decay_seconds"`
	StartTime    *time.Time `json:"start_time"`
}

// BidReq 英式拍卖出价请求
type BidReq struct {
	AuctionNo  string `json:"auction_no"`
	BidderAddr string `json:"bidder_addr"`
	Amount     int64  `json:"amount"`
}

// BuyDutchReq 荷兰式拍卖购买请求
type BuyDutchReq struct {
	AuctionNo string `json:"auction_no"`
	BuyerAddr string `json:"buyer_addr"`
	Amount    int64  `json:"amount"` // 买家愿付上限，须不低于当前计算价
}

// createAuction 创建拍卖的公共路径：持有/授权校验 + 托管锁定 + 拍卖落库
func (s *auctionService) createAuction(ctx context.Context, assetID uint64, sellerAddr string, build func(asset *model.NFTAsset, auctionNo string) *model.Auction) (string, error) {
	var asset model.NFTAsset
	if err := s.deps.DB.WithContext(ctx).
		Where("id = ? AND owner_addr = ?", assetID, sellerAddr).
		First(&asset).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", model.ErrNotOwner
		}
		return "", err
	}
	if err := s.escrow.VerifyCustody(ctx, sellerAddr, asset.ContractAddr, asset.TokenID); err != nil {
		return "", err
	}

	auctionNo := uuid.NewString()
	now := s.deps.Now()
	err := s.deps.withLock(ctx, fmt.Sprintf("nft_lock_%d", assetID), func() error {
		return s.deps.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := s.escrow.Lock(tx, asset.ID, auctionNo, model.EscrowHolderAuction, now); err != nil {
				return err
			}
			return tx.Create(build(&asset, auctionNo)).Error
		})
	})
	if err != nil {
		return "", err
	}
	return auctionNo, nil
}

// CreateEnglish 创建英式拍卖
func (s *auctionService) CreateEnglish(ctx context.Context, req CreateEnglishReq) (string, error) {
	if err := s.deps.ensureNotPaused(ctx); err != nil {
		return "", err
	}
	if req.ReservePrice <= 0 {
		return "", model.ErrInvalidPriceTerms
	}
	paymentAsset, err := s.deps.checkPaymentAsset(req.PaymentAsset)
	if err != nil {
		return "", err
	}

	now := s.deps.Now()
	startTime := now
	if req.StartTime != nil {
		startTime = *req.StartTime
	}
	if !req.EndTime.After(startTime) {
		return "", model.ErrInvalidPhase
	}
	incrementBps := req.MinIncrementBps
	if incrementBps <= 0 {
		incrementBps = s.deps.Cfg.MinIncrementBps
	}

	auctionNo, err := s.createAuction(ctx, req.NFTAssetID, req.SellerAddr, func(asset *model.NFTAsset, auctionNo string) *model.Auction {
		status := model.AuctionStatusActive
		if startTime.After(now) {
			status = model.AuctionStatusCreated
		}
		return &model.Auction{
			AuctionNo:       auctionNo,
			NFTAssetID:      asset.ID,
			TokenID:         asset.TokenID,
			ContractAddr:    asset.ContractAddr,
			SellerAddr:      req.SellerAddr,
			Kind:            model.SaleKindEnglish,
			PaymentAsset:    paymentAsset,
			ReservePrice:    req.ReservePrice,
			MinIncrementBps: incrementBps,
			Status:          status,
			StartTime:       startTime,
			EndTime:         req.EndTime,
		}
	})
	if err != nil {
		return "", err
	}

	utils.Logger.Info("创建英式拍卖成功",
		zap.String("auction_no", auctionNo), zap.Int64("reserve", req.ReservePrice))
	return auctionNo, nil
}

// CreateDutch 创建荷兰式拍卖
func (s *auctionService) CreateDutch(ctx context.Context, req CreateDutchReq) (string, error) {
	if err := s.deps.ensureNotPaused(ctx); err != nil {
		return "", err
	}
	if req.StartPrice <= 0 || req.FloorPrice < 0 || req.FloorPrice > req.StartPrice ||
		req.ReservePrice < 0 || req.ReservePrice > req.StartPrice || req.DecaySeconds <= 0 {
		return "", model.ErrInvalidPriceTerms
	}
	paymentAsset, err := s.deps.checkPaymentAsset(req.PaymentAsset)
	if err != nil {
		return "", err
	}

	now := s.deps.Now()
	startTime := now
	if req.StartTime != nil {
		startTime = *req.StartTime
	}

	auctionNo, err := s.createAuction(ctx, req.NFTAssetID, req.SellerAddr, func(asset *model.NFTAsset, auctionNo string) *model.Auction {
		status := model.AuctionStatusActive
		if startTime.After(now) {
			status = model.AuctionStatusCreated
		}
		return &model.Auction{
			AuctionNo:    auctionNo,
			NFTAssetID:   asset.ID,
			TokenID:      asset.TokenID,
			ContractAddr: asset.ContractAddr,
			SellerAddr:   req.SellerAddr,
			Kind:         model.SaleKindDutch,
			PaymentAsset: paymentAsset,
			StartPrice:   req.StartPrice,
			FloorPrice:   req.FloorPrice,
			ReservePrice: req.ReservePrice,
			DecaySeconds: req.DecaySeconds,
			Status:       status,
			StartTime:    startTime,
		}
	})
	if err != nil {
		return "", err
	}

	utils.Logger.Info("创建荷兰式拍卖成功",
		zap.String("auction_no", auctionNo), zap.Int64("start", req.StartPrice), zap.Int64("floor", req.FloorPrice))
	return auctionNo, nil
}

// loadForUpdate 在事务内加载拍卖并做懒激活（Created且到达开始时间则翻转Active）
func (s *auctionService) loadForUpdate(tx *gorm.DB, auctionNo string, kind int, now time.Time) (*model.Auction, error) {
	var auction model.Auction
	if err := tx.Where("auction_no = ?", auctionNo).First(&auction).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, model.ErrAuctionNotActive
		}
		return nil, err
	}
	if auction.Kind != kind {
		return nil, model.ErrAuctionNotActive
	}
	if auction.Status == model.AuctionStatusCreated && !now.Before(auction.StartTime) {
		if err := tx.Model(&auction).Update("status", model.AuctionStatusActive).Error; err != nil {
			return nil, err
		}
		auction.Status = model.AuctionStatusActive
	}
	return &auction, nil
}

// minNextBid 英式拍卖下一口最低可接受出价
func minNextBid(a *model.Auction) (int64, error) {
	if a.HighestBid == 0 {
		return a.ReservePrice, nil
	}
	increment, err := mulBps(a.HighestBid, a.MinIncrementBps)
	if err != nil {
		return 0, err
	}
	return addChecked(a.HighestBid, increment)
}

// Bid 英式拍卖出价
// 前任最高出价人的资金先记回余额再记录新出价，恶意前任无法阻塞新出价
// 结束前防狙击窗口内的出价会将结束时间固定延长
func (s *auctionService) Bid(ctx context.Context, req BidReq) error {
	if err := s.deps.ensureNotPaused(ctx); err != nil {
		return err
	}

	now := s.deps.Now()
	err := s.deps.withLock(ctx, "auction_lock_"+req.AuctionNo, func() error {
		return s.deps.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			auction, err := s.loadForUpdate(tx, req.AuctionNo, model.SaleKindEnglish, now)
			if err != nil {
				return err
			}
			if auction.Status != model.AuctionStatusActive {
				return model.ErrAuctionNotActive
			}
			if !now.Before(auction.EndTime) {
				return model.ErrAuctionEnded
			}
			if req.BidderAddr == auction.SellerAddr {
				return model.ErrSelfTrade
			}

			minBid, err := minNextBid(auction)
			if err != nil {
				return err
			}
			if req.Amount < minBid {
				return model.ErrBidTooLow
			}

			// 1. 退还前任最高出价（先记回余额，再记录新出价）
			if auction.HighestBid > 0 {
				if err := s.escrow.Credit(tx, auction.HighestBidder, auction.HighestBid); err != nil {
					return err
				}
				if err := tx.Model(&model.Bid{}).
					Where("auction_no = ? AND bidder_addr = ? AND superseded = ?", auction.AuctionNo, auction.HighestBidder, false).
					Update("superseded", true).Error; err != nil {
					return err
				}
			}

			// 2. 记录新出价
			bid := model.Bid{
				AuctionNo:  auction.AuctionNo,
				BidderAddr: req.BidderAddr,
				Amount:     req.Amount,
				CreatedAt:  now,
			}
			if err := tx.Create(&bid).Error; err != nil {
				return err
			}

			collected, err := addChecked(auction.CollectedFunds, req.Amount)
			if err != nil {
				return err
			}

			updates := map[string]interface{}{
				"highest_bid":     req.Amount,
				"highest_bidder":  req.BidderAddr,
				"collected_funds": collected,
			}
			// 3. 防狙击：临近结束的出价延长结束时间
			if auction.EndTime.Sub(now) <= s.deps.Cfg.AntiSnipeWindow {
				updates["end_time"] = auction.EndTime.Add(s.deps.Cfg.AntiSnipeExtend)
			}
			return tx.Model(auction).Updates(updates).Error
		})
	})
	if err != nil {
		return err
	}

	utils.Logger.Info("出价成功",
		zap.String("auction_no", req.AuctionNo), zap.String("bidder", req.BidderAddr), zap.Int64("amount", req.Amount))
	return nil
}

// dutchPrice 荷兰式拍卖即时价格：起拍价线性衰减到地板价后钳制，不低于保留价
// price(t) = max(reserve, start - (start-floor) * min(1, elapsed/decay))
func dutchPrice(a *model.Auction, now time.Time) int64 {
	price := a.StartPrice
	if now.After(a.StartTime) {
		elapsed := int64(now.Sub(a.StartTime) / time.Second)
		if elapsed >= a.DecaySeconds {
			price = a.FloorPrice
		} else {
			// wei量级的差值乘以秒数会溢出int64，衰减量用big.Int计算
			// 衰减量不超过(start-floor)，除回decay后必然落回int64
			drop := new(big.Int).Mul(big.NewInt(a.StartPrice-a.FloorPrice), big.NewInt(elapsed))
			drop.Quo(drop, big.NewInt(a.DecaySeconds))
			price = a.StartPrice - drop.Int64()
		}
	}
	if price < a.FloorPrice {
		price = a.FloorPrice
	}
	if price < a.ReservePrice {
		price = a.ReservePrice
	}
	return price
}

// CurrentPrice 查询荷兰式拍卖当前价格（只读）
func (s *auctionService) CurrentPrice(ctx context.Context, auctionNo string) (int64, error) {
	var auction model.Auction
	if err := s.deps.DB.WithContext(ctx).Where("auction_no = ?", auctionNo).First(&auction).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, model.ErrAuctionNotActive
		}
		return 0, err
	}
	if auction.Kind != model.SaleKindDutch {
		return 0, model.ErrAuctionNotActive
	}
	return dutchPrice(&auction, s.deps.Now()), nil
}

// BuyDutch 荷兰式拍卖购买：按当前计算价立即结算，先到先得，无部分成交
func (s *auctionService) BuyDutch(ctx context.Context, req BuyDutchReq) (string, error) {
	if err := s.deps.ensureNotPaused(ctx); err != nil {
		return "", err
	}

	tradeNo := utils.GenerateOrderNo()
	now := s.deps.Now()
	err := s.deps.withLock(ctx, "auction_lock_"+req.AuctionNo, func() error {
		return s.deps.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			auction, err := s.loadForUpdate(tx, req.AuctionNo, model.SaleKindDutch, now)
			if err != nil {
				return err
			}
			if auction.Status != model.AuctionStatusActive {
				return model.ErrAuctionNotActive
			}
			if req.BuyerAddr == auction.SellerAddr {
				return model.ErrSelfTrade
			}

			price := dutchPrice(auction, now)
			if req.Amount < price {
				return model.ErrInsufficientPayment
			}

			split, err := s.deps.computeSplit(ctx, auction.ContractAddr, auction.TokenID, price)
			if err != nil {
				return err
			}

			if err := s.escrow.Release(tx, auction.AuctionNo, req.BuyerAddr, now); err != nil {
				return err
			}
			if err := s.creditSplit(tx, auction.SellerAddr, split); err != nil {
				return err
			}

			collected, err := addChecked(auction.CollectedFunds, price)
			if err != nil {
				return err
			}
			if err := tx.Model(auction).Updates(map[string]interface{}{
				"status":          model.AuctionStatusSettled,
				"collected_funds": collected,
			}).Error; err != nil {
				return err
			}

			record := model.TradeRecord{
				TradeNo:       tradeNo,
				OrderNo:       auction.AuctionNo,
				NFTAssetID:    auction.NFTAssetID,
				SaleKind:      model.SaleKindDutch,
				SellerAddr:    auction.SellerAddr,
				BuyerAddr:     req.BuyerAddr,
				Price:         price,
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

	s.deps.publishSettlement(ctx, tradeNo)
	utils.Logger.Info("荷兰式拍卖成交",
		zap.String("auction_no", req.AuctionNo), zap.String("trade_no", tradeNo), zap.String("buyer", req.BuyerAddr))
	return tradeNo, nil
}

// creditSplit 结算拆分入账：版税、手续费、卖家净得各自记入可提取余额
func (s *auctionService) creditSplit(tx *gorm.DB, sellerAddr string, split *settlementSplit) error {
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
	return s.escrow.Credit(tx, sellerAddr, split.Proceeds)
}

// Settle 英式拍卖结算：结束后任何人可调用
// 有出价：资产释放给最高出价人，按成交价拆分入账；无出价：资产退还卖家并标记流拍
func (s *auctionService) Settle(ctx context.Context, auctionNo string) (string, error) {
	if err := s.deps.ensureNotPaused(ctx); err != nil {
		return "", err
	}

	tradeNo := ""
	now := s.deps.Now()
	err := s.deps.withLock(ctx, "auction_lock_"+auctionNo, func() error {
		return s.deps.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			auction, err := s.loadForUpdate(tx, auctionNo, model.SaleKindEnglish, now)
			if err != nil {
				return err
			}
			if auction.Status != model.AuctionStatusActive && auction.Status != model.AuctionStatusCreated {
				return model.ErrAuctionNotActive
			}
			if now.Before(auction.EndTime) {
				return model.ErrAuctionNotEnded
			}

			// 无人出价：流拍，资产退还卖家
			if auction.HighestBid == 0 {
				if err := s.escrow.Release(tx, auction.AuctionNo, auction.SellerAddr, now); err != nil {
					return err
				}
				return tx.Model(auction).Update("status", model.AuctionStatusCancelled).Error
			}

			split, err := s.deps.computeSplit(ctx, auction.ContractAddr, auction.TokenID, auction.HighestBid)
			if err != nil {
				return err
			}

			if err := s.escrow.Release(tx, auction.AuctionNo, auction.HighestBidder, now); err != nil {
				return err
			}
			if err := s.creditSplit(tx, auction.SellerAddr, split); err != nil {
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
				SaleKind:      model.SaleKindEnglish,
				SellerAddr:    auction.SellerAddr,
				BuyerAddr:     auction.HighestBidder,
				Price:         auction.HighestBid,
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
		utils.Logger.Info("英式拍卖结算成功", zap.String("auction_no", auctionNo), zap.String("trade_no", tradeNo))
	} else {
		utils.Logger.Info("英式拍卖流拍", zap.String("auction_no", auctionNo))
	}
	return tradeNo, nil
}

// Cancel 撤销拍卖：英式仅在无人出价前、荷兰式仅在成交前；托管退还卖家
func (s *auctionService) Cancel(ctx context.Context, auctionNo, sellerAddr string) error {
	if err := s.deps.ensureNotPaused(ctx); err != nil {
		return err
	}

	now := s.deps.Now()
	err := s.deps.withLock(ctx, "auction_lock_"+auctionNo, func() error {
		return s.deps.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var auction model.Auction
			if err := tx.Where("auction_no = ?", auctionNo).First(&auction).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return model.ErrAuctionNotActive
				}
				return err
			}
			if auction.SellerAddr != sellerAddr {
				return model.ErrNotOwner
			}
			if auction.Status != model.AuctionStatusCreated && auction.Status != model.AuctionStatusActive {
				return model.ErrAuctionNotActive
			}
			// 英式拍卖一旦有出价即不可撤销
			if auction.Kind == model.SaleKindEnglish && auction.HighestBid > 0 {
				return model.ErrAuctionNotActive
			}

			if err := s.escrow.Release(tx, auction.AuctionNo, auction.SellerAddr, now); err != nil {
				return err
			}
			return tx.Model(&auction).Update("status", model.AuctionStatusCancelled).Error
		})
	})
	if err != nil {
		return err
	}

	utils.Logger.Info("撤销拍卖成功", zap.String("auction_no", auctionNo))
	return nil
}
