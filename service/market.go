package service

import (
	"context"
	"errors"
	"time"

	"nft_exchange/model"
	"nft_exchange/utils"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ChainExecutor 链上交割执行方：结算提交后由消费端调用，完成NFT实际转移
type ChainExecutor interface {
	ExecuteTransfer(ctx context.Context, collectionAddr, from, to, tokenId string) (string, error)
}

// MarketService 市场调度服务接口
// 按声明的销售方式把创建请求分发到对应协议；各协议共享同一托管账本
type MarketService interface {
	CreateSale(ctx context.Context, req CreateSaleReq) (string, error)
	SettleDue(ctx context.Context, limit int) (int, error)
	ExecuteChainTransfer(ctx context.Context, tradeNo string) error
	GetTradeRecords(ctx context.Context, req GetTradeRecordsReq) ([]model.TradeRecord, int64, error)
}

// marketService 市场调度服务实现
type marketService struct {
	deps     *Deps
	listings ListingService
	auctions AuctionService
	sealed   SealedAuctionService
	executor ChainExecutor
}

// NewMarketService 创建市场调度服务
func NewMarketService(deps *Deps, listings ListingService, auctions AuctionService,
	sealed SealedAuctionService, executor ChainExecutor) MarketService {
	return &marketService{
		deps:     deps,
		listings: listings,
		auctions: auctions,
		sealed:   sealed,
		executor: executor,
	}
}

// CreateSaleReq 创建销售请求（按SaleKind路由到对应协议）
type CreateSaleReq struct {
	SaleKind        int        `json:"sale_kind"` // 0-一口价 1-英式 2-荷兰式 3-密封出价
	NFTAssetID      uint64     `json:"nft_asset_id"`
	SellerAddr      string     `json:"seller_addr"`
	PaymentAsset    string     `json:"payment_asset"`
	Price           int64      `json:"price"`             // 一口价
	ReservePrice    int64      `json:"reserve_price"`     // 英式/荷兰式/密封
	StartPrice      int64      `json:"start_price"`       // 荷兰式
	FloorPrice      int64      `json:"floor_price"`       // 荷兰式
	DecaySeconds    int64      `json:"decay_seconds"`     // 荷兰式
	MinDeposit      int64      `json:"min_deposit"`       // 密封
	MinIncrementBps int64      `json:"min_increment_bps"` // 英式，0则用全局默认
	StartTime       *time.Time `json:"start_time"`
	EndTime         time.Time  `json:"end_time"`   // 英式
	CommitEnd       time.Time  `json:"commit_end"` // 密封
	RevealEnd       time.Time  `json:"reveal_end"` // 密封
}

// GetTradeRecordsReq 查询成交记录请求
type GetTradeRecordsReq struct {
	UserAddr   string `json:"user_addr"` // 买家/卖家地址
	NFTAssetID uint64 `json:"nft_asset_id"`
	Page       int    `json:"page"`
	PageSize   int    `json:"page_size"`
}

// CreateSale 按销售方式分发创建请求
func (s *marketService) CreateSale(ctx context.Context, req CreateSaleReq) (string, error) {
	switch req.SaleKind {
	case model.SaleKindFixed:
		return s.listings.List(ctx, ListReq{
			NFTAssetID:   req.NFTAssetID,
			SellerAddr:   req.SellerAddr,
			Price:        req.Price,
			PaymentAsset: req.PaymentAsset,
		})
	case model.SaleKindEnglish:
		return s.auctions.CreateEnglish(ctx, CreateEnglishReq{
			NFTAssetID:      req.NFTAssetID,
			SellerAddr:      req.SellerAddr,
			PaymentAsset:    req.PaymentAsset,
			ReservePrice:    req.ReservePrice,
			MinIncrementBps: req.MinIncrementBps,
			StartTime:       req.StartTime,
			EndTime:         req.EndTime,
		})
	case model.SaleKindDutch:
		return s.auctions.CreateDutch(ctx, CreateDutchReq{
			NFTAssetID:   req.NFTAssetID,
			SellerAddr:   req.SellerAddr,
			PaymentAsset: req.PaymentAsset,
			StartPrice:   req.StartPrice,
			FloorPrice:   req.FloorPrice,
			ReservePrice: req.ReservePrice,
			DecaySeconds: req.DecaySeconds,
			StartTime:    req.StartTime,
		})
	case model.SaleKindSealed:
		return s.sealed.Create(ctx, CreateSealedReq{
			NFTAssetID:   req.NFTAssetID,
			SellerAddr:   req.SellerAddr,
			PaymentAsset: req.PaymentAsset,
			ReservePrice: req.ReservePrice,
			MinDeposit:   req.MinDeposit,
			CommitEnd:    req.CommitEnd,
			RevealEnd:    req.RevealEnd,
		})
	default:
		return "", model.ErrInvalidQuantity
	}
}

// SettleDue 批量结算到期拍卖（英式到期 + 密封揭示期截止）
// 单次处理条数受限（上限MaxBatchSize），防资源耗尽；单个失败不影响其余
func (s *marketService) SettleDue(ctx context.Context, limit int) (int, error) {
	if limit <= 0 || limit > s.deps.Cfg.MaxBatchSize {
		return 0, model.ErrInvalidQuantity
	}

	now := s.deps.Now()
	settled := 0

	// 英式拍卖到期
	var auctions []model.Auction
	if err := s.deps.DB.WithContext(ctx).
		Where("kind = ? AND status IN ? AND end_time <= ?",
			model.SaleKindEnglish,
			[]int{model.AuctionStatusCreated, model.AuctionStatusActive}, now).
		Limit(limit).Find(&auctions).Error; err != nil {
		return settled, err
	}
	for _, a := range auctions {
		if _, err := s.auctions.Settle(ctx, a.AuctionNo); err != nil {
			utils.Logger.Error("批量结算英式拍卖失败", zap.String("auction_no", a.AuctionNo), zap.Error(err))
			continue
		}
		settled++
	}

	// 密封出价拍卖揭示期截止；额度按已结算条数扣减，失败跳过的不占额度
	remaining := limit - settled
	if remaining <= 0 {
		return settled, nil
	}
	var sealedAuctions []model.SealedAuction
	if err := s.deps.DB.WithContext(ctx).
		Where("status = ? AND reveal_end <= ?", model.AuctionStatusActive, now).
		Limit(remaining).Find(&sealedAuctions).Error; err != nil {
		return settled, err
	}
	for _, a := range sealedAuctions {
		if _, err := s.sealed.Settle(ctx, a.AuctionNo); err != nil {
			utils.Logger.Error("批量结算密封拍卖失败", zap.String("auction_no", a.AuctionNo), zap.Error(err))
			continue
		}
		settled++
	}

	return settled, nil
}

// ExecuteChainTransfer 执行链上交割（RabbitMQ消费端回调）
// 结算在数据库内已完成，这里只补链上转账腿并回填交易哈希；幂等
func (s *marketService) ExecuteChainTransfer(ctx context.Context, tradeNo string) error {
	var record model.TradeRecord
	if err := s.deps.DB.WithContext(ctx).Where("trade_no = ?", tradeNo).First(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			utils.Logger.Error("成交记录不存在", zap.String("trade_no", tradeNo))
			return nil // 不重试
		}
		return err
	}
	if record.TxHash != "" {
		return nil // 已交割
	}

	var asset model.NFTAsset
	if err := s.deps.DB.WithContext(ctx).Where("id = ?", record.NFTAssetID).First(&asset).Error; err != nil {
		return err
	}

	txHash, err := s.executor.ExecuteTransfer(ctx, asset.ContractAddr, record.SellerAddr, record.BuyerAddr, asset.TokenID)
	if err != nil {
		return err
	}

	if err := s.deps.DB.WithContext(ctx).Model(&record).Update("tx_hash", txHash).Error; err != nil {
		return err
	}

	utils.Logger.Info("链上交割完成", zap.String("trade_no", tradeNo), zap.String("tx_hash", txHash))
	return nil
}

// GetTradeRecords 查询成交记录
func (s *marketService) GetTradeRecords(ctx context.Context, req GetTradeRecordsReq) ([]model.TradeRecord, int64, error) {
	var records []model.TradeRecord
	var total int64

	// 构建查询条件
	query := s.deps.DB.WithContext(ctx).Model(&model.TradeRecord{})
	if req.UserAddr != "" {
		query = query.Where("seller_addr = ? OR buyer_addr = ?", req.UserAddr, req.UserAddr)
	}
	if req.NFTAssetID > 0 {
		query = query.Where("nft_asset_id = ?", req.NFTAssetID)
	}

	// 统计总数
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	// 分页查询
	offset := (req.Page - 1) * req.PageSize
	if err := query.Offset(offset).Limit(req.PageSize).Order("trade_time DESC").Find(&records).Error; err != nil {
		return nil, 0, err
	}

	return records, total, nil
}
