package handler

import (
	"errors"
	"net/http"
	"strconv"

	"nft_exchange/model"
	"nft_exchange/service"
	"nft_exchange/utils"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// MarketHandler 市场处理器
type MarketHandler struct {
	market   service.MarketService
	listings service.ListingService
	auctions service.AuctionService
	sealed   service.SealedAuctionService
	escrow   *service.EscrowLedger
}

// NewMarketHandler 创建市场处理器
func NewMarketHandler(market service.MarketService, listings service.ListingService,
	auctions service.AuctionService, sealed service.SealedAuctionService, escrow *service.EscrowLedger) *MarketHandler {
	return &MarketHandler{
		market:   market,
		listings: listings,
		auctions: auctions,
		sealed:   sealed,
		escrow:   escrow,
	}
}

// httpStatus 业务错误到HTTP状态码的映射
func httpStatus(err error) int {
	switch {
	case errors.Is(err, model.ErrNotOwner), errors.Is(err, model.ErrNotWhitelisted), errors.Is(err, model.ErrSelfTrade):
		return http.StatusForbidden
	case errors.Is(err, model.ErrPaused):
		return http.StatusServiceUnavailable
	case errors.Is(err, model.ErrListingNotActive), errors.Is(err, model.ErrAuctionNotActive),
		errors.Is(err, model.ErrAuctionEnded), errors.Is(err, model.ErrAuctionNotEnded),
		errors.Is(err, model.ErrAlreadyCommitted), errors.Is(err, model.ErrAlreadyRevealed),
		errors.Is(err, model.ErrNoSuchEscrow), errors.Is(err, model.ErrAssetLocked),
		errors.Is(err, model.ErrNothingToReclaim):
		return http.StatusConflict
	case errors.Is(err, model.ErrBidTooLow), errors.Is(err, model.ErrInsufficientPayment),
		errors.Is(err, model.ErrDepositTooSmall), errors.Is(err, model.ErrRoyaltyOverflow),
		errors.Is(err, model.ErrAmountOverflow), errors.Is(err, model.ErrInvalidReveal),
		errors.Is(err, model.ErrInvalidPriceTerms), errors.Is(err, model.ErrInvalidPhase),
		errors.Is(err, model.ErrInvalidQuantity), errors.Is(err, model.ErrNoBalance):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// fail 统一错误响应
func fail(c *gin.Context, err error) {
	status := httpStatus(err)
	c.JSON(status, gin.H{
		"code": status,
		"msg":  err.Error(),
	})
}

// ok 统一成功响应
func ok(c *gin.Context, data gin.H) {
	c.JSON(http.StatusOK, gin.H{
		"code": 200,
		"msg":  "success",
		"data": data,
	})
}

// bindJSON 参数绑定
func bindJSON(c *gin.Context, req interface{}) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		utils.Logger.Error("参数绑定失败", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{
			"code": 400,
			"msg":  err.Error(),
		})
		return false
	}
	return true
}

// authenticate 认证逻辑发送者（中继/代付层代为提交时也只认被签名的地址）
func authenticate(c *gin.Context, userAddr, data, signature string) bool {
	if utils.VerifySignature(userAddr, data, signature) {
		return true
	}
	c.JSON(http.StatusUnauthorized, gin.H{
		"code": 401,
		"msg":  "signature verify failed",
	})
	return false
}

// -------------- 销售创建（按销售方式分发） --------------

// CreateSaleReq 创建销售请求（含逻辑发送者签名）
type CreateSaleReq struct {
	service.CreateSaleReq
	Signature string `json:"signature"`
}

// CreateSale 创建销售（一口价/英式/荷兰式/密封出价）
func (h *MarketHandler) CreateSale(c *gin.Context) {
	var req CreateSaleReq
	if !bindJSON(c, &req) {
		return
	}
	data := strconv.Itoa(req.SaleKind) + strconv.FormatUint(req.NFTAssetID, 10) + req.SellerAddr
	if !authenticate(c, req.SellerAddr, data, req.Signature) {
		return
	}

	orderNo, err := h.market.CreateSale(c.Request.Context(), req.CreateSaleReq)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"order_no": orderNo})
}

// -------------- 一口价 --------------

// BuyReq 购买请求
type BuyReq struct {
	service.BuyReq
	Signature string `json:"signature"`
}

// Buy 购买一口价挂单
func (h *MarketHandler) Buy(c *gin.Context) {
	var req BuyReq
	if !bindJSON(c, &req) {
		return
	}
	data := req.ListingNo + req.BuyerAddr + strconv.FormatInt(req.Amount, 10)
	if !authenticate(c, req.BuyerAddr, data, req.Signature) {
		return
	}

	tradeNo, err := h.listings.Buy(c.Request.Context(), req.BuyReq)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"trade_no": tradeNo})
}

// CancelListingReq 撤销挂单请求
type CancelListingReq struct {
	ListingNo  string `json:"listing_no"`
	SellerAddr string `json:"seller_addr"`
	Signature  string `json:"signature"`
}

// CancelListing 撤销一口价挂单
func (h *MarketHandler) CancelListing(c *gin.Context) {
	var req CancelListingReq
	if !bindJSON(c, &req) {
		return
	}
	if !authenticate(c, req.SellerAddr, req.ListingNo+req.SellerAddr, req.Signature) {
		return
	}

	if err := h.listings.Cancel(c.Request.Context(), req.ListingNo, req.SellerAddr); err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"listing_no": req.ListingNo})
}

// -------------- 英式/荷兰式拍卖 --------------

// BidReq 出价请求
type BidReq struct {
	service.BidReq
	Signature string `json:"signature"`
}

// Bid 英式拍卖出价
func (h *MarketHandler) Bid(c *gin.Context) {
	var req BidReq
	if !bindJSON(c, &req) {
		return
	}
	data := req.AuctionNo + req.BidderAddr + strconv.FormatInt(req.Amount, 10)
	if !authenticate(c, req.BidderAddr, data, req.Signature) {
		return
	}

	if err := h.auctions.Bid(c.Request.Context(), req.BidReq); err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"auction_no": req.AuctionNo})
}

// BuyDutchReq 荷兰式购买请求
type BuyDutchReq struct {
	service.BuyDutchReq
	Signature string `json:"signature"`
}

// BuyDutch 荷兰式拍卖购买
func (h *MarketHandler) BuyDutch(c *gin.Context) {
	var req BuyDutchReq
	if !bindJSON(c, &req) {
		return
	}
	data := req.AuctionNo + req.BuyerAddr + strconv.FormatInt(req.Amount, 10)
	if !authenticate(c, req.BuyerAddr, data, req.Signature) {
		return
	}

	tradeNo, err := h.auctions.BuyDutch(c.Request.Context(), req.BuyDutchReq)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"trade_no": tradeNo})
}

// CurrentPrice 查询荷兰式拍卖当前价格
func (h *MarketHandler) CurrentPrice(c *gin.Context) {
	auctionNo := c.Query("auction_no")
	price, err := h.auctions.CurrentPrice(c.Request.Context(), auctionNo)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"auction_no": auctionNo, "price": price})
}

// SettleAuctionReq 拍卖结算请求（结束后任何人可发起，无需签名）
type SettleAuctionReq struct {
	AuctionNo string `json:"auction_no"`
}

// SettleAuction 英式拍卖结算
func (h *MarketHandler) SettleAuction(c *gin.Context) {
	var req SettleAuctionReq
	if !bindJSON(c, &req) {
		return
	}

	tradeNo, err := h.auctions.Settle(c.Request.Context(), req.AuctionNo)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"auction_no": req.AuctionNo, "trade_no": tradeNo})
}

// CancelAuctionReq 撤销拍卖请求
type CancelAuctionReq struct {
	AuctionNo  string `json:"auction_no"`
	SellerAddr string `json:"seller_addr"`
	Signature  string `json:"signature"`
}

// CancelAuction 撤销拍卖
func (h *MarketHandler) CancelAuction(c *gin.Context) {
	var req CancelAuctionReq
	if !bindJSON(c, &req) {
		return
	}
	if !authenticate(c, req.SellerAddr, req.AuctionNo+req.SellerAddr, req.Signature) {
		return
	}

	if err := h.auctions.Cancel(c.Request.Context(), req.AuctionNo, req.SellerAddr); err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"auction_no": req.AuctionNo})
}

// -------------- 密封出价拍卖 --------------

// CommitReq 承诺请求
type CommitReq struct {
	service.CommitReq
	Signature string `json:"signature"`
}

// Commit 提交密封出价承诺
func (h *MarketHandler) Commit(c *gin.Context) {
	var req CommitReq
	if !bindJSON(c, &req) {
		return
	}
	data := req.AuctionNo + req.BidderAddr + req.CommitHash
	if !authenticate(c, req.BidderAddr, data, req.Signature) {
		return
	}

	if err := h.sealed.Commit(c.Request.Context(), req.CommitReq); err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"auction_no": req.AuctionNo})
}

// RevealReq 揭示请求
type RevealReq struct {
	service.RevealReq
	Signature string `json:"signature"`
}

// Reveal 揭示密封出价
func (h *MarketHandler) Reveal(c *gin.Context) {
	var req RevealReq
	if !bindJSON(c, &req) {
		return
	}
	data := req.AuctionNo + req.BidderAddr + strconv.FormatInt(req.Amount, 10)
	if !authenticate(c, req.BidderAddr, data, req.Signature) {
		return
	}

	if err := h.sealed.Reveal(c.Request.Context(), req.RevealReq); err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"auction_no": req.AuctionNo})
}

// SettleSealed 密封出价拍卖结算
func (h *MarketHandler) SettleSealed(c *gin.Context) {
	var req SettleAuctionReq
	if !bindJSON(c, &req) {
		return
	}

	tradeNo, err := h.sealed.Settle(c.Request.Context(), req.AuctionNo)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"auction_no": req.AuctionNo, "trade_no": tradeNo})
}

// ReclaimReq 未揭示押金取回请求
type ReclaimReq struct {
	AuctionNo  string `json:"auction_no"`
	BidderAddr string `json:"bidder_addr"`
	Signature  string `json:"signature"`
}

// Reclaim 取回未揭示押金
func (h *MarketHandler) Reclaim(c *gin.Context) {
	var req ReclaimReq
	if !bindJSON(c, &req) {
		return
	}
	if !authenticate(c, req.BidderAddr, req.AuctionNo+req.BidderAddr, req.Signature) {
		return
	}

	amount, err := h.sealed.ReclaimUnrevealedDeposit(c.Request.Context(), req.AuctionNo, req.BidderAddr)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"auction_no": req.AuctionNo, "amount": amount})
}

// -------------- 余额 --------------

// WithdrawReq 提现请求
type WithdrawReq struct {
	Account   string `json:"account"`
	Signature string `json:"signature"`
}

// Withdraw 提取可提取余额（pull-payment出账）
func (h *MarketHandler) Withdraw(c *gin.Context) {
	var req WithdrawReq
	if !bindJSON(c, &req) {
		return
	}
	if !authenticate(c, req.Account, "withdraw"+req.Account, req.Signature) {
		return
	}

	amount, err := h.escrow.Withdraw(c.Request.Context(), req.Account)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"account": req.Account, "amount": amount})
}

// PendingBalance 查询可提取余额
func (h *MarketHandler) PendingBalance(c *gin.Context) {
	account := c.Query("account")
	amount, err := h.escrow.PendingAmount(c.Request.Context(), account)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"account": account, "amount": amount})
}

// -------------- 批量结算与成交记录 --------------

// SettleDueReq 批量结算请求
type SettleDueReq struct {
	Limit int `json:"limit"`
}

// SettleDue 批量结算到期拍卖
func (h *MarketHandler) SettleDue(c *gin.Context) {
	var req SettleDueReq
	if !bindJSON(c, &req) {
		return
	}

	settled, err := h.market.SettleDue(c.Request.Context(), req.Limit)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"settled": settled})
}

// GetTradeRecords 查询成交记录
func (h *MarketHandler) GetTradeRecords(c *gin.Context) {
	// 解析查询参数
	userAddr := c.Query("user_addr")
	nftAssetIDStr := c.Query("nft_asset_id")
	pageStr := c.Query("page")
	pageSizeStr := c.Query("page_size")

	// 转换类型
	nftAssetID, _ := strconv.ParseUint(nftAssetIDStr, 10, 64)
	page, _ := strconv.Atoi(pageStr)
	if page <= 0 {
		page = 1
	}
	pageSize, _ := strconv.Atoi(pageSizeStr)
	if pageSize <= 0 {
		pageSize = 10
	}

	req := service.GetTradeRecordsReq{
		UserAddr:   userAddr,
		NFTAssetID: nftAssetID,
		Page:       page,
		PageSize:   pageSize,
	}

	records, total, err := h.market.GetTradeRecords(c.Request.Context(), req)
	if err != nil {
		fail(c, err)
		return
	}

	ok(c, gin.H{
		"list":      records,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}
