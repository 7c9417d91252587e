package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"nft_exchange/model"

	"github.com/stretchr/testify/require"
)

// fakeExecutor 链上交割执行替身
type fakeExecutor struct {
	calls int
	err   error
}

func (f *fakeExecutor) ExecuteTransfer(ctx context.Context, collectionAddr, from, to, tokenId string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.calls++
	return "0xTXHASH", nil
}

func newMarketEnv(t *testing.T) (*testEnv, MarketService, *fakeExecutor) {
	env := newTestEnv(t)
	listings := NewListingService(env.deps, env.escrow)
	auctions := NewAuctionService(env.deps, env.escrow)
	sealed := NewSealedAuctionService(env.deps, env.escrow)
	executor := &fakeExecutor{}
	return env, NewMarketService(env.deps, listings, auctions, sealed, executor), executor
}

// 创建销售按方式分发到对应协议
func TestCreateSaleDispatch(t *testing.T) {
	env, market, _ := newMarketEnv(t)
	ctx := context.Background()
	now := env.clock.Now()

	fixed := env.createAsset(t, "1", testSeller)
	listingNo, err := market.CreateSale(ctx, CreateSaleReq{
		SaleKind: model.SaleKindFixed, NFTAssetID: fixed.ID, SellerAddr: testSeller, Price: 100,
	})
	require.NoError(t, err)
	var listing model.Listing
	require.NoError(t, env.deps.DB.Where("listing_no = ?", listingNo).First(&listing).Error)

	english := env.createAsset(t, "2", testSeller)
	auctionNo, err := market.CreateSale(ctx, CreateSaleReq{
		SaleKind: model.SaleKindEnglish, NFTAssetID: english.ID, SellerAddr: testSeller,
		ReservePrice: 100, EndTime: now.Add(time.Hour),
	})
	require.NoError(t, err)
	var auction model.Auction
	require.NoError(t, env.deps.DB.Where("auction_no = ?", auctionNo).First(&auction).Error)
	require.Equal(t, model.SaleKindEnglish, auction.Kind)

	dutch := env.createAsset(t, "3", testSeller)
	auctionNo, err = market.CreateSale(ctx, CreateSaleReq{
		SaleKind: model.SaleKindDutch, NFTAssetID: dutch.ID, SellerAddr: testSeller,
		StartPrice: 100, FloorPrice: 10, DecaySeconds: 100,
	})
	require.NoError(t, err)
	auction = model.Auction{}
	require.NoError(t, env.deps.DB.Where("auction_no = ?", auctionNo).First(&auction).Error)
	require.Equal(t, model.SaleKindDutch, auction.Kind)

	sealedAsset := env.createAsset(t, "4", testSeller)
	auctionNo, err = market.CreateSale(ctx, CreateSaleReq{
		SaleKind: model.SaleKindSealed, NFTAssetID: sealedAsset.ID, SellerAddr: testSeller,
		ReservePrice: 50, CommitEnd: now.Add(time.Hour), RevealEnd: now.Add(2 * time.Hour),
	})
	require.NoError(t, err)
	var sealedAuction model.SealedAuction
	require.NoError(t, env.deps.DB.Where("auction_no = ?", auctionNo).First(&sealedAuction).Error)

	_, err = market.CreateSale(ctx, CreateSaleReq{SaleKind: 99, NFTAssetID: fixed.ID, SellerAddr: testSeller})
	require.ErrorIs(t, err, model.ErrInvalidQuantity)
}

// 批量结算到期拍卖：条数受限，单个失败不影响其余
func TestSettleDue(t *testing.T) {
	env, market, _ := newMarketEnv(t)
	ctx := context.Background()
	now := env.clock.Now()

	// 条数上限校验
	_, err := market.SettleDue(ctx, 0)
	require.ErrorIs(t, err, model.ErrInvalidQuantity)
	_, err = market.SettleDue(ctx, env.deps.Cfg.MaxBatchSize+1)
	require.ErrorIs(t, err, model.ErrInvalidQuantity)

	// 一个英式到期 + 一个密封揭示期截止
	english := env.createAsset(t, "1", testSeller)
	_, err = market.CreateSale(ctx, CreateSaleReq{
		SaleKind: model.SaleKindEnglish, NFTAssetID: english.ID, SellerAddr: testSeller,
		ReservePrice: 100, EndTime: now.Add(time.Hour),
	})
	require.NoError(t, err)

	sealedAsset := env.createAsset(t, "2", testSeller)
	_, err = market.CreateSale(ctx, CreateSaleReq{
		SaleKind: model.SaleKindSealed, NFTAssetID: sealedAsset.ID, SellerAddr: testSeller,
		ReservePrice: 50, CommitEnd: now.Add(time.Hour), RevealEnd: now.Add(2 * time.Hour),
	})
	require.NoError(t, err)

	// 未到期时无事可做
	settled, err := market.SettleDue(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 0, settled)

	env.clock.Advance(3 * time.Hour)
	settled, err = market.SettleDue(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 2, settled)

	// 均无人出价，两者都流拍退还卖家
	require.Equal(t, testSeller, env.assetOwner(t, english.ID))
	require.Equal(t, testSeller, env.assetOwner(t, sealedAsset.ID))

	settled, err = market.SettleDue(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 0, settled)
}

// 批量结算额度按成功条数扣减：结算失败被跳过的英式不挤占密封拍卖的额度
func TestSettleDueFailedSettleKeepsBudget(t *testing.T) {
	env, market, _ := newMarketEnv(t)
	ctx := context.Background()
	now := env.clock.Now()

	english := env.createAsset(t, "1", testSeller)
	englishNo, err := market.CreateSale(ctx, CreateSaleReq{
		SaleKind: model.SaleKindEnglish, NFTAssetID: english.ID, SellerAddr: testSeller,
		ReservePrice: 100, EndTime: now.Add(time.Hour),
	})
	require.NoError(t, err)

	sealedAsset := env.createAsset(t, "2", testSeller)
	sealedNo, err := market.CreateSale(ctx, CreateSaleReq{
		SaleKind: model.SaleKindSealed, NFTAssetID: sealedAsset.ID, SellerAddr: testSeller,
		ReservePrice: 50, CommitEnd: now.Add(time.Hour), RevealEnd: now.Add(2 * time.Hour),
	})
	require.NoError(t, err)

	// 人为破坏英式拍卖的托管记录使其结算失败
	require.NoError(t, env.deps.DB.Where("order_no = ?", englishNo).Delete(&model.EscrowRecord{}).Error)

	env.clock.Advance(3 * time.Hour)
	settled, err := market.SettleDue(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, 1, settled)

	// 失败的英式未占用额度，密封拍卖在同一批内完成流拍
	var sealedAuction model.SealedAuction
	require.NoError(t, env.deps.DB.Where("auction_no = ?", sealedNo).First(&sealedAuction).Error)
	require.Equal(t, model.AuctionStatusCancelled, sealedAuction.Status)
}

// 链上交割：按成交记录补转账腿并回填哈希，幂等
func TestExecuteChainTransfer(t *testing.T) {
	env, market, executor := newMarketEnv(t)
	ctx := context.Background()
	listings := NewListingService(env.deps, env.escrow)

	asset := env.createAsset(t, "1", testSeller)
	listingNo, err := listings.List(ctx, ListReq{NFTAssetID: asset.ID, SellerAddr: testSeller, Price: 100})
	require.NoError(t, err)
	tradeNo, err := listings.Buy(ctx, BuyReq{ListingNo: listingNo, BuyerAddr: testBuyer, Amount: 100})
	require.NoError(t, err)

	// 执行失败返回错误（消费端nack重试）
	executor.err = errors.New("rpc unavailable")
	require.Error(t, market.ExecuteChainTransfer(ctx, tradeNo))

	executor.err = nil
	require.NoError(t, market.ExecuteChainTransfer(ctx, tradeNo))

	var record model.TradeRecord
	require.NoError(t, env.deps.DB.Where("trade_no = ?", tradeNo).First(&record).Error)
	require.Equal(t, "0xTXHASH", record.TxHash)

	// 已交割的消息重复投递不再执行
	require.NoError(t, market.ExecuteChainTransfer(ctx, tradeNo))
	require.Equal(t, 1, executor.calls)

	// 不存在的成交记录不重试
	require.NoError(t, market.ExecuteChainTransfer(ctx, "no-such-trade"))
}

// 成交记录查询：按用户与资产过滤，分页
func TestGetTradeRecords(t *testing.T) {
	env, market, _ := newMarketEnv(t)
	ctx := context.Background()
	listings := NewListingService(env.deps, env.escrow)

	for i, tokenID := range []string{"1", "2"} {
		asset := env.createAsset(t, tokenID, testSeller)
		listingNo, err := listings.List(ctx, ListReq{NFTAssetID: asset.ID, SellerAddr: testSeller, Price: 100})
		require.NoError(t, err)
		buyer := testBuyer
		if i == 1 {
			buyer = testBidder2
		}
		_, err = listings.Buy(ctx, BuyReq{ListingNo: listingNo, BuyerAddr: buyer, Amount: 100})
		require.NoError(t, err)
		env.clock.Advance(time.Minute)
	}

	records, total, err := market.GetTradeRecords(ctx, GetTradeRecordsReq{UserAddr: testSeller, Page: 1, PageSize: 10})
	require.NoError(t, err)
	require.Equal(t, int64(2), total)
	require.Len(t, records, 2)

	records, total, err = market.GetTradeRecords(ctx, GetTradeRecordsReq{UserAddr: testBuyer, Page: 1, PageSize: 10})
	require.NoError(t, err)
	require.Equal(t, int64(1), total)
	require.Equal(t, testBuyer, records[0].BuyerAddr)

	_, total, err = market.GetTradeRecords(ctx, GetTradeRecordsReq{UserAddr: testBidder3, Page: 1, PageSize: 10})
	require.NoError(t, err)
	require.Equal(t, int64(0), total)
}
