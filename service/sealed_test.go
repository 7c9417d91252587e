package service

import (
	"context"
	"testing"
	"time"

	"nft_exchange/model"
	"nft_exchange/utils"

	"github.com/stretchr/testify/require"
)

func newSealedEnv(t *testing.T) (*testEnv, SealedAuctionService) {
	env := newTestEnv(t)
	return env, NewSealedAuctionService(env.deps, env.escrow)
}

// 承诺期1小时、揭示期再1小时
func (env *testEnv) createSealed(t *testing.T, sealed SealedAuctionService, reserve int64) (string, *model.NFTAsset) {
	t.Helper()
	asset := env.createAsset(t, "1", testSeller)
	auctionNo, err := sealed.Create(context.Background(), CreateSealedReq{
		NFTAssetID:   asset.ID,
		SellerAddr:   testSeller,
		ReservePrice: reserve,
		CommitEnd:    env.clock.Now().Add(time.Hour),
		RevealEnd:    env.clock.Now().Add(2 * time.Hour),
	})
	require.NoError(t, err)
	return auctionNo, asset
}

func commitBid(t *testing.T, sealed SealedAuctionService, auctionNo, bidder string, amount, deposit int64, salt string) {
	t.Helper()
	require.NoError(t, sealed.Commit(context.Background(), CommitReq{
		AuctionNo:  auctionNo,
		BidderAddr: bidder,
		CommitHash: utils.SealedBidCommitment(amount, salt, bidder),
		Deposit:    deposit,
	}))
}

func revealBid(t *testing.T, sealed SealedAuctionService, auctionNo, bidder string, amount int64, salt string) {
	t.Helper()
	require.NoError(t, sealed.Reveal(context.Background(), RevealReq{
		AuctionNo:  auctionNo,
		BidderAddr: bidder,
		Amount:     amount,
		Salt:       salt,
	}))
}

// 二价结算全流程：揭示80/95/60，95者胜，支付第二高价80
func TestSealedSecondPriceSettle(t *testing.T) {
	env, sealed := newSealedEnv(t)
	ctx := context.Background()
	auctionNo, asset := env.createSealed(t, sealed, 50)

	commitBid(t, sealed, auctionNo, testBuyer, 80, 100, "salt-a")
	commitBid(t, sealed, auctionNo, testBidder2, 95, 120, "salt-b")
	commitBid(t, sealed, auctionNo, testBidder3, 60, 100, "salt-c")

	env.clock.Advance(time.Hour) // 进入揭示期
	revealBid(t, sealed, auctionNo, testBuyer, 80, "salt-a")
	revealBid(t, sealed, auctionNo, testBidder2, 95, "salt-b")
	revealBid(t, sealed, auctionNo, testBidder3, 60, "salt-c")

	env.clock.Advance(time.Hour) // 揭示期截止
	tradeNo, err := sealed.Settle(ctx, auctionNo)
	require.NoError(t, err)
	require.NotEmpty(t, tradeNo)

	// 胜者得资产，押金扣除成交价80后余40可提取
	require.Equal(t, testBidder2, env.assetOwner(t, asset.ID))
	require.Equal(t, int64(40), env.pending(t, testBidder2))
	// 败者押金全额退回
	require.Equal(t, int64(100), env.pending(t, testBuyer))
	require.Equal(t, int64(100), env.pending(t, testBidder3))
	// 卖家按成交价80入账
	require.Equal(t, int64(80), env.pending(t, testSeller))

	var record model.TradeRecord
	require.NoError(t, env.deps.DB.Where("trade_no = ?", tradeNo).First(&record).Error)
	require.Equal(t, int64(80), record.Price)
	require.Equal(t, model.SaleKindSealed, record.SaleKind)

	// 全部资金去向可核：余额总和等于累计收取押金
	var auction model.SealedAuction
	require.NoError(t, env.deps.DB.Where("auction_no = ?", auctionNo).First(&auction).Error)
	require.Equal(t, auction.CollectedFunds, env.sumPending(t))
}

// 承诺校验：重复承诺、押金不足、承诺期外、卖家自投
func TestSealedCommitValidation(t *testing.T) {
	env, sealed := newSealedEnv(t)
	ctx := context.Background()
	auctionNo, _ := env.createSealed(t, sealed, 50)

	commitBid(t, sealed, auctionNo, testBuyer, 80, 100, "salt-a")

	// 同一出价人仅一份承诺，不允许静默覆盖
	err := sealed.Commit(ctx, CommitReq{
		AuctionNo: auctionNo, BidderAddr: testBuyer,
		CommitHash: utils.SealedBidCommitment(90, "salt-x", testBuyer), Deposit: 100,
	})
	require.ErrorIs(t, err, model.ErrAlreadyCommitted)

	err = sealed.Commit(ctx, CommitReq{
		AuctionNo: auctionNo, BidderAddr: testBidder2,
		CommitHash: utils.SealedBidCommitment(80, "s", testBidder2), Deposit: 5,
	})
	require.ErrorIs(t, err, model.ErrDepositTooSmall)

	err = sealed.Commit(ctx, CommitReq{
		AuctionNo: auctionNo, BidderAddr: testSeller,
		CommitHash: utils.SealedBidCommitment(80, "s", testSeller), Deposit: 100,
	})
	require.ErrorIs(t, err, model.ErrSelfTrade)

	// 承诺期截止后拒绝
	env.clock.Advance(time.Hour)
	err = sealed.Commit(ctx, CommitReq{
		AuctionNo: auctionNo, BidderAddr: testBidder2,
		CommitHash: utils.SealedBidCommitment(80, "s", testBidder2), Deposit: 100,
	})
	require.ErrorIs(t, err, model.ErrAuctionEnded)
}

// 参与人数达到上限后拒绝新承诺（结算遍历有界）
func TestSealedCommitCapacity(t *testing.T) {
	env, sealed := newSealedEnv(t)
	ctx := context.Background()
	env.deps.Cfg.MaxBatchSize = 2
	auctionNo, _ := env.createSealed(t, sealed, 50)

	commitBid(t, sealed, auctionNo, testBuyer, 80, 100, "s1")
	commitBid(t, sealed, auctionNo, testBidder2, 90, 100, "s2")

	err := sealed.Commit(ctx, CommitReq{
		AuctionNo: auctionNo, BidderAddr: testBidder3,
		CommitHash: utils.SealedBidCommitment(70, "s3", testBidder3), Deposit: 100,
	})
	require.ErrorIs(t, err, model.ErrInvalidQuantity)
}

// 揭示窗口与哈希校验
func TestSealedRevealValidation(t *testing.T) {
	env, sealed := newSealedEnv(t)
	ctx := context.Background()
	auctionNo, _ := env.createSealed(t, sealed, 50)
	commitBid(t, sealed, auctionNo, testBuyer, 80, 100, "salt-a")

	// 承诺期内不可揭示
	err := sealed.Reveal(ctx, RevealReq{AuctionNo: auctionNo, BidderAddr: testBuyer, Amount: 80, Salt: "salt-a"})
	require.ErrorIs(t, err, model.ErrAuctionNotEnded)

	env.clock.Advance(time.Hour)

	// 盐不符、金额不符、未承诺者均为无效揭示
	err = sealed.Reveal(ctx, RevealReq{AuctionNo: auctionNo, BidderAddr: testBuyer, Amount: 80, Salt: "wrong"})
	require.ErrorIs(t, err, model.ErrInvalidReveal)
	err = sealed.Reveal(ctx, RevealReq{AuctionNo: auctionNo, BidderAddr: testBuyer, Amount: 90, Salt: "salt-a"})
	require.ErrorIs(t, err, model.ErrInvalidReveal)
	err = sealed.Reveal(ctx, RevealReq{AuctionNo: auctionNo, BidderAddr: testBidder2, Amount: 80, Salt: "salt-a"})
	require.ErrorIs(t, err, model.ErrInvalidReveal)

	revealBid(t, sealed, auctionNo, testBuyer, 80, "salt-a")
	err = sealed.Reveal(ctx, RevealReq{AuctionNo: auctionNo, BidderAddr: testBuyer, Amount: 80, Salt: "salt-a"})
	require.ErrorIs(t, err, model.ErrAlreadyRevealed)

	// 揭示期截止后不可揭示
	env.clock.Advance(time.Hour)
	err = sealed.Reveal(ctx, RevealReq{AuctionNo: auctionNo, BidderAddr: testBidder2, Amount: 80, Salt: "salt-a"})
	require.ErrorIs(t, err, model.ErrAuctionEnded)
}

// 揭示金额超过押金时按押金封顶参与排序与定价
func TestSealedRevealCappedByDeposit(t *testing.T) {
	env, sealed := newSealedEnv(t)
	ctx := context.Background()
	auctionNo, asset := env.createSealed(t, sealed, 10)

	// A承诺80但押金只有60，有效出价按60计
	commitBid(t, sealed, auctionNo, testBuyer, 80, 60, "salt-a")
	commitBid(t, sealed, auctionNo, testBidder2, 70, 100, "salt-b")

	env.clock.Advance(time.Hour)
	revealBid(t, sealed, auctionNo, testBuyer, 80, "salt-a")
	revealBid(t, sealed, auctionNo, testBidder2, 70, "salt-b")

	env.clock.Advance(time.Hour)
	tradeNo, err := sealed.Settle(ctx, auctionNo)
	require.NoError(t, err)
	require.NotEmpty(t, tradeNo)

	// 有效出价 B:70 > A:60，B胜且支付60
	require.Equal(t, testBidder2, env.assetOwner(t, asset.ID))
	require.Equal(t, int64(40), env.pending(t, testBidder2))
	require.Equal(t, int64(60), env.pending(t, testBuyer))
	require.Equal(t, int64(60), env.pending(t, testSeller))
}

// 仅一个有效揭示且不低于保留价：按保留价成交
func TestSealedSingleRevealPaysReserve(t *testing.T) {
	env, sealed := newSealedEnv(t)
	ctx := context.Background()
	auctionNo, asset := env.createSealed(t, sealed, 30)

	commitBid(t, sealed, auctionNo, testBuyer, 70, 100, "salt-a")
	env.clock.Advance(time.Hour)
	revealBid(t, sealed, auctionNo, testBuyer, 70, "salt-a")

	env.clock.Advance(time.Hour)
	tradeNo, err := sealed.Settle(ctx, auctionNo)
	require.NoError(t, err)
	require.NotEmpty(t, tradeNo)

	require.Equal(t, testBuyer, env.assetOwner(t, asset.ID))
	require.Equal(t, int64(30), env.pending(t, testSeller))
	require.Equal(t, int64(70), env.pending(t, testBuyer)) // 押金100 - 成交价30
}

// 最高揭示低于保留价且不足两个有效揭示：流拍，押金退回
func TestSealedBelowReserveCancels(t *testing.T) {
	env, sealed := newSealedEnv(t)
	ctx := context.Background()
	auctionNo, asset := env.createSealed(t, sealed, 90)

	commitBid(t, sealed, auctionNo, testBuyer, 70, 100, "salt-a")
	env.clock.Advance(time.Hour)
	revealBid(t, sealed, auctionNo, testBuyer, 70, "salt-a")

	env.clock.Advance(time.Hour)
	tradeNo, err := sealed.Settle(ctx, auctionNo)
	require.NoError(t, err)
	require.Empty(t, tradeNo)

	var auction model.SealedAuction
	require.NoError(t, env.deps.DB.Where("auction_no = ?", auctionNo).First(&auction).Error)
	require.Equal(t, model.AuctionStatusCancelled, auction.Status)
	require.Equal(t, testSeller, env.assetOwner(t, asset.ID))
	require.Equal(t, int64(100), env.pending(t, testBuyer))
	require.Equal(t, int64(0), env.pending(t, testSeller))
}

// 零有效揭示：流拍，未揭示押金只能经取回路径
func TestSealedNoRevealsCancels(t *testing.T) {
	env, sealed := newSealedEnv(t)
	ctx := context.Background()
	auctionNo, asset := env.createSealed(t, sealed, 50)

	commitBid(t, sealed, auctionNo, testBuyer, 80, 100, "salt-a")

	env.clock.Advance(2 * time.Hour)
	tradeNo, err := sealed.Settle(ctx, auctionNo)
	require.NoError(t, err)
	require.Empty(t, tradeNo)
	require.Equal(t, testSeller, env.assetOwner(t, asset.ID))

	// 未揭示者押金不在结算中退回
	require.Equal(t, int64(0), env.pending(t, testBuyer))

	amount, err := sealed.ReclaimUnrevealedDeposit(ctx, auctionNo, testBuyer)
	require.NoError(t, err)
	require.Equal(t, int64(100), amount)
	require.Equal(t, int64(100), env.pending(t, testBuyer))
}

// 未揭示押金取回：揭示期截止前拒绝，截止后成功且仅一次
func TestSealedReclaim(t *testing.T) {
	env, sealed := newSealedEnv(t)
	ctx := context.Background()
	auctionNo, _ := env.createSealed(t, sealed, 50)

	commitBid(t, sealed, auctionNo, testBuyer, 80, 100, "salt-a")
	commitBid(t, sealed, auctionNo, testBidder2, 95, 120, "salt-b")

	env.clock.Advance(time.Hour)
	revealBid(t, sealed, auctionNo, testBidder2, 95, "salt-b")

	// 揭示期未截止
	_, err := sealed.ReclaimUnrevealedDeposit(ctx, auctionNo, testBuyer)
	require.ErrorIs(t, err, model.ErrAuctionNotEnded)

	env.clock.Advance(time.Hour)
	amount, err := sealed.ReclaimUnrevealedDeposit(ctx, auctionNo, testBuyer)
	require.NoError(t, err)
	require.Equal(t, int64(100), amount)

	// 重复取回拒绝
	_, err = sealed.ReclaimUnrevealedDeposit(ctx, auctionNo, testBuyer)
	require.ErrorIs(t, err, model.ErrNothingToReclaim)

	// 已揭示者走结算路径，不可取回
	_, err = sealed.ReclaimUnrevealedDeposit(ctx, auctionNo, testBidder2)
	require.ErrorIs(t, err, model.ErrAlreadyRevealed)

	// 未承诺者无可取回
	_, err = sealed.ReclaimUnrevealedDeposit(ctx, auctionNo, testBidder3)
	require.ErrorIs(t, err, model.ErrNothingToReclaim)
}

// 结算窗口：揭示期截止前不可结算；重复结算拒绝
func TestSealedSettleWindow(t *testing.T) {
	env, sealed := newSealedEnv(t)
	ctx := context.Background()
	auctionNo, _ := env.createSealed(t, sealed, 50)
	commitBid(t, sealed, auctionNo, testBuyer, 80, 100, "salt-a")

	_, err := sealed.Settle(ctx, auctionNo)
	require.ErrorIs(t, err, model.ErrAuctionNotEnded)

	env.clock.Advance(time.Hour)
	revealBid(t, sealed, auctionNo, testBuyer, 80, "salt-a")
	_, err = sealed.Settle(ctx, auctionNo)
	require.ErrorIs(t, err, model.ErrAuctionNotEnded)

	env.clock.Advance(time.Hour)
	_, err = sealed.Settle(ctx, auctionNo)
	require.NoError(t, err)
	_, err = sealed.Settle(ctx, auctionNo)
	require.ErrorIs(t, err, model.ErrAuctionNotActive)
}

// 阶段参数校验：承诺期截止必须晚于当前、揭示期截止必须晚于承诺期截止
func TestSealedCreateValidation(t *testing.T) {
	env, sealed := newSealedEnv(t)
	ctx := context.Background()
	asset := env.createAsset(t, "1", testSeller)
	now := env.clock.Now()

	_, err := sealed.Create(ctx, CreateSealedReq{
		NFTAssetID: asset.ID, SellerAddr: testSeller,
		CommitEnd: now.Add(-time.Hour), RevealEnd: now.Add(time.Hour),
	})
	require.ErrorIs(t, err, model.ErrInvalidPhase)

	_, err = sealed.Create(ctx, CreateSealedReq{
		NFTAssetID: asset.ID, SellerAddr: testSeller,
		CommitEnd: now.Add(2 * time.Hour), RevealEnd: now.Add(time.Hour),
	})
	require.ErrorIs(t, err, model.ErrInvalidPhase)

	_, err = sealed.Create(ctx, CreateSealedReq{
		NFTAssetID: asset.ID, SellerAddr: testSeller, ReservePrice: -1,
		CommitEnd: now.Add(time.Hour), RevealEnd: now.Add(2 * time.Hour),
	})
	require.ErrorIs(t, err, model.ErrInvalidPriceTerms)
}
