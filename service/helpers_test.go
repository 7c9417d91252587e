package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"nft_exchange/config"
	"nft_exchange/dao"
	"nft_exchange/model"
	"nft_exchange/utils"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// -------------- 外部协作方的测试替身 --------------

// fakeCustody 托管查询替身：owners为"合集|token"->持有者，approved控制授权结果
type fakeCustody struct {
	owners   map[string]string
	approved bool
}

func custodyKey(collection, token string) string {
	return strings.ToLower(collection) + "|" + token
}

func (f *fakeCustody) OwnerOf(ctx context.Context, collectionAddr, tokenId string) (string, error) {
	owner, ok := f.owners[custodyKey(collectionAddr, tokenId)]
	if !ok {
		return "", errors.New("unknown token")
	}
	return owner, nil
}

func (f *fakeCustody) IsApproved(ctx context.Context, ownerAddr, collectionAddr, tokenId, operatorAddr string) (bool, error) {
	return f.approved, nil
}

// fakeRoyalty 版税查询替身
type fakeRoyalty struct {
	addr   string
	amount int64
	err    error
}

func (f *fakeRoyalty) RoyaltyInfo(ctx context.Context, collectionAddr, tokenId string, salePrice int64) (string, int64, error) {
	return f.addr, f.amount, f.err
}

// fakePause 暂停开关替身
type fakePause struct {
	paused bool
	err    error
}

func (f *fakePause) Paused(ctx context.Context) (bool, error) {
	return f.paused, f.err
}

// fakeTransfer 资金出账替身：fail为真时模拟恶意/不可达接收方
type fakeTransfer struct {
	fail      bool
	transfers map[string]int64
}

func (f *fakeTransfer) Transfer(ctx context.Context, to string, amount int64) error {
	if f.fail {
		return errors.New("recipient reverted")
	}
	if f.transfers == nil {
		f.transfers = make(map[string]int64)
	}
	f.transfers[to] += amount
	return nil
}

// fakePublisher 结算消息发布替身
type fakePublisher struct {
	published []string
	err       error
}

func (f *fakePublisher) PublishSettlement(ctx context.Context, tradeNo string) error {
	if f.err != nil {
		return f.err
	}
	f.published = append(f.published, tradeNo)
	return nil
}

// localLocker 进程内互斥锁（替代redsync）
type localLocker struct {
	mu sync.Mutex
}

func (l *localLocker) Lock(ctx context.Context, key string, expire time.Duration) (func() error, error) {
	l.mu.Lock()
	return func() error {
		l.mu.Unlock()
		return nil
	}, nil
}

// testClock 可拨动的时钟
type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time {
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}

// -------------- 测试环境组装 --------------

const (
	testSeller  = "0xSELLER00000000000000000000000000000000001"
	testBuyer   = "0xBUYER000000000000000000000000000000000001"
	testBidder2 = "0xBIDDER00000000000000000000000000000000002"
	testBidder3 = "0xBIDDER00000000000000000000000000000000003"
	testRoyalty = "0xROYALTY0000000000000000000000000000000001"
	testFeeAddr = "0xFEE0000000000000000000000000000000000001"

	testCollection = "0xC011EC7100000000000000000000000000000001"
)

type testEnv struct {
	deps    *Deps
	escrow  *EscrowLedger
	custody *fakeCustody
	royalty *fakeRoyalty
	pause   *fakePause
	xfer    *fakeTransfer
	pub     *fakePublisher
	clock   *testClock
}

// newTestEnv 组装sqlite内存库 + 测试替身；手续费/版税默认为0，各用例按需开启
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	if utils.Logger == nil {
		require.NoError(t, utils.InitLogger())
	}

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	require.NoError(t, dao.AutoMigrate(db))

	cfg := &config.Config{
		PlatformFeeBps:   0,
		PlatformFeeAddr:  testFeeAddr,
		RoyaltyCapBps:    1000,
		PaymentAssets:    map[string]bool{"usdc": true},
		MinIncrementBps:  1000,
		AntiSnipeWindow:  10 * time.Minute,
		AntiSnipeExtend:  10 * time.Minute,
		MinSealedDeposit: 10,
		MaxBatchSize:     100,
	}

	env := &testEnv{
		custody: &fakeCustody{owners: make(map[string]string), approved: true},
		royalty: &fakeRoyalty{},
		pause:   &fakePause{},
		xfer:    &fakeTransfer{},
		pub:     &fakePublisher{},
		clock:   &testClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)},
	}
	env.deps = NewDeps(db, env.custody, env.royalty, env.pause, env.xfer, env.pub, &localLocker{}, cfg)
	env.deps.Now = env.clock.Now
	env.escrow = NewEscrowLedger(env.deps)
	return env
}

// createAsset 写入资产镜像并登记链上持有者
func (env *testEnv) createAsset(t *testing.T, tokenID, owner string) *model.NFTAsset {
	t.Helper()
	asset := &model.NFTAsset{
		TokenID:      tokenID,
		ContractAddr: testCollection,
		OwnerAddr:    owner,
	}
	require.NoError(t, env.deps.DB.Create(asset).Error)
	env.custody.owners[custodyKey(testCollection, tokenID)] = owner
	return asset
}

// pending 查询账户可提取余额
func (env *testEnv) pending(t *testing.T, account string) int64 {
	t.Helper()
	amount, err := env.escrow.PendingAmount(context.Background(), account)
	require.NoError(t, err)
	return amount
}

// held 查询挂单/拍卖是否仍持有托管
func (env *testEnv) held(t *testing.T, orderNo string) bool {
	t.Helper()
	held, err := env.escrow.Held(context.Background(), orderNo)
	require.NoError(t, err)
	return held
}

// assetOwner 查询资产镜像当前归属
func (env *testEnv) assetOwner(t *testing.T, assetID uint64) string {
	t.Helper()
	var asset model.NFTAsset
	require.NoError(t, env.deps.DB.First(&asset, assetID).Error)
	return asset.OwnerAddr
}

// sumPending 全部账户可提取余额之和（不变量：不超过实例累计收款）
func (env *testEnv) sumPending(t *testing.T) int64 {
	t.Helper()
	var total int64
	require.NoError(t, env.deps.DB.Model(&model.PendingBalance{}).
		Select("COALESCE(SUM(amount), 0)").Scan(&total).Error)
	return total
}
