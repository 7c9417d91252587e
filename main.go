package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"nft_exchange/config"
	"nft_exchange/contract"
	"nft_exchange/dao"
	"nft_exchange/handler"
	"nft_exchange/service"
	"nft_exchange/utils"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func main() {
	// 1. 初始化配置
	if err := config.InitConfig(); err != nil {
		zap.L().Fatal("初始化配置失败", zap.Error(err))
	}
	cfg := config.GlobalConfig

	// 2. 初始化日志
	if err := utils.InitLogger(); err != nil {
		zap.L().Fatal("初始化日志失败", zap.Error(err))
	}

	// 3. 初始化MySQL（含表结构迁移）
	db, err := dao.InitMySQL(cfg.MySQLDSN)
	if err != nil {
		utils.Logger.Fatal("连接MySQL失败", zap.Error(err))
	}

	// 4. 初始化Redis（分布式锁 + 暂停开关）
	if err := utils.InitRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB); err != nil {
		utils.Logger.Fatal("初始化Redis失败", zap.Error(err))
	}

	// 5. 初始化RabbitMQ（结算链上执行队列）
	if err := utils.InitRabbitMQ(cfg.RabbitMQURL); err != nil {
		utils.Logger.Fatal("初始化RabbitMQ失败", zap.Error(err))
	}
	defer utils.CloseRabbitMQ()

	// 6. 初始化链上访问器（托管查询、版税查询、资金出账）
	rpcUrl, rpcOk := cfg.ChainRPCUrl[cfg.DefaultChainID]
	if !rpcOk {
		utils.Logger.Fatal("未配置默认链RPC地址", zap.Int("chain_id", cfg.DefaultChainID))
	}
	custodyRegistry, err := contract.NewCustodyRegistry(rpcUrl, cfg.OperatorKey, 128)
	if err != nil {
		utils.Logger.Fatal("初始化托管访问器失败", zap.Error(err))
	}
	royaltySource, err := contract.NewERC2981RoyaltySource(rpcUrl, 128)
	if err != nil {
		utils.Logger.Fatal("初始化版税查询器失败", zap.Error(err))
	}
	fundTransferor, err := contract.NewERC20Transferor(rpcUrl, cfg.SettlementAsset, cfg.OperatorKey)
	if err != nil {
		utils.Logger.Fatal("初始化资金出账器失败", zap.Error(err))
	}

	// 7. 组装服务层
	deps := service.NewDeps(db, custodyRegistry, royaltySource, dao.RedisPauseSwitch{},
		fundTransferor, utils.AMQPSettlementPublisher{}, utils.RedsyncLocker{}, cfg)
	escrow := service.NewEscrowLedger(deps)
	listings := service.NewListingService(deps, escrow)
	auctions := service.NewAuctionService(deps, escrow)
	sealed := service.NewSealedAuctionService(deps, escrow)
	market := service.NewMarketService(deps, listings, auctions, sealed, custodyRegistry)
	marketHandler := handler.NewMarketHandler(market, listings, auctions, sealed, escrow)

	// 8. 启动RabbitMQ消费者（结算后的链上交割）
	err = utils.ConsumeSettlementMsg(func(tradeNo string) error {
		return market.ExecuteChainTransfer(context.Background(), tradeNo)
	})
	if err != nil {
		utils.Logger.Fatal("启动消费者失败", zap.Error(err))
	}

	// 9. 到期拍卖定时批量结算
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for range ticker.C {
			settled, err := market.SettleDue(context.Background(), cfg.MaxBatchSize)
			if err != nil {
				utils.Logger.Error("批量结算失败", zap.Error(err))
				continue
			}
			if settled > 0 {
				utils.Logger.Info("批量结算完成", zap.Int("settled", settled))
			}
		}
	}()

	// 10. 初始化Gin引擎与路由
	r := gin.Default()

	v1 := r.Group("/api/v1/market")
	{
		v1.POST("/sales", marketHandler.CreateSale) // 创建销售（按方式分发）

		v1.POST("/listings/buy", marketHandler.Buy)              // 购买一口价挂单
		v1.POST("/listings/cancel", marketHandler.CancelListing) // 撤销挂单

		v1.POST("/auctions/bid", marketHandler.Bid)              // 英式出价
		v1.POST("/auctions/buy", marketHandler.BuyDutch)         // 荷兰式购买
		v1.GET("/auctions/price", marketHandler.CurrentPrice)    // 荷兰式当前价
		v1.POST("/auctions/settle", marketHandler.SettleAuction) // 英式结算
		v1.POST("/auctions/cancel", marketHandler.CancelAuction) // 撤销拍卖

		v1.POST("/sealed/commit", marketHandler.Commit)       // 密封出价承诺
		v1.POST("/sealed/reveal", marketHandler.Reveal)       // 密封出价揭示
		v1.POST("/sealed/settle", marketHandler.SettleSealed) // 密封出价结算
		v1.POST("/sealed/reclaim", marketHandler.Reclaim)     // 未揭示押金取回

		v1.POST("/balance/withdraw", marketHandler.Withdraw) // 余额提取
		v1.GET("/balance", marketHandler.PendingBalance)     // 余额查询

		v1.POST("/settle-due", marketHandler.SettleDue)      // 批量结算到期拍卖
		v1.GET("/trades", marketHandler.GetTradeRecords)     // 成交记录查询
	}

	// 11. 启动服务（优雅关闭）
	go func() {
		if err := r.Run(cfg.ServerPort); err != nil {
			utils.Logger.Fatal("启动服务失败", zap.Error(err))
		}
	}()

	// 监听系统信号，优雅关闭
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	utils.Logger.Info("服务正在关闭...")
}
