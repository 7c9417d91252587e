package model

import "errors"

// 业务错误定义（哨兵错误，调用方通过errors.Is区分失败原因）
// 任一错误返回时，本次操作不产生任何部分状态变更
var (
	// 授权类
	ErrNotOwner       = errors.New("not owner")             // 调用方不是资产持有者/未授权
	ErrNotWhitelisted = errors.New("not whitelisted")       // 支付资产不在白名单
	ErrPaused         = errors.New("market paused")         // 全局紧急暂停开关已开启

	// 状态类
	ErrListingNotActive = errors.New("listing not active")  // 挂单不在Active状态
	ErrAuctionNotActive = errors.New("auction not active")  // 拍卖不在可出价/可购买状态
	ErrAuctionEnded     = errors.New("auction ended")       // 已过拍卖结束时间
	ErrAuctionNotEnded  = errors.New("auction not ended")   // 结算时间未到
	ErrAlreadyCommitted = errors.New("already committed")   // 同一竞拍人重复提交承诺
	ErrAlreadyRevealed  = errors.New("already revealed")    // 同一竞拍人重复揭示
	ErrInvalidReveal    = errors.New("invalid reveal")      // 揭示值与承诺哈希不匹配
	ErrNoSuchEscrow     = errors.New("no such escrow")      // 托管记录不存在或已释放
	ErrAssetLocked      = errors.New("asset locked")        // 资产已被其他挂单/拍卖托管

	ErrSelfTrade        = errors.New("cannot trade with self") // 买卖双方为同一账户
	ErrInvalidPhase     = errors.New("invalid phase window")   // 承诺期/揭示期配置非法
	ErrNothingToReclaim = errors.New("nothing to reclaim")     // 无可取回押金或已取回

	// 经济类
	ErrBidTooLow           = errors.New("bid too low")           // 出价低于保留价或最小加价幅度
	ErrInsufficientPayment = errors.New("insufficient payment")  // 支付金额低于成交价
	ErrDepositTooSmall     = errors.New("deposit too small")     // 押金低于配置的最小值
	ErrRoyaltyOverflow     = errors.New("royalty exceeds price") // 版税+手续费吞没卖家收益
	ErrAmountOverflow      = errors.New("amount overflow")       // 金额运算溢出
	ErrInvalidPriceTerms   = errors.New("invalid price terms")   // 价格参数非法（负价、地板高于起拍价等）
	ErrNoBalance           = errors.New("no withdrawable balance")

	// 资源类
	ErrInvalidQuantity = errors.New("invalid quantity") // 批量操作数量超出上限
)
