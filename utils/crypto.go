package utils

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// SealedBidCommitment 计算密封出价承诺哈希：sha256(金额||盐||出价人地址)
// 承诺期只存哈希，金额在揭示前不可推断（盐需足够随机）
// 哈希绑定出价人地址，防止承诺被他人复制重放
func SealedBidCommitment(amount int64, salt, bidderAddr string) string {
	data := fmt.Sprintf("%d|%s|%s", amount, salt, strings.ToLower(bidderAddr))
	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:])
}

// VerifySignature 验证签名（简化版：实际需用ECDSA验证钱包签名）
// 中继/代付层代为提交时，以此认证逻辑发送者，而非网络层调用方
// params: userAddr-用户地址, data-待签数据, signature-签名
func VerifySignature(userAddr, data, signature string) bool {
	// 模拟验签：实际需调用go-ethereum的crypto包验证
	hash := sha256.Sum256([]byte(data + userAddr))
	expectedSig := hex.EncodeToString(hash[:])
	return signature == expectedSig[:16] // 简化匹配
}

// SignPayload 生成与VerifySignature配套的签名（测试与中继层使用）
func SignPayload(userAddr, data string) string {
	hash := sha256.Sum256([]byte(data + userAddr))
	return hex.EncodeToString(hash[:])[:16]
}
