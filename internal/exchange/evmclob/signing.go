package evmclob

import (
	"crypto/ecdsa"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

const (
	domainName    = "EVM CLOB Exchange"
	domainVersion = "1"

	// sizeDecimals 链上数量精度（1e6）
	sizeDecimals = 6
)

// 请求头
const (
	headerAddress    = "CLOB-ADDRESS"
	headerSignature  = "CLOB-SIGNATURE"
	headerTimestamp  = "CLOB-TIMESTAMP"
	headerAPIKey     = "CLOB-API-KEY"
	headerPassphrase = "CLOB-PASSPHRASE"
)

var orderTypes = apitypes.Types{
	"EIP712Domain": {
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	},
	"Order": {
		{Name: "salt", Type: "uint256"},
		{Name: "maker", Type: "address"},
		{Name: "signer", Type: "address"},
		{Name: "symbol", Type: "string"},
		{Name: "side", Type: "uint8"},
		{Name: "size", Type: "uint256"},
		{Name: "nonce", Type: "uint256"},
		{Name: "expiration", Type: "uint256"},
	},
}

// orderData 待签名订单
type orderData struct {
	Salt       int64
	Maker      common.Address
	Symbol     string
	Side       uint8 // BUY = 0, SELL = 1
	Size       *big.Int
	Nonce      uint64
	Expiration int64
}

// typedOrder 构造订单的 EIP712 TypedData
func typedOrder(chainID int64, exchangeAddress string, o orderData) apitypes.TypedData {
	verifying := exchangeAddress
	if verifying == "" {
		verifying = common.Address{}.Hex()
	}
	return apitypes.TypedData{
		Types:       orderTypes,
		PrimaryType: "Order",
		Domain: apitypes.TypedDataDomain{
			Name:              domainName,
			Version:           domainVersion,
			ChainId:           math.NewHexOrDecimal256(chainID),
			VerifyingContract: common.HexToAddress(verifying).Hex(),
		},
		Message: map[string]interface{}{
			"salt":       big.NewInt(o.Salt),
			"maker":      o.Maker.Hex(),
			"signer":     o.Maker.Hex(),
			"symbol":     o.Symbol,
			"side":       big.NewInt(int64(o.Side)),
			"size":       o.Size,
			"nonce":      new(big.Int).SetUint64(o.Nonce),
			"expiration": big.NewInt(o.Expiration),
		},
	}
}

// signOrder 计算订单的 EIP712 签名（0x 前缀，r+s+v）
func signOrder(key *ecdsa.PrivateKey, chainID int64, exchangeAddress string, o orderData) (string, error) {
	hash, _, err := apitypes.TypedDataAndHash(typedOrder(chainID, exchangeAddress, o))
	if err != nil {
		return "", fmt.Errorf("计算 EIP712 哈希失败: %w", err)
	}
	sig, err := crypto.Sign(hash, key)
	if err != nil {
		return "", fmt.Errorf("签名失败: %w", err)
	}
	return "0x" + common.Bytes2Hex(sig), nil
}

// recoverSigner 从签名恢复地址
func recoverSigner(chainID int64, exchangeAddress string, o orderData, signature string) (common.Address, error) {
	hash, _, err := apitypes.TypedDataAndHash(typedOrder(chainID, exchangeAddress, o))
	if err != nil {
		return common.Address{}, err
	}
	sig := common.FromHex(signature)
	if len(sig) != 65 {
		return common.Address{}, fmt.Errorf("signature length %d", len(sig))
	}
	pub, err := crypto.SigToPub(hash, sig)
	if err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// parsePrivateKey 解析十六进制私钥（可带 0x 前缀）
func parsePrivateKey(hexKey string) (*ecdsa.PrivateKey, error) {
	k, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("解析私钥失败: %w", err)
	}
	return k, nil
}

// buildHMACSignature timestamp+method+path+body 的 HMAC-SHA256，secret 与结果均为 base64url
func buildHMACSignature(secret string, timestamp int64, method, requestPath, body string) (string, error) {
	sanitized := strings.NewReplacer("-", "+", "_", "/").Replace(secret)
	sanitized = strings.Map(func(r rune) rune {
		if (r >= 'A' && r <= 'Z') || (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '+' || r == '/' || r == '=' {
			return r
		}
		return -1
	}, sanitized)

	keyData, err := base64.StdEncoding.DecodeString(sanitized)
	if err != nil {
		return "", fmt.Errorf("解码 secret 失败: %w", err)
	}

	mac := hmac.New(sha256.New, keyData)
	mac.Write([]byte(strconv.FormatInt(timestamp, 10) + method + requestPath + body))
	sig := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return strings.NewReplacer("+", "-", "/", "_").Replace(sig), nil
}

// credentials L2 API 凭证
type credentials struct {
	Key        string
	Secret     string
	Passphrase string
}

func (c credentials) empty() bool { return c.Key == "" || c.Secret == "" }

// l2Headers 构造每个请求的认证头
func l2Headers(address common.Address, creds credentials, timestamp int64, method, requestPath, body string) (map[string]string, error) {
	sig, err := buildHMACSignature(creds.Secret, timestamp, method, requestPath, body)
	if err != nil {
		return nil, fmt.Errorf("构建 HMAC 签名失败: %w", err)
	}
	return map[string]string{
		headerAddress:    address.Hex(),
		headerSignature:  sig,
		headerTimestamp:  strconv.FormatInt(timestamp, 10),
		headerAPIKey:     creds.Key,
		headerPassphrase: creds.Passphrase,
	}, nil
}
