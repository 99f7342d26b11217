package sign

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// SignerWallet wraps one secp256k1 private key and exposes the operations
// the wallet-authenticated adapters need: the derived address and
// personal-sign over a 32-byte digest.
type SignerWallet struct {
	key *ecdsa.PrivateKey
}

// NewSignerWallet parses a hex private key, with or without 0x prefix.
func NewSignerWallet(privateKeyHex string) (*SignerWallet, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(privateKeyHex), "0x")
	key, err := crypto.HexToECDSA(trimmed)
	if err != nil {
		return nil, fmt.Errorf("私钥解析失败: %w", err)
	}
	return &SignerWallet{key: key}, nil
}

// Address returns the lowercase hex address derived from the private key.
func (w *SignerWallet) Address() string {
	return strings.ToLower(crypto.PubkeyToAddress(w.key.PublicKey).Hex())
}

// PersonalSign signs the 32-byte digest with the Ethereum signed-message
// prefix and returns 0x-prefixed r||s||v hex, v in {27, 28}.
func (w *SignerWallet) PersonalSign(digest []byte) (string, error) {
	if len(digest) != 32 {
		return "", fmt.Errorf("签名摘要长度必须为 32 字节, 实际 %d", len(digest))
	}
	prefixed := crypto.Keccak256(
		[]byte(fmt.Sprintf("\x19Ethereum Signed Message:\n%d", len(digest))),
		digest,
	)
	sig, err := crypto.Sign(prefixed, w.key)
	if err != nil {
		return "", fmt.Errorf("签名失败: %w", err)
	}
	// go-ethereum returns recovery id 0/1, the RPC convention wants 27/28.
	sig[64] += 27
	return "0x" + hex.EncodeToString(sig), nil
}

// Keccak256Hash returns the keccak256 digest of the concatenated inputs.
func Keccak256Hash(data ...[]byte) []byte {
	return crypto.Keccak256(data...)
}

var (
	asterArgsOnce sync.Once
	asterArgs     abi.Arguments
	asterArgsErr  error
)

// AsterPayload ABI-encodes (string queryString, address user, address
// signer, uint256 nonce) the way the venue's signature check expects,
// then returns the keccak256 digest of the encoding.
func AsterPayload(queryString, userAddr, signerAddr string, nonce *big.Int) ([]byte, error) {
	asterArgsOnce.Do(func() {
		stringT, err := abi.NewType("string", "", nil)
		if err != nil {
			asterArgsErr = err
			return
		}
		addressT, err := abi.NewType("address", "", nil)
		if err != nil {
			asterArgsErr = err
			return
		}
		uint256T, err := abi.NewType("uint256", "", nil)
		if err != nil {
			asterArgsErr = err
			return
		}
		asterArgs = abi.Arguments{
			{Type: stringT}, {Type: addressT}, {Type: addressT}, {Type: uint256T},
		}
	})
	if asterArgsErr != nil {
		return nil, fmt.Errorf("ABI 类型初始化失败: %w", asterArgsErr)
	}
	if !common.IsHexAddress(userAddr) {
		return nil, fmt.Errorf("用户地址不合法: %q", userAddr)
	}
	if !common.IsHexAddress(signerAddr) {
		return nil, fmt.Errorf("签名地址不合法: %q", signerAddr)
	}
	encoded, err := asterArgs.Pack(
		queryString,
		common.HexToAddress(userAddr),
		common.HexToAddress(signerAddr),
		nonce,
	)
	if err != nil {
		return nil, fmt.Errorf("ABI 编码失败: %w", err)
	}
	return crypto.Keccak256(encoded), nil
}
