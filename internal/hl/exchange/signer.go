package exchange

import (
	"crypto/ecdsa"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// L1 actions are signed as an EIP-712 "Agent" message whose connectionId is
// the keccak of msgpack(action) || nonce || vault flag [|| vault].
var (
	agentTypes = apitypes.Types{
		"EIP712Domain": {
			{Name: "name", Type: "string"},
			{Name: "version", Type: "string"},
			{Name: "chainId", Type: "uint256"},
			{Name: "verifyingContract", Type: "address"},
		},
		"Agent": {
			{Name: "source", Type: "string"},
			{Name: "connectionId", Type: "bytes32"},
		},
	}
	agentDomain = apitypes.TypedDataDomain{
		Name:              "Exchange",
		Version:           "1",
		ChainId:           math.NewHexOrDecimal256(1337),
		VerifyingContract: "0x0000000000000000000000000000000000000000",
	}
)

// Signer holds the agent key used for every exchange action.
type Signer struct {
	key     *ecdsa.PrivateKey
	address common.Address
	mainnet bool
}

func NewSigner(hexKey string, mainnet bool) (*Signer, error) {
	clean := strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	if clean == "" {
		return nil, errors.New("private key is required")
	}
	key, err := crypto.HexToECDSA(clean)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return &Signer{key: key, address: crypto.PubkeyToAddress(key.PublicKey), mainnet: mainnet}, nil
}

func (s *Signer) Address() common.Address {
	return s.address
}

// Sign signs one of the supported action types for nonce, optionally on
// behalf of vault.
func (s *Signer) Sign(action any, nonce uint64, vault *common.Address) (Signature, error) {
	payload, err := encodeAction(action)
	if err != nil {
		return Signature{}, err
	}
	digest, err := agentDigest(connectionID(payload, nonce, vault), s.mainnet)
	if err != nil {
		return Signature{}, err
	}
	raw, err := crypto.Sign(digest, s.key)
	if err != nil {
		return Signature{}, err
	}
	if len(raw) != crypto.SignatureLength {
		return Signature{}, fmt.Errorf("unexpected signature length %d", len(raw))
	}
	return Signature{
		R: hexutil.Encode(raw[:32]),
		S: hexutil.Encode(raw[32:64]),
		V: int(raw[64]) + 27,
	}, nil
}

func encodeAction(action any) ([]byte, error) {
	switch a := action.(type) {
	case OrderAction:
		return EncodeOrderAction(a)
	case CancelAction:
		return EncodeCancelAction(a)
	case CancelByCloidAction:
		return EncodeCancelByCloidAction(a)
	default:
		return nil, fmt.Errorf("unsupported action %T", action)
	}
}

func connectionID(payload []byte, nonce uint64, vault *common.Address) common.Hash {
	buf := make([]byte, 0, len(payload)+8+1+common.AddressLength)
	buf = append(buf, payload...)
	buf = binary.BigEndian.AppendUint64(buf, nonce)
	if vault == nil {
		buf = append(buf, 0x00)
	} else {
		buf = append(buf, 0x01)
		buf = append(buf, vault.Bytes()...)
	}
	return crypto.Keccak256Hash(buf)
}

func agentDigest(id common.Hash, mainnet bool) ([]byte, error) {
	source := "b"
	if mainnet {
		source = "a"
	}
	typed := apitypes.TypedData{
		Types:       agentTypes,
		PrimaryType: "Agent",
		Domain:      agentDomain,
		Message: apitypes.TypedDataMessage{
			"source":       source,
			"connectionId": id.Hex(),
		},
	}
	domainHash, err := typed.HashStruct("EIP712Domain", typed.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("hash domain: %w", err)
	}
	messageHash, err := typed.HashStruct(typed.PrimaryType, typed.Message)
	if err != nil {
		return nil, fmt.Errorf("hash agent message: %w", err)
	}
	return crypto.Keccak256([]byte("\x19\x01"), domainHash, messageHash), nil
}
