package permits

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/meterpay/meterpay"
)

// Throwaway key; never funded anywhere.
const testKeyHex = "4c0883a69102937d6231471b5dbb6204fe512961708279df95b4a2200868888f"

func testVaultPermit(chainID int64) VaultPermit {
	return VaultPermit{
		ChainID:     big.NewInt(chainID),
		Token:       "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
		Amount:      big.NewInt(100_000_000),
		Expiration:  1893456000,
		Nonce:       0,
		Spender:     "0x2222222222222222222222222222222222222222",
		SigDeadline: big.NewInt(1893456000),
	}
}

func TestVaultPermitDigest(t *testing.T) {
	t.Run("produces a 32-byte digest", func(t *testing.T) {
		digest, err := Digest(testVaultPermit(84532))
		if err != nil {
			t.Fatalf("digest: %v", err)
		}
		if len(digest) != 32 {
			t.Fatalf("digest length %d", len(digest))
		}
	})

	t.Run("is deterministic", func(t *testing.T) {
		d1, err1 := Digest(testVaultPermit(84532))
		d2, err2 := Digest(testVaultPermit(84532))
		if err1 != nil || err2 != nil {
			t.Fatalf("digest: %v %v", err1, err2)
		}
		if d1 != d2 {
			t.Error("same message hashed differently")
		}
	})

	t.Run("binds every field", func(t *testing.T) {
		base, _ := Digest(testVaultPermit(84532))

		other := testVaultPermit(11155111)
		if d, _ := Digest(other); d == base {
			t.Error("chain id not bound")
		}

		other = testVaultPermit(84532)
		other.Amount = big.NewInt(100_000_001)
		if d, _ := Digest(other); d == base {
			t.Error("amount not bound")
		}

		other = testVaultPermit(84532)
		other.Nonce = 1
		if d, _ := Digest(other); d == base {
			t.Error("nonce not bound")
		}

		other = testVaultPermit(84532)
		other.Spender = "0x3333333333333333333333333333333333333333"
		if d, _ := Digest(other); d == base {
			t.Error("spender not bound")
		}
	})

	t.Run("lower-case addresses hash like checksummed ones", func(t *testing.T) {
		upper := testVaultPermit(84532)
		lower := testVaultPermit(84532)
		lower.Token = "0x036cbd53842c5426634e7929541ec2318f3dcf7e"
		d1, _ := Digest(upper)
		d2, _ := Digest(lower)
		if d1 != d2 {
			t.Error("address casing changed the digest")
		}
	})
}

func TestVaultPermitSignRecover(t *testing.T) {
	key, err := crypto.HexToECDSA(testKeyHex)
	if err != nil {
		t.Fatal(err)
	}
	addr := crypto.PubkeyToAddress(key.PublicKey).Hex()

	for _, chainID := range []int64{84532, 11155111, 421614, 43113} {
		msg := testVaultPermit(chainID)
		sig, err := Sign(msg, key)
		if err != nil {
			t.Fatalf("sign on chain %d: %v", chainID, err)
		}
		if sig.V != 27 && sig.V != 28 {
			t.Errorf("v = %d, want 27 or 28", sig.V)
		}
		got, err := RecoverSigner(msg, sig)
		if err != nil {
			t.Fatalf("recover on chain %d: %v", chainID, err)
		}
		if !meterpay.EqualAddress(got.Hex(), addr) {
			t.Errorf("chain %d: recovered %s, want %s", chainID, got.Hex(), addr)
		}
	}
}

func TestVaultPermitRecoverRejectsTampering(t *testing.T) {
	key, _ := crypto.HexToECDSA(testKeyHex)
	addr := crypto.PubkeyToAddress(key.PublicKey).Hex()

	msg := testVaultPermit(84532)
	sig, err := Sign(msg, key)
	if err != nil {
		t.Fatal(err)
	}

	tampered := msg
	tampered.Amount = big.NewInt(200_000_000)
	got, err := RecoverSigner(tampered, sig)
	if err == nil && meterpay.EqualAddress(got.Hex(), addr) {
		t.Error("tampered message still recovers the signer")
	}
}

func TestTokenPermitSignRecover(t *testing.T) {
	key, _ := crypto.HexToECDSA(testKeyHex)
	addr := crypto.PubkeyToAddress(key.PublicKey).Hex()

	cases := []struct {
		name  string
		token TokenPermit
	}{
		{
			name: "usdc ethereum sepolia v2 domain",
			token: TokenPermit{
				TokenName:    "USD Coin",
				TokenVersion: "2",
				TokenAddress: "0x1c7D4B196Cb0C7B01d743Fbc6116a902379C7238",
				ChainID:      big.NewInt(11155111),
			},
		},
		{
			name: "usdc base sepolia v1 domain",
			token: TokenPermit{
				TokenName:    "USD Coin",
				TokenVersion: "1",
				TokenAddress: "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
				ChainID:      big.NewInt(84532),
			},
		},
		{
			name: "pyusd domain",
			token: TokenPermit{
				TokenName:    "PayPal USD",
				TokenVersion: "1",
				TokenAddress: "0xCaC524BcA292aaade2DF8A05cC58F0a65B1B3bB9",
				ChainID:      big.NewInt(11155111),
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msg := tc.token
			msg.Owner = addr
			msg.Spender = "0x000000000022D473030F116dDEE9F6B43aC78BA3"
			msg.Value = MaxUint256
			msg.Nonce = big.NewInt(0)
			msg.Deadline = big.NewInt(1893456000)

			sig, err := Sign(msg, key)
			if err != nil {
				t.Fatalf("sign: %v", err)
			}
			got, err := RecoverSigner(msg, sig)
			if err != nil {
				t.Fatalf("recover: %v", err)
			}
			if !meterpay.EqualAddress(got.Hex(), addr) {
				t.Errorf("recovered %s, want %s", got.Hex(), addr)
			}
		})
	}
}

func TestTokenPermitDomainSeparation(t *testing.T) {
	// The same permit body under the v1 and v2 token domains must not be
	// interchangeable.
	base := TokenPermit{
		TokenName:    "USD Coin",
		TokenVersion: "1",
		TokenAddress: "0x1c7D4B196Cb0C7B01d743Fbc6116a902379C7238",
		ChainID:      big.NewInt(11155111),
		Owner:        "0x1111111111111111111111111111111111111111",
		Spender:      "0x000000000022D473030F116dDEE9F6B43aC78BA3",
		Value:        MaxUint256,
		Nonce:        big.NewInt(0),
		Deadline:     big.NewInt(1893456000),
	}
	v2 := base
	v2.TokenVersion = "2"

	d1, err1 := Digest(base)
	d2, err2 := Digest(v2)
	if err1 != nil || err2 != nil {
		t.Fatalf("digest: %v %v", err1, err2)
	}
	if d1 == d2 {
		t.Error("token domain version not bound into digest")
	}
}

func TestVaultPermitFromStored(t *testing.T) {
	permit := &meterpay.Permit{
		ID:             "permit-1",
		UserAddress:    "0x1111111111111111111111111111111111111111",
		TokenAddress:   "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
		ChainID:        84532,
		SpenderAddress: "0x2222222222222222222222222222222222222222",
		Amount:         "100000000",
		Nonce:          3,
		Deadline:       1893456000,
	}

	msg, err := VaultPermitFromStored(permit)
	if err != nil {
		t.Fatal(err)
	}
	if msg.Amount.String() != "100000000" {
		t.Errorf("amount = %s", msg.Amount)
	}
	if msg.Nonce != 3 || msg.Expiration != 1893456000 {
		t.Errorf("nonce/expiration = %d/%d", msg.Nonce, msg.Expiration)
	}
	if msg.ChainID.Int64() != 84532 {
		t.Errorf("chain id = %s", msg.ChainID)
	}

	permit.Amount = "not-a-number"
	if _, err := VaultPermitFromStored(permit); err == nil {
		t.Error("malformed amount accepted")
	}
}

func TestVerifyVaultSignature(t *testing.T) {
	key, _ := crypto.HexToECDSA(testKeyHex)
	addr := crypto.PubkeyToAddress(key.PublicKey).Hex()

	permit := &meterpay.Permit{
		ID:             "permit-1",
		UserAddress:    addr,
		TokenAddress:   "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
		ChainID:        84532,
		SpenderAddress: "0x2222222222222222222222222222222222222222",
		Amount:         "100000000",
		Nonce:          0,
		Deadline:       1893456000,
	}
	msg, err := VaultPermitFromStored(permit)
	if err != nil {
		t.Fatal(err)
	}
	sig, err := Sign(msg, key)
	if err != nil {
		t.Fatal(err)
	}
	permit.Signature = sig

	if err := VerifyVaultSignature(permit); err != nil {
		t.Fatalf("valid signature rejected: %v", err)
	}

	permit.UserAddress = "0x9999999999999999999999999999999999999999"
	if err := VerifyVaultSignature(permit); err == nil {
		t.Error("signature for another user accepted")
	} else if meterpay.KindOf(err) != meterpay.KindInvalidRequest {
		t.Errorf("kind = %s, want invalid_request", meterpay.KindOf(err))
	}
}
