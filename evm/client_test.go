package evm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/meterpay/meterpay"
)

const testKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

type rpcRequest struct {
	ID     json.RawMessage   `json:"id"`
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

// fakeRPC answers the JSON-RPC methods the client issues. Unscripted methods
// return a null result.
type fakeRPC struct {
	chainID string
	// results maps method name to the raw JSON result.
	results map[string]string
	calls   []string
}

func (f *fakeRPC) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.calls = append(f.calls, req.Method)

		result := "null"
		if req.Method == "eth_chainId" {
			result = fmt.Sprintf("%q", f.chainID)
		} else if r, ok := f.results[req.Method]; ok {
			result = r
		}
		fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%s,"result":%s}`, req.ID, result)
	}
}

func startRPC(t *testing.T, f *fakeRPC) string {
	t.Helper()
	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)
	return srv.URL
}

func testAdmin(t *testing.T) *Admin {
	t.Helper()
	admin, err := NewAdmin(testKey)
	if err != nil {
		t.Fatal(err)
	}
	return admin
}

func TestDialVerifiesChainID(t *testing.T) {
	url := startRPC(t, &fakeRPC{chainID: "0x14a34"}) // 84532

	c, err := Dial(context.Background(), url, 84532, testAdmin(t))
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	if c.ChainID() != 84532 {
		t.Errorf("ChainID() = %d, want 84532", c.ChainID())
	}
}

func TestDialRejectsWrongChain(t *testing.T) {
	url := startRPC(t, &fakeRPC{chainID: "0xaa36a7"}) // 11155111

	_, err := Dial(context.Background(), url, 84532, testAdmin(t))
	if err == nil {
		t.Fatal("expected mismatched chain id to fail")
	}
	if meterpay.KindOf(err) != meterpay.KindConfiguration {
		t.Errorf("kind = %s, want configuration_error", meterpay.KindOf(err))
	}
}

func TestReadContractUnpacksResult(t *testing.T) {
	// balanceOf → 1,000,000 as a 32-byte word.
	balance := fmt.Sprintf(`"0x%064x"`, 1_000_000)
	url := startRPC(t, &fakeRPC{
		chainID: "0x14a34",
		results: map[string]string{"eth_call": balance},
	})

	c, err := Dial(context.Background(), url, 84532, testAdmin(t))
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	vals, err := c.ReadContract(context.Background(),
		"0x036CbD53842c5426634e7929541eC2318f3dCF7e", ERC20BalanceOfABI, "balanceOf",
		common.HexToAddress("0x1111111111111111111111111111111111111111"))
	if err != nil {
		t.Fatal(err)
	}
	if len(vals) != 1 {
		t.Fatalf("got %d outputs, want 1", len(vals))
	}
	bal, ok := vals[0].(*big.Int)
	if !ok {
		t.Fatalf("output type %T, want *big.Int", vals[0])
	}
	if bal.Int64() != 1_000_000 {
		t.Errorf("balance = %s, want 1000000", bal)
	}
}

func TestGetReceiptNotMined(t *testing.T) {
	url := startRPC(t, &fakeRPC{chainID: "0x14a34"})

	c, err := Dial(context.Background(), url, 84532, testAdmin(t))
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	_, err = c.GetReceipt(context.Background(), common.HexToHash("0xdead"))
	if !errors.Is(err, meterpay.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestWaitForReceiptTimesOut(t *testing.T) {
	url := startRPC(t, &fakeRPC{chainID: "0x14a34"})

	c, err := Dial(context.Background(), url, 84532, testAdmin(t),
		WithReceiptTimeout(50*time.Millisecond), WithReceiptPollInterval(10*time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	_, err = c.WaitForReceipt(context.Background(), common.HexToHash("0xdead"))
	if meterpay.KindOf(err) != meterpay.KindReceiptTimeout {
		t.Errorf("kind = %s, want receipt_timeout", meterpay.KindOf(err))
	}
}
