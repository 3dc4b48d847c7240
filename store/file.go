package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"

	"github.com/meterpay/meterpay"
)

// fileState is the JSON snapshot layout.
type fileState struct {
	Permits       []*meterpay.Permit            `json:"permits"`
	Payments      []*meterpay.Payment           `json:"payments"`
	CrossChain    []*meterpay.CrossChainPayment `json:"cross_chain_payments"`
	Subscriptions []*meterpay.Subscription      `json:"subscriptions"`
	Calls         []*meterpay.APICall           `json:"api_calls"`
	Agents        []*meterpay.Agent             `json:"agents"`
	Users         []*meterpay.User              `json:"users"`
}

// File is a Store that keeps all state in memory and writes a JSON snapshot
// after every mutation. Snapshots go through a temp file and rename, so a
// crash mid-write never leaves a truncated store behind. Suitable for single
// instance deployments; use Redis when running more than one router.
type File struct {
	*Memory
	path string
	wmu  sync.Mutex
}

// OpenFile loads the snapshot at path, or starts empty if none exists.
func OpenFile(path string) (*File, error) {
	f := &File{Memory: NewMemory(), path: path}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return f, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", path, err)
	}
	var st fileState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("decode store %s: %w", path, err)
	}
	f.Memory.restore(&st)
	return f, nil
}

func (f *File) persist() error {
	f.wmu.Lock()
	defer f.wmu.Unlock()

	st := f.Memory.snapshot()
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("encode store: %w", err)
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write store: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return fmt.Errorf("replace store: %w", err)
	}
	return nil
}

func (f *File) CreatePermit(ctx context.Context, p *meterpay.Permit) error {
	if err := f.Memory.CreatePermit(ctx, p); err != nil {
		return err
	}
	return f.persist()
}

func (f *File) UpdatePermitStatus(ctx context.Context, id string, status meterpay.PermitStatus) error {
	if err := f.Memory.UpdatePermitStatus(ctx, id, status); err != nil {
		return err
	}
	return f.persist()
}

func (f *File) IncrementPermitUsage(ctx context.Context, id string) (int64, error) {
	n, err := f.Memory.IncrementPermitUsage(ctx, id)
	if err != nil {
		return n, err
	}
	return n, f.persist()
}

func (f *File) CreateCrossChainPayment(ctx context.Context, ccp *meterpay.CrossChainPayment) error {
	if err := f.Memory.CreateCrossChainPayment(ctx, ccp); err != nil {
		return err
	}
	return f.persist()
}

func (f *File) UpdateCrossChainPayment(ctx context.Context, ccp *meterpay.CrossChainPayment) error {
	if err := f.Memory.UpdateCrossChainPayment(ctx, ccp); err != nil {
		return err
	}
	return f.persist()
}

func (f *File) CreatePayment(ctx context.Context, p *meterpay.Payment) error {
	if err := f.Memory.CreatePayment(ctx, p); err != nil {
		return err
	}
	return f.persist()
}

func (f *File) UpdateSubscriptionUsage(ctx context.Context, id string, freeTrial bool) error {
	if err := f.Memory.UpdateSubscriptionUsage(ctx, id, freeTrial); err != nil {
		return err
	}
	return f.persist()
}

func (f *File) LogAPICall(ctx context.Context, call *meterpay.APICall) error {
	if err := f.Memory.LogAPICall(ctx, call); err != nil {
		return err
	}
	return f.persist()
}

func (f *File) PutSubscription(s *meterpay.Subscription) {
	f.Memory.PutSubscription(s)
	_ = f.persist()
}

func (f *File) PutAgent(a *meterpay.Agent) {
	f.Memory.PutAgent(a)
	_ = f.persist()
}

func (f *File) PutUser(u *meterpay.User) {
	f.Memory.PutUser(u)
	_ = f.persist()
}

var _ meterpay.Store = (*File)(nil)
