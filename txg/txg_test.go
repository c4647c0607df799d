package txg

import (
	"context"
	"errors"
	"testing"

	"github.com/bfffs/bfffs/cache"
	"github.com/bfffs/bfffs/common"
	"github.com/bfffs/bfffs/ddml"
	"github.com/bfffs/bfffs/idml"
	"github.com/bfffs/bfffs/label"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDDML is a minimal ddml.DDML stand-in, just enough for the IDML
// underneath a Manager to have somewhere to put records.
type fakeDDML struct {
	next  uint64
	store map[common.PBA][]byte
}

func newFakeDDML() *fakeDDML {
	return &fakeDDML{store: make(map[common.PBA][]byte)}
}

func (f *fakeDDML) PutDirect(ctx context.Context, value []byte, mode ddml.Compression, txg common.TxgT) (ddml.DRP, error) {
	pba := common.NewPBA(0, common.LBA(f.next))
	f.next++
	cp := make([]byte, len(value))
	copy(cp, value)
	f.store[pba] = cp
	return ddml.DRP{PBA: pba, Compression: mode, LSize: uint32(len(value)), CSize: uint32(len(value))}, nil
}

func (f *fakeDDML) GetDirect(ctx context.Context, drp *ddml.DRP) ([]byte, error) {
	v, ok := f.store[drp.PBA]
	if !ok {
		return nil, errors.New("ddml: record not found")
	}
	return v, nil
}

func (f *fakeDDML) PopDirect(ctx context.Context, drp *ddml.DRP) ([]byte, error) {
	v, err := f.GetDirect(ctx, drp)
	if err != nil {
		return nil, err
	}
	delete(f.store, drp.PBA)
	return v, nil
}

func (f *fakeDDML) DeleteDirect(drp *ddml.DRP, txg common.TxgT) { delete(f.store, drp.PBA) }
func (f *fakeDDML) Evict(drp *ddml.DRP)                         {}
func (f *fakeDDML) SyncAll(ctx context.Context) error           { return nil }
func (f *fakeDDML) ListClosedZones() []ddml.ClosedZone          { return nil }

type fakeSyncable struct {
	flushed []common.TxgT
	fail    bool
}

func (s *fakeSyncable) Flush(ctx context.Context, txg common.TxgT) error {
	if s.fail {
		return errors.New("syncable: forced failure")
	}
	s.flushed = append(s.flushed, txg)
	return nil
}

type labelBody struct {
	Txg common.TxgT `cbor:"txg"`
}

func newTestManager(t *testing.T, startTxg common.TxgT) (*Manager, *label.Store) {
	t.Helper()
	m := idml.Create(newFakeDDML(), cache.New(1<<20))
	dev := label.NewMemRawDevice(2 * label.SlotSize)
	store := label.NewStore(dev, 0)
	return NewManager(m, store, startTxg), store
}

func TestManagerSyncAdvancesTxgAndWritesLabel(t *testing.T) {
	mgr, store := newTestManager(t, 0)
	ctx := context.Background()

	assert.Equal(t, common.TxgT(0), mgr.CurrentTxg())

	err := mgr.Sync(ctx, func(txg common.TxgT) (any, error) {
		return labelBody{Txg: txg}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, common.TxgT(1), mgr.CurrentTxg())

	env, err := store.Read()
	require.NoError(t, err)
	assert.Equal(t, common.TxgT(0), env.Txg)
}

func TestManagerSyncFlushesRegisteredSyncables(t *testing.T) {
	mgr, _ := newTestManager(t, 5)
	sync1 := &fakeSyncable{}
	sync2 := &fakeSyncable{}
	mgr.Register(sync1)
	mgr.Register(sync2)

	err := mgr.Sync(context.Background(), func(txg common.TxgT) (any, error) {
		return labelBody{Txg: txg}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, []common.TxgT{5}, sync1.flushed)
	assert.Equal(t, []common.TxgT{5}, sync2.flushed)
}

func TestManagerSyncPropagatesSyncableFailureWithoutAdvancing(t *testing.T) {
	mgr, _ := newTestManager(t, 2)
	mgr.Register(&fakeSyncable{fail: true})

	err := mgr.Sync(context.Background(), func(txg common.TxgT) (any, error) {
		return labelBody{Txg: txg}, nil
	})
	assert.Error(t, err)
	assert.Equal(t, common.TxgT(2), mgr.CurrentTxg())
}

func TestManagerWithTxgReflectsCurrentGroup(t *testing.T) {
	mgr, _ := newTestManager(t, 3)
	var seen common.TxgT
	err := mgr.WithTxg(func(txg common.TxgT) error {
		seen = txg
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, common.TxgT(3), seen)
}
