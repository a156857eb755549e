package nvm

import (
	"github.com/cockroachdb/pebble"
	"github.com/pkg/errors"
	"github.com/puzpuzpuz/xsync/v3"
)

// SnapshotStore persists device contents and write traces across simulated
// power cycles. A fault campaign saves the flash state after every cut and
// restores it before the next boot, so device lifetime outlives any single
// process run. Backed by pebble; a concurrent cache lets parallel campaign
// tests share one store.
type SnapshotStore struct {
	db    *pebble.DB
	cache *xsync.MapOf[string, []byte]
}

var writeOptions = pebble.WriteOptions{Sync: true}

func OpenSnapshotStore(path string) (*SnapshotStore, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, errors.Wrap(err, "open snapshot store")
	}
	return &SnapshotStore{
		db:    db,
		cache: xsync.NewMapOf[string, []byte](),
	}, nil
}

func (st *SnapshotStore) Close() error {
	if st.db == nil {
		return ErrDeviceClosed
	}
	err := st.db.Close()
	st.db = nil
	return err
}

func memKey(dev *Sim, label string) string {
	return "mem/" + dev.ID().String() + "/" + label
}

func traceKey(dev *Sim, label string) string {
	return "trace/" + dev.ID().String() + "/" + label
}

// Save stores the device's memory image and the trace of the cycle that
// produced it.
func (st *SnapshotStore) Save(dev *Sim, label string) error {
	if st.db == nil {
		return ErrDeviceClosed
	}
	mem := make([]byte, len(dev.mem))
	copy(mem, dev.mem)
	if err := st.db.Set([]byte(memKey(dev, label)), mem, &writeOptions); err != nil {
		return errors.Wrapf(err, "save snapshot %s", label)
	}
	if err := st.db.Set([]byte(traceKey(dev, label)), dev.trace, &writeOptions); err != nil {
		return errors.Wrapf(err, "save trace %s", label)
	}
	st.cache.Store(memKey(dev, label), mem)
	return nil
}

// Restore loads a saved memory image into the device and power-cycles it,
// modeling the harness rebooting the board from persisted flash state.
func (st *SnapshotStore) Restore(dev *Sim, label string) error {
	if st.db == nil {
		return ErrDeviceClosed
	}
	key := memKey(dev, label)
	mem, ok := st.cache.Load(key)
	if !ok {
		val, closer, err := st.db.Get([]byte(key))
		if err != nil {
			return errors.Wrapf(err, "restore snapshot %s", label)
		}
		mem = make([]byte, len(val))
		copy(mem, val)
		_ = closer.Close()
		st.cache.Store(key, mem)
	}
	if len(mem) != len(dev.mem) {
		return errors.Errorf("snapshot %s: size %d, device %d", label, len(mem), len(dev.mem))
	}
	copy(dev.mem, mem)
	dev.PowerCycle()
	return nil
}

// Trace returns the persisted trace for a saved cycle.
func (st *SnapshotStore) Trace(dev *Sim, label string) ([]TraceOp, error) {
	if st.db == nil {
		return nil, ErrDeviceClosed
	}
	val, closer, err := st.db.Get([]byte(traceKey(dev, label)))
	if err != nil {
		return nil, errors.Wrapf(err, "load trace %s", label)
	}
	raw := make([]byte, len(val))
	copy(raw, val)
	_ = closer.Close()
	return DecodeTrace(raw)
}
