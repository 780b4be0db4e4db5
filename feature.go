package partmesh

import (
	"context"
	"fmt"
	"sync"

	"github.com/partmesh/partmesh/pkg/tensor"
)

// Domain says whether a feature is attached to nodes or edges.
type Domain uint8

const (
	NodeDomain Domain = iota + 1
	EdgeDomain
)

func (d Domain) String() string {
	switch d {
	case NodeDomain:
		return "node"
	case EdgeDomain:
		return "edge"
	default:
		return "invalid"
	}
}

const featureStripes = 64

type featureKey struct {
	domain Domain
	name   string
}

// FeatureStore holds one partition's feature tables, keyed by domain and
// name. Tables are created at load time; rows are mutated only by push
// requests under striped locks.
type FeatureStore struct {
	mu     sync.RWMutex
	tables map[featureKey]*FeatureTable
}

func NewFeatureStore() *FeatureStore {
	return &FeatureStore{tables: make(map[featureKey]*FeatureTable)}
}

// CreateTable allocates a zeroed table of rows x shape elements.
func (fs *FeatureStore) CreateTable(domain Domain, name string, dtype tensor.DType, shape []int, rows uint64) (*FeatureTable, error) {
	if !dtype.Valid() {
		return nil, fmt.Errorf("%w: invalid dtype for table %q", ErrInvalidCfg, name)
	}
	rowElems := tensor.NumElements(shape)
	if rowElems <= 0 {
		return nil, fmt.Errorf("%w: empty shape for table %q", ErrInvalidCfg, name)
	}

	t := &FeatureTable{
		domain:   domain,
		name:     name,
		dtype:    dtype,
		shape:    append([]int(nil), shape...),
		rowElems: rowElems,
		rowBytes: rowElems * dtype.Size(),
		rows:     rows,
	}
	t.data = make([]byte, rows*uint64(t.rowBytes))

	fs.mu.Lock()
	defer fs.mu.Unlock()
	key := featureKey{domain, name}
	if _, exists := fs.tables[key]; exists {
		return nil, fmt.Errorf("%w: table %s/%s already exists", ErrInvalidCfg, domain, name)
	}
	fs.tables[key] = t
	return t, nil
}

// Table looks a table up, ErrUnknownFeature if absent.
func (fs *FeatureStore) Table(domain Domain, name string) (*FeatureTable, error) {
	fs.mu.RLock()
	t, ok := fs.tables[featureKey{domain, name}]
	fs.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrUnknownFeature, domain, name)
	}
	return t, nil
}

// Names lists the tables of one domain.
func (fs *FeatureStore) Names(domain Domain) []string {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	var out []string
	for k := range fs.tables {
		if k.domain == domain {
			out = append(out, k.name)
		}
	}
	return out
}

func (fs *FeatureStore) each(fn func(*FeatureTable)) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	for _, t := range fs.tables {
		fn(t)
	}
}

// FeatureTable maps LocalId to one typed, fixed-shape row. Reads take a
// stripe read lock per row; pushes take the stripe write lock only for the
// rows they touch, so pulls of disjoint rows never contend.
type FeatureTable struct {
	domain   Domain
	name     string
	dtype    tensor.DType
	shape    []int
	rowElems int
	rowBytes int
	rows     uint64

	data    []byte
	stripes [featureStripes]sync.RWMutex
}

func (t *FeatureTable) Name() string        { return t.name }
func (t *FeatureTable) Domain() Domain      { return t.domain }
func (t *FeatureTable) DType() tensor.DType { return t.dtype }
func (t *FeatureTable) Shape() []int        { return append([]int(nil), t.shape...) }
func (t *FeatureTable) Rows() uint64        { return t.rows }

func (t *FeatureTable) stripe(id LocalID) *sync.RWMutex {
	return &t.stripes[uint64(id)%featureStripes]
}

// Pull copies the requested rows, concatenated in request order.
func (t *FeatureTable) Pull(ids []LocalID) (tensor.Buffer, error) {
	out := make([]byte, len(ids)*t.rowBytes)
	for i, id := range ids {
		if uint64(id) >= t.rows {
			return tensor.Buffer{}, fmt.Errorf("%w: row %d of %d in table %q",
				ErrOutOfRange, id, t.rows, t.name)
		}
		mu := t.stripe(id)
		mu.RLock()
		copy(out[i*t.rowBytes:], t.data[uint64(id)*uint64(t.rowBytes):uint64(id+1)*uint64(t.rowBytes)])
		mu.RUnlock()
	}
	return tensor.Buffer{DType: t.dtype, Data: out}, nil
}

// Push replaces the addressed rows with the given buffer, which must hold
// exactly len(ids) rows of the table's dtype. Rows are full replacements,
// which is what makes a retried push safe.
func (t *FeatureTable) Push(ids []LocalID, buf tensor.Buffer) error {
	if buf.DType != t.dtype {
		return fmt.Errorf("%w: push dtype %s to %s table %q",
			ErrShapeMismatch, buf.DType, t.dtype, t.name)
	}
	if len(buf.Data) != len(ids)*t.rowBytes {
		if len(buf.Data)%t.rowBytes == 0 {
			return fmt.Errorf("%w: %d rows pushed for %d ids",
				ErrCountMismatch, len(buf.Data)/t.rowBytes, len(ids))
		}
		return fmt.Errorf("%w: %d bytes is not a whole number of %d-byte rows",
			ErrShapeMismatch, len(buf.Data), t.rowBytes)
	}
	for _, id := range ids {
		if uint64(id) >= t.rows {
			return fmt.Errorf("%w: row %d of %d in table %q", ErrOutOfRange, id, t.rows, t.name)
		}
	}

	for i, id := range ids {
		mu := t.stripe(id)
		mu.Lock()
		copy(t.data[uint64(id)*uint64(t.rowBytes):], buf.Data[i*t.rowBytes:(i+1)*t.rowBytes])
		mu.Unlock()
	}
	return nil
}

// weightAt reads one scalar row as float64 for weighted sampling. The read
// is best-effort with respect to concurrent pushes: each row is consistent,
// a set of rows is not.
func (t *FeatureTable) weightAt(id LocalID) (float64, error) {
	if t.rowElems != 1 {
		return 0, fmt.Errorf("%w: weight table %q rows are not scalar", ErrShapeMismatch, t.name)
	}
	if uint64(id) >= t.rows {
		return 0, fmt.Errorf("%w: row %d of %d in table %q", ErrOutOfRange, id, t.rows, t.name)
	}
	mu := t.stripe(id)
	mu.RLock()
	defer mu.RUnlock()
	return tensor.Buffer{DType: t.dtype, Data: t.data[uint64(id)*uint64(t.rowBytes):]}.Element(0)
}

// featureService is the server half of the feature store protocol.
//
// Pull request payload: [domain]u64, name bytes, [ids]u64.
// Pull response payload: one buffer of len(ids) rows in request order.
// Push request payload: [domain]u64, name bytes, [ids]u64, row buffer.
// Push response payload: empty ack.
type featureService struct {
	store *FeatureStore
}

func (s *featureService) register(d *Dispatcher) {
	d.Register(SvcFeaturePull, s.handlePull)
	d.Register(SvcFeaturePush, s.handlePush)
}

func encodeFeatureAddr(domain Domain, name string, ids []LocalID) []tensor.Buffer {
	raw := make([]uint64, len(ids))
	for i, id := range ids {
		raw[i] = uint64(id)
	}
	return []tensor.Buffer{
		tensor.FromUint64s([]uint64{uint64(domain)}),
		tensor.FromBytes([]byte(name)),
		tensor.FromUint64s(raw),
	}
}

func decodeFeatureAddr(bufs []tensor.Buffer) (Domain, string, []LocalID, error) {
	if len(bufs) < 3 {
		return 0, "", nil, fmt.Errorf("%w: want >=3 buffers, got %d", ErrBadResponse, len(bufs))
	}
	meta, err := bufs[0].Uint64s()
	if err != nil || len(meta) != 1 {
		return 0, "", nil, fmt.Errorf("%w: bad domain buffer", ErrBadResponse)
	}
	name := string(bufs[1].Data)
	raw, err := bufs[2].Uint64s()
	if err != nil {
		return 0, "", nil, fmt.Errorf("%w: bad id buffer", ErrBadResponse)
	}
	ids := make([]LocalID, len(raw))
	for i, v := range raw {
		ids[i] = LocalID(v)
	}
	return Domain(meta[0]), name, ids, nil
}

func (s *featureService) handlePull(_ context.Context, req *Request) ([]tensor.Buffer, error) {
	domain, name, ids, err := decodeFeatureAddr(req.Buffers)
	if err != nil {
		return nil, err
	}
	t, err := s.store.Table(domain, name)
	if err != nil {
		return nil, err
	}
	rows, err := t.Pull(ids)
	if err != nil {
		return nil, err
	}
	return []tensor.Buffer{rows}, nil
}

func (s *featureService) handlePush(_ context.Context, req *Request) ([]tensor.Buffer, error) {
	domain, name, ids, err := decodeFeatureAddr(req.Buffers)
	if err != nil {
		return nil, err
	}
	if len(req.Buffers) != 4 {
		return nil, fmt.Errorf("%w: push wants 4 buffers, got %d", ErrBadResponse, len(req.Buffers))
	}
	t, err := s.store.Table(domain, name)
	if err != nil {
		return nil, err
	}
	if err := t.Push(ids, req.Buffers[3]); err != nil {
		return nil, err
	}
	return nil, nil
}
