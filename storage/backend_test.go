package storage

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// memBackend keeps every sealed page and envelope as a separate object.
type memBackend struct {
	mu      sync.Mutex
	objects map[string][]byte
	header  []byte
	footer  []byte
	nPages  int
	nGroups int
	staged  uint64
	fail    map[string]error
	reads   int
}

func newMemBackend() *memBackend {
	return &memBackend{objects: make(map[string][]byte), fail: make(map[string]error)}
}

func (b *memBackend) failOn(op string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		delete(b.fail, op)
		return
	}
	b.fail[op] = err
}

func (b *memBackend) readCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.reads
}

func (b *memBackend) Create(_ context.Context, header Envelope) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.fail["create"]; err != nil {
		return err
	}
	b.header = bytes.Clone(header.Bytes)
	return nil
}

func (b *memBackend) CommitSealedPage(_ context.Context, _ DescriptorID, sealed SealedPage) (Locator, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.fail["page"]; err != nil {
		return Locator{}, err
	}
	name := fmt.Sprintf("page-%d", b.nPages)
	b.nPages++
	b.objects[name] = bytes.Clone(sealed.Bytes())
	b.staged += uint64(sealed.Size)
	return Locator{Type: LocatorObject, Object: name, Size: sealed.Size}, nil
}

func (b *memBackend) CommitCluster(context.Context, NTupleSize) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.fail["cluster"]; err != nil {
		return 0, err
	}
	n := b.staged
	b.staged = 0
	return n, nil
}

func (b *memBackend) CommitClusterGroup(_ context.Context, env Envelope) (Locator, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.fail["group"]; err != nil {
		return Locator{}, err
	}
	name := fmt.Sprintf("pagelist-%d", b.nGroups)
	b.nGroups++
	b.objects[name] = bytes.Clone(env.Bytes)
	return Locator{Type: LocatorObject, Object: name, Size: uint32(len(env.Bytes))}, nil
}

func (b *memBackend) CommitDataset(_ context.Context, env Envelope) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.fail["dataset"]; err != nil {
		return err
	}
	b.footer = bytes.Clone(env.Bytes)
	return nil
}

func (b *memBackend) Attach(context.Context) (*Descriptor, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.footer == nil {
		return nil, ErrNoDataset
	}
	return ReadDescriptor(DescriptorReader{
		Header: func() ([]byte, error) { return b.header, nil },
		Footer: func() ([]byte, error) { return b.footer, nil },
		PageList: func(loc Locator, _ uint64) ([]byte, error) {
			data, ok := b.objects[loc.Object]
			if !ok {
				return nil, fmt.Errorf("missing object %s", loc.Object)
			}
			return data, nil
		},
	})
}

func (b *memBackend) ReadV(_ context.Context, reqs []ReadRequest) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.fail["read"]; err != nil {
		return err
	}
	b.reads++
	for _, r := range reqs {
		data, ok := b.objects[r.Locator.Object]
		if !ok {
			return fmt.Errorf("missing object %s", r.Locator.Object)
		}
		copy(r.Buffer, data[r.Locator.Position:r.Locator.Position+uint64(r.Locator.Size)])
	}
	return nil
}

func (b *memBackend) Clone() (SourceBackend, error) { return b, nil }

func (b *memBackend) Close() error { return nil }

// vBackend commits page batches in one call.
type vBackend struct {
	*memBackend
	vCalls int
}

func (b *vBackend) CommitSealedPageV(ctx context.Context, groups []SealedPageGroup) ([]Locator, error) {
	b.vCalls++
	var locs []Locator
	for _, g := range groups {
		for _, p := range g.Pages {
			loc, err := b.memBackend.CommitSealedPage(ctx, g.PhysicalColumnID, p)
			if err != nil {
				return nil, err
			}
			locs = append(locs, loc)
		}
	}
	return locs, nil
}

// mappedBackend exposes stored pages without copying.
type mappedBackend struct {
	*memBackend
}

func (b *mappedBackend) MapBlob(loc Locator) ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.objects[loc.Object]
	if !ok {
		return nil, false
	}
	return data[loc.Position : loc.Position+uint64(loc.Size)], true
}

func (b *mappedBackend) Clone() (SourceBackend, error) { return b, nil }

// Field ids: px 0, jets 1, jets.pt 2, ok 3, alias_px 4.
// Column ids: px 0, jets 1, jets.pt 2, ok 3, alias_px 4 (physical 0).
func testModel(t *testing.T) *Model {
	t.Helper()
	m := NewModel()
	m.SetDescription("test events")
	require.NoError(t, m.AddField(&Field{Name: "px", TypeName: "float", Columns: []ElementType{ElementReal32}}))
	require.NoError(t, m.AddField(&Field{
		Name:     "jets",
		TypeName: "std::vector<float>",
		Columns:  []ElementType{ElementIndex64},
		SubFields: []*Field{
			{Name: "pt", TypeName: "float", Columns: []ElementType{ElementReal32}},
		},
	}))
	require.NoError(t, m.AddField(&Field{Name: "ok", TypeName: "bool", Columns: []ElementType{ElementBit}}))
	require.NoError(t, m.AddProjectedField("alias_px", "px"))
	return m
}

type testColumns struct {
	px, jets, pt, ok ColumnHandle
}

func addTestColumns(t *testing.T, s *PageSink) testColumns {
	t.Helper()
	var c testColumns
	var err error
	c.px, err = s.AddColumn(0, NewColumn(ElementReal32, 0))
	require.NoError(t, err)
	c.jets, err = s.AddColumn(1, NewColumn(ElementIndex64, 0))
	require.NoError(t, err)
	c.pt, err = s.AddColumn(2, NewColumn(ElementReal32, 0))
	require.NoError(t, err)
	c.ok, err = s.AddColumn(3, NewColumn(ElementBit, 0))
	require.NoError(t, err)
	return c
}

func realPage(h ColumnHandle, values ...float32) Page {
	p := NewPage(h.PhysicalID, make([]byte, 4*len(values)), 4, len(values))
	for _, v := range values {
		binary.NativeEndian.PutUint32(p.GrowUnchecked(1), math.Float32bits(v))
	}
	return p
}

func indexPage(h ColumnHandle, values ...uint64) Page {
	p := NewPage(h.PhysicalID, make([]byte, 8*len(values)), 8, len(values))
	for _, v := range values {
		binary.NativeEndian.PutUint64(p.GrowUnchecked(1), v)
	}
	return p
}

func bitPage(h ColumnHandle, values ...bool) Page {
	p := NewPage(h.PhysicalID, make([]byte, len(values)), 1, len(values))
	for _, v := range values {
		b := p.GrowUnchecked(1)
		if v {
			b[0] = 1
		}
	}
	return p
}

func real32At(p Page, globalIndex NTupleSize) float32 {
	return math.Float32frombits(binary.NativeEndian.Uint32(p.Element(globalIndex)))
}

func pxValue(i int) float32 { return float32(i) * 1.5 }

// writeEntries commits entries [from, to) of the test model, with px split
// into pages of at most three elements. Entry i has i%3 jets with pt = i.
func writeEntries(t *testing.T, ctx context.Context, s *PageSink, c testColumns, from, to int) {
	t.Helper()
	for start := from; start < to; start += 3 {
		var px []float32
		for i := start; i < min(start+3, to); i++ {
			px = append(px, pxValue(i))
		}
		require.NoError(t, s.CommitPage(ctx, c.px, realPage(c.px, px...)))
	}

	var offsets []uint64
	var pt []float32
	var ok []bool
	for i := from; i < to; i++ {
		for range i % 3 {
			pt = append(pt, float32(i))
		}
		offsets = append(offsets, uint64(len(pt)))
		ok = append(ok, i%2 == 0)
	}
	require.NoError(t, s.CommitPage(ctx, c.jets, indexPage(c.jets, offsets...)))
	require.NoError(t, s.CommitPage(ctx, c.pt, realPage(c.pt, pt...)))
	require.NoError(t, s.CommitPage(ctx, c.ok, bitPage(c.ok, ok...)))
}

// writeTestDataset writes ten entries in clusters [0,4) and [4,10), in one
// cluster group, and commits the dataset.
func writeTestDataset(t *testing.T, backend SinkBackend, opts ...WriteOption) *Descriptor {
	t.Helper()
	ctx := context.Background()
	s := NewPageSink("events", backend, opts...)
	require.NoError(t, s.Create(ctx, testModel(t)))
	c := addTestColumns(t, s)

	writeEntries(t, ctx, s, c, 0, 4)
	_, err := s.CommitCluster(ctx, 4)
	require.NoError(t, err)
	writeEntries(t, ctx, s, c, 4, 10)
	_, err = s.CommitCluster(ctx, 10)
	require.NoError(t, err)
	require.NoError(t, s.CommitDataset(ctx))
	return s.Descriptor()
}

func openTestSource(t *testing.T, backend SourceBackend, opts ...ReadOption) *PageSource {
	t.Helper()
	src, err := NewPageSource("events", backend, opts...)
	require.NoError(t, err)
	require.NoError(t, src.Attach(context.Background()))
	t.Cleanup(func() { _ = src.Close() })
	return src
}
