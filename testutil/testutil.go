package testutil

import (
	"context"
	"encoding/binary"
	"math"
	"math/rand"
	"sync"

	"github.com/hupe1980/ntuple/storage"
	"github.com/stretchr/testify/require"
)

// PageElements is the number of px elements per written page.
const PageElements = 4

// RNG struct encapsulates the random number generator and seed.
// It is thread-safe.
type RNG struct {
	rand *rand.Rand
	seed int64
	mu   sync.Mutex
}

// NewRNG creates a new RNG instance with the specified seed.
func NewRNG(seed int64) *RNG {
	return &RNG{
		rand: rand.New(rand.NewSource(seed)),
		seed: seed,
	}
}

// Seed returns the initial seed.
func (r *RNG) Seed() int64 {
	return r.seed
}

// Intn returns a non-negative pseudo-random number in [0,n).
func (r *RNG) Intn(n int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rand.Intn(n)
}

// FillUniformRange fills dst with random values in range [minVal, maxVal).
func (r *RNG) FillUniformRange(dst []float32, minVal, maxVal float32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	span := maxVal - minVal
	for i := range dst {
		dst[i] = minVal + r.rand.Float32()*span
	}
}

// Dataset is a generated ntuple with a float field px and a collection
// field jets holding the floats jets.pt.
type Dataset struct {
	PX   []float32
	Jets [][]float32
	// ClusterEnds holds the exclusive last entry of every cluster.
	ClusterEnds []int
}

// NewDataset generates clusterEnds[len-1] entries split into clusters
// ending at clusterEnds.
func NewDataset(rng *RNG, clusterEnds ...int) *Dataset {
	n := 0
	if len(clusterEnds) > 0 {
		n = clusterEnds[len(clusterEnds)-1]
	}
	d := &Dataset{
		PX:          make([]float32, n),
		Jets:        make([][]float32, n),
		ClusterEnds: clusterEnds,
	}
	rng.FillUniformRange(d.PX, -100, 100)
	for i := range d.Jets {
		d.Jets[i] = make([]float32, rng.Intn(4))
		rng.FillUniformRange(d.Jets[i], 0, 500)
	}
	return d
}

// NEntries returns the number of entries of the first nClusters clusters.
func (d *Dataset) NEntries(nClusters int) int {
	if nClusters == 0 {
		return 0
	}
	return d.ClusterEnds[nClusters-1]
}

// Model returns the schema of a Dataset. Field ids: px 0, jets 1, jets.pt 2.
func Model() *storage.Model {
	m := storage.NewModel()
	m.SetDescription("generated events")
	if err := m.AddField(&storage.Field{Name: "px", TypeName: "float", Columns: []storage.ElementType{storage.ElementReal32}}); err != nil {
		panic(err)
	}
	if err := m.AddField(&storage.Field{
		Name:     "jets",
		TypeName: "std::vector<float>",
		Columns:  []storage.ElementType{storage.ElementIndex64},
		SubFields: []*storage.Field{
			{Name: "pt", TypeName: "float", Columns: []storage.ElementType{storage.ElementReal32}},
		},
	}); err != nil {
		panic(err)
	}
	return m
}

// Columns are the handles of a Dataset's columns in a sink or source.
type Columns struct {
	PX, Jets, PT storage.ColumnHandle
}

type columnAdder interface {
	AddColumn(fieldID storage.DescriptorID, column *storage.Column) (storage.ColumnHandle, error)
}

// AddColumns adds the columns of a Dataset to a sink or source.
func AddColumns(tb require.TestingT, a columnAdder) Columns {
	var (
		c   Columns
		err error
	)
	c.PX, err = a.AddColumn(0, storage.NewColumn(storage.ElementReal32, 0))
	require.NoError(tb, err)
	c.Jets, err = a.AddColumn(1, storage.NewColumn(storage.ElementIndex64, 0))
	require.NoError(tb, err)
	c.PT, err = a.AddColumn(2, storage.NewColumn(storage.ElementReal32, 0))
	require.NoError(tb, err)
	return c
}

func clusterStart(d *Dataset, k int) int {
	if k == 0 {
		return 0
	}
	return d.ClusterEnds[k-1]
}

// PageCommitter is the part of a sink CommitPages writes through.
type PageCommitter interface {
	CommitPage(ctx context.Context, h storage.ColumnHandle, page storage.Page) error
}

// CommitPages commits the pages of cluster k without committing the cluster.
// It returns the entry count to pass to CommitCluster.
func (d *Dataset) CommitPages(tb require.TestingT, ctx context.Context, s PageCommitter, c Columns, k int) storage.NTupleSize {
	from, to := clusterStart(d, k), d.ClusterEnds[k]
	for start := from; start < to; start += PageElements {
		end := min(start+PageElements, to)
		require.NoError(tb, s.CommitPage(ctx, c.PX, realPage(c.PX, d.PX[start:end])))
	}

	var (
		offsets []uint64
		pt      []float32
	)
	for i := from; i < to; i++ {
		pt = append(pt, d.Jets[i]...)
		offsets = append(offsets, uint64(len(pt)))
	}
	require.NoError(tb, s.CommitPage(ctx, c.Jets, indexPage(c.Jets, offsets)))
	require.NoError(tb, s.CommitPage(ctx, c.PT, realPage(c.PT, pt)))
	return storage.NTupleSize(to)
}

// Write writes the whole dataset to backend and commits it. A cluster group
// is committed every clustersPerGroup clusters (0 means a single group).
func (d *Dataset) Write(tb require.TestingT, backend storage.SinkBackend, clustersPerGroup int, opts ...storage.WriteOption) *storage.Descriptor {
	ctx := context.Background()
	s := storage.NewPageSink("events", backend, opts...)
	require.NoError(tb, s.Create(ctx, Model()))
	c := AddColumns(tb, s)

	for k := range d.ClusterEnds {
		_, err := s.CommitCluster(ctx, d.CommitPages(tb, ctx, s, c, k))
		require.NoError(tb, err)
		if clustersPerGroup > 0 && (k+1)%clustersPerGroup == 0 {
			require.NoError(tb, s.CommitClusterGroup(ctx))
		}
	}
	require.NoError(tb, s.CommitDataset(ctx))
	desc := s.Descriptor()
	require.NoError(tb, s.Close())
	return desc
}

// Verify checks that src holds exactly the first nClusters clusters.
func (d *Dataset) Verify(tb require.TestingT, src *storage.PageSource, nClusters int) {
	ctx := context.Background()
	n := d.NEntries(nClusters)
	require.Equal(tb, storage.NTupleSize(n), src.NEntries())

	c := AddColumns(tb, src)
	defer func() {
		src.DropColumn(c.PX)
		src.DropColumn(c.Jets)
		src.DropColumn(c.PT)
	}()

	r := reader{tb: tb, ctx: ctx, src: src}
	defer r.release()

	var ptIndex storage.NTupleSize
	k := 0
	for i := range n {
		for i >= d.ClusterEnds[k] {
			k++
		}
		gi := storage.NTupleSize(i)
		require.Equal(tb, d.PX[i], math.Float32frombits(binary.NativeEndian.Uint32(r.element(0, c.PX, gi))), "px of entry %d", i)

		var local uint64
		for j := clusterStart(d, k); j <= i; j++ {
			local += uint64(len(d.Jets[j]))
		}
		require.Equal(tb, local, binary.NativeEndian.Uint64(r.element(1, c.Jets, gi)), "jets offset of entry %d", i)

		for _, want := range d.Jets[i] {
			require.Equal(tb, want, math.Float32frombits(binary.NativeEndian.Uint32(r.element(2, c.PT, ptIndex))), "pt %d", ptIndex)
			ptIndex++
		}
	}
}

// reader keeps the current page of up to three columns.
type reader struct {
	tb    require.TestingT
	ctx   context.Context
	src   *storage.PageSource
	pages [3]storage.Page
}

func (r *reader) element(slot int, h storage.ColumnHandle, gi storage.NTupleSize) []byte {
	p := &r.pages[slot]
	if p.IsNull() || !p.Contains(gi) {
		if !p.IsNull() {
			require.NoError(r.tb, r.src.ReleasePage(*p))
		}
		page, err := r.src.PopulatePage(r.ctx, h, gi)
		require.NoError(r.tb, err)
		*p = page
	}
	return p.Element(gi)
}

func (r *reader) release() {
	for _, p := range r.pages {
		if !p.IsNull() {
			_ = r.src.ReleasePage(p)
		}
	}
}

func realPage(h storage.ColumnHandle, values []float32) storage.Page {
	p := storage.NewPage(h.PhysicalID, make([]byte, 4*len(values)), 4, len(values))
	for _, v := range values {
		binary.NativeEndian.PutUint32(p.GrowUnchecked(1), math.Float32bits(v))
	}
	return p
}

func indexPage(h storage.ColumnHandle, values []uint64) storage.Page {
	p := storage.NewPage(h.PhysicalID, make([]byte, 8*len(values)), 8, len(values))
	for _, v := range values {
		binary.NativeEndian.PutUint64(p.GrowUnchecked(1), v)
	}
	return p
}
