package storage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/hupe1980/ntuple/codec"
	"github.com/hupe1980/ntuple/internal/compress"
	"github.com/hupe1980/ntuple/internal/hash"
)

// EnvelopeType identifies the content of an envelope.
type EnvelopeType uint8

const (
	EnvelopeHeader EnvelopeType = iota + 1
	EnvelopePageList
	EnvelopeFooter
)

func (t EnvelopeType) String() string {
	switch t {
	case EnvelopeHeader:
		return "header"
	case EnvelopePageList:
		return "page list"
	case EnvelopeFooter:
		return "footer"
	default:
		return fmt.Sprintf("EnvelopeType(%d)", uint8(t))
	}
}

const (
	envelopeMagic   = 0x4550544E // "NTPE"
	envelopeVersion = 1
)

// Envelope is a serialized metadata record ready to be written by a backend.
//
// Frame (little endian):
//
//	magic u32 | version u16 | type u8 | codec name len u8 | codec name |
//	crc32c u32 (of the encoded payload) | payload len u32 | compressed payload
type Envelope struct {
	Type  EnvelopeType
	Bytes []byte
	// Length is the uncompressed payload length.
	Length uint64
}

// headerPayload is the schema part of the descriptor.
type headerPayload struct {
	Name        string             `json:"name"`
	Description string             `json:"description,omitempty"`
	Fields      []FieldDescriptor  `json:"fields"`
	Columns     []ColumnDescriptor `json:"columns"`
}

// pageListPayload holds the clusters of one cluster group.
type pageListPayload struct {
	Clusters []ClusterDescriptor `json:"clusters"`
}

// footerPayload closes the dataset.
type footerPayload struct {
	HeaderChecksum uint32                   `json:"headerChecksum"`
	NEntries       NTupleSize               `json:"nEntries"`
	ClusterGroups  []ClusterGroupDescriptor `json:"clusterGroups"`
}

func marshalEnvelope(typ EnvelopeType, c codec.Codec, compression int, v any) (Envelope, error) {
	if c == nil {
		c = codec.Default
	}
	payload, err := c.Marshal(v)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s: %w", typ, err)
	}
	if len(payload) > math.MaxUint32 {
		return Envelope{}, fmt.Errorf("encode %s: payload too large (%d bytes)", typ, len(payload))
	}
	name := c.Name()
	if len(name) > math.MaxUint8 {
		return Envelope{}, fmt.Errorf("encode %s: codec name too long", typ)
	}

	prefix := 4 + 2 + 1 + 1 + len(name) + 4 + 4
	buf := make([]byte, prefix, prefix+len(payload))
	binary.LittleEndian.PutUint32(buf[0:], envelopeMagic)
	binary.LittleEndian.PutUint16(buf[4:], envelopeVersion)
	buf[6] = byte(typ)
	buf[7] = byte(len(name))
	copy(buf[8:], name)
	off := 8 + len(name)
	binary.LittleEndian.PutUint32(buf[off:], hash.CRC32C(payload))
	binary.LittleEndian.PutUint32(buf[off+4:], uint32(len(payload)))

	buf, err = compress.Zip(buf, payload, compression)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s: %w", typ, err)
	}
	return Envelope{Type: typ, Bytes: buf, Length: uint64(len(payload))}, nil
}

func unmarshalEnvelope(data []byte, want EnvelopeType, v any) error {
	if len(data) < 8 {
		return fmt.Errorf("%w: %s envelope too short", ErrCorrupt, want)
	}
	if binary.LittleEndian.Uint32(data[0:]) != envelopeMagic {
		return fmt.Errorf("%w: %s envelope has bad magic", ErrCorrupt, want)
	}
	if v := binary.LittleEndian.Uint16(data[4:]); v != envelopeVersion {
		return fmt.Errorf("%w: unsupported envelope version %d", ErrCorrupt, v)
	}
	if got := EnvelopeType(data[6]); got != want {
		return fmt.Errorf("%w: expected %s envelope, got %s", ErrCorrupt, want, got)
	}
	nameLen := int(data[7])
	off := 8 + nameLen
	if len(data) < off+8 {
		return fmt.Errorf("%w: %s envelope truncated", ErrCorrupt, want)
	}
	name := string(data[8:off])
	c, ok := codec.ByName(name)
	if !ok {
		return fmt.Errorf("%w: unknown envelope codec %q", ErrCorrupt, name)
	}
	checksum := binary.LittleEndian.Uint32(data[off:])
	length := int(binary.LittleEndian.Uint32(data[off+4:]))

	payload, err := compress.Unzip(nil, data[off+8:], length)
	if err != nil {
		return fmt.Errorf("%w: %s envelope: %w", ErrCorrupt, want, err)
	}
	if hash.CRC32C(payload) != checksum {
		return fmt.Errorf("%w: %s envelope checksum mismatch", ErrCorrupt, want)
	}
	if err := c.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("%w: decode %s: %w", ErrCorrupt, want, err)
	}
	return nil
}

// DescriptorReader loads the envelopes of a committed ntuple for Attach.
type DescriptorReader struct {
	// Header returns the header envelope.
	Header func() ([]byte, error)
	// Footer returns the footer envelope.
	Footer func() ([]byte, error)
	// PageList returns the page list envelope at loc.
	PageList func(loc Locator, length uint64) ([]byte, error)
}

// ReadDescriptor assembles a descriptor from the envelopes of a committed
// ntuple. Only clusters referenced by the footer become visible.
func ReadDescriptor(r DescriptorReader) (*Descriptor, error) {
	headerBytes, err := r.Header()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	footerBytes, err := r.Footer()
	if err != nil {
		return nil, fmt.Errorf("read footer: %w", err)
	}

	var header headerPayload
	if err := unmarshalEnvelope(headerBytes, EnvelopeHeader, &header); err != nil {
		return nil, err
	}
	var footer footerPayload
	if err := unmarshalEnvelope(footerBytes, EnvelopeFooter, &footer); err != nil {
		return nil, err
	}
	if footer.HeaderChecksum != hash.CRC32C(headerBytes) {
		return nil, fmt.Errorf("%w: footer does not belong to header", ErrCorrupt)
	}

	d := &Descriptor{
		Name:        header.Name,
		Description: header.Description,
		Fields:      header.Fields,
		Columns:     header.Columns,
	}
	if err := d.validateSchema(); err != nil {
		return nil, err
	}

	for i, g := range footer.ClusterGroups {
		if g.ID != DescriptorID(i) {
			return nil, fmt.Errorf("%w: cluster group id %d out of order", ErrCorrupt, g.ID)
		}
		data, err := r.PageList(g.PageListLocator, g.PageListLength)
		if err != nil {
			return nil, fmt.Errorf("read page list %d: %w", g.ID, err)
		}
		var pl pageListPayload
		if err := unmarshalEnvelope(data, EnvelopePageList, &pl); err != nil {
			return nil, err
		}
		if len(pl.Clusters) != len(g.ClusterIDs) {
			return nil, fmt.Errorf("%w: page list %d holds %d clusters, footer lists %d", ErrCorrupt, g.ID, len(pl.Clusters), len(g.ClusterIDs))
		}
		for j, c := range pl.Clusters {
			if c.ID != g.ClusterIDs[j] {
				return nil, fmt.Errorf("%w: page list %d lists cluster %d, footer expects %d", ErrCorrupt, g.ID, c.ID, g.ClusterIDs[j])
			}
			if err := d.appendCluster(c); err != nil {
				return nil, err
			}
		}
		d.ClusterGroups = append(d.ClusterGroups, g)
	}

	if d.NEntries() != footer.NEntries {
		return nil, fmt.Errorf("%w: footer declares %d entries, clusters hold %d", ErrCorrupt, footer.NEntries, d.NEntries())
	}
	return d, nil
}

// ErrNoDataset is returned by backends when no committed dataset exists.
var ErrNoDataset = errors.New("no committed ntuple dataset")
