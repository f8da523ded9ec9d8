package persist

import (
	"encoding/binary"
	"errors"
	"math"
	"slices"

	"github.com/54b3r/ragcore/internal/memory"
	"github.com/54b3r/ragcore/internal/rag"
)

var le = binary.LittleEndian

var errShort = errors.New("record truncated")

// encoder appends entry records to buf.
type encoder struct {
	buf []byte
}

func (e *encoder) u32(v uint32) { e.buf = le.AppendUint32(e.buf, v) }
func (e *encoder) u64(v uint64) { e.buf = le.AppendUint64(e.buf, v) }

func (e *encoder) str(s string) {
	e.u32(uint32(len(s)))
	e.buf = append(e.buf, s...)
}

// entry layout: id, documentId, sourcePath, contentType, text, index,
// tokenCount, startOffset, endOffset, line flag [+ start, end], attribute
// count, sorted attribute pairs, then dimension float32s.
func (e *encoder) entry(ent rag.IndexEntry) {
	c := ent.Chunk
	e.str(c.ID)
	e.str(c.DocumentID)
	e.str(c.SourcePath)
	e.str(c.ContentType)
	e.str(c.Text)
	e.u32(uint32(c.Index))
	e.u32(uint32(c.TokenCount))
	e.u64(uint64(c.StartOffset))
	e.u64(uint64(c.EndOffset))
	if c.Lines != nil {
		e.buf = append(e.buf, 1)
		e.u32(uint32(c.Lines.Start))
		e.u32(uint32(c.Lines.End))
	} else {
		e.buf = append(e.buf, 0)
	}

	keys := make([]string, 0, len(c.Attributes))
	for k := range c.Attributes {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	e.u32(uint32(len(keys)))
	for _, k := range keys {
		e.str(k)
		e.str(c.Attributes[k])
	}

	for _, x := range ent.Embedding {
		e.u32(math.Float32bits(x))
	}
}

// decoder consumes entry records from buf. Every read is bounds-checked.
type decoder struct {
	buf []byte
}

func (d *decoder) take(n uint64) ([]byte, error) {
	if n > uint64(len(d.buf)) {
		return nil, errShort
	}
	b := d.buf[:n]
	d.buf = d.buf[n:]
	return b, nil
}

func (d *decoder) u8() (byte, error) {
	b, err := d.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (d *decoder) u32() (uint32, error) {
	b, err := d.take(4)
	if err != nil {
		return 0, err
	}
	return le.Uint32(b), nil
}

func (d *decoder) u64() (uint64, error) {
	b, err := d.take(8)
	if err != nil {
		return 0, err
	}
	return le.Uint64(b), nil
}

func (d *decoder) str() (string, error) {
	n, err := d.u32()
	if err != nil {
		return "", err
	}
	b, err := d.take(uint64(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (d *decoder) entry(dim int) (rag.IndexEntry, error) {
	var (
		c   rag.Chunk
		err error
	)
	strs := []*string{&c.ID, &c.DocumentID, &c.SourcePath, &c.ContentType, &c.Text}
	for _, p := range strs {
		if *p, err = d.str(); err != nil {
			return rag.IndexEntry{}, err
		}
	}

	var u32s [2]uint32
	for i := range u32s {
		if u32s[i], err = d.u32(); err != nil {
			return rag.IndexEntry{}, err
		}
	}
	c.Index, c.TokenCount = int(u32s[0]), int(u32s[1])

	var u64s [2]uint64
	for i := range u64s {
		if u64s[i], err = d.u64(); err != nil {
			return rag.IndexEntry{}, err
		}
	}
	c.StartOffset, c.EndOffset = int(u64s[0]), int(u64s[1])

	flag, err := d.u8()
	if err != nil {
		return rag.IndexEntry{}, err
	}
	switch flag {
	case 0:
	case 1:
		start, err := d.u32()
		if err != nil {
			return rag.IndexEntry{}, err
		}
		end, err := d.u32()
		if err != nil {
			return rag.IndexEntry{}, err
		}
		c.Lines = &rag.LineRange{Start: int(start), End: int(end)}
	default:
		return rag.IndexEntry{}, errors.New("invalid line range flag")
	}

	n, err := d.u32()
	if err != nil {
		return rag.IndexEntry{}, err
	}
	if uint64(n)*8 > uint64(len(d.buf)) {
		return rag.IndexEntry{}, errShort
	}
	if n > 0 {
		c.Attributes = make(map[string]string, n)
		for range n {
			k, err := d.str()
			if err != nil {
				return rag.IndexEntry{}, err
			}
			v, err := d.str()
			if err != nil {
				return rag.IndexEntry{}, err
			}
			c.Attributes[k] = v
		}
	}

	raw, err := d.take(uint64(dim) * 4)
	if err != nil {
		return rag.IndexEntry{}, err
	}
	vec := make([]float32, dim)
	for i := range vec {
		vec[i] = math.Float32frombits(le.Uint32(raw[4*i:]))
	}

	ent := rag.IndexEntry{Chunk: c, Embedding: vec}
	ent.EstimatedBytes = memory.EstimateBytes(ent)
	return ent, nil
}
