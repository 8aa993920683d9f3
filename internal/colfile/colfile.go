// Package colfile implements the columnar backing file used to persist
// simulation objects.
//
// A file holds named, growable dimensions and named, typed variables keyed
// by those dimensions. The file itself is a single append-only record log;
// the full column index is rebuilt in memory when the file is opened, and
// random access is served from that index. This matches the single-writer,
// append-mostly workload of a running simulation: one process appends, any
// number of read-only followers can re-scan the tail (see [File.Refresh]).
package colfile

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// magic identifies a pathstore columnar file.
var magic = [4]byte{'P', 'S', 'C', 'F'}

const formatVersion = 1

// Record kinds in the append log.
const (
	kindDim    = 1 // dimension created
	kindGrow   = 2 // dimension grown
	kindVar    = 3 // variable declared
	kindPut    = 4 // value written at (variable, index)
	kindSchema = 5 // self-describing schema document
)

// Payload flags.
const flagZstd = 1 << 0

var (
	// ErrBadFormat is returned when the file is not a columnar file or is
	// from an incompatible version.
	ErrBadFormat = errors.New("colfile: bad file format")
	// ErrReadOnly is returned for mutations on a read-only file.
	ErrReadOnly = errors.New("colfile: file is read-only")
	// ErrShrink is returned when a dimension grow would reduce its length.
	ErrShrink = errors.New("colfile: dimensions cannot shrink")
)

// File is an open columnar file.
//
// All mutations must come from a single writer. Reads are guarded by the
// same lock and are safe from multiple goroutines.
type File struct {
	path     string
	readOnly bool

	mu     sync.RWMutex
	f      *os.File
	woff   int64 // offset of the next record to scan or append
	dims   map[string]int
	vars   map[string]*Variable
	order  []string // variable declaration order
	schema []byte

	enc *zstd.Encoder
	dec *zstd.Decoder
}

// Create creates a new columnar file at path, failing if it already exists.
func Create(path string) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("colfile: create %s: %w", path, err)
	}
	hdr := make([]byte, 6)
	copy(hdr, magic[:])
	binary.LittleEndian.PutUint16(hdr[4:], formatVersion)
	if _, err := f.Write(hdr); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("colfile: write header: %w", err)
	}
	cf, err := newFile(path, f, false)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	cf.woff = int64(len(hdr))
	return cf, nil
}

// Open opens an existing file for appending. The whole record log is
// scanned to rebuild the column index; a partial trailing record (from a
// crashed writer) is truncated.
func Open(path string) (*File, error) {
	return open(path, false)
}

// OpenReadOnly opens an existing file for reading. Partial trailing records
// are skipped, not truncated, so a live writer is not disturbed; call
// [File.Refresh] to pick up appended records later.
func OpenReadOnly(path string) (*File, error) {
	return open(path, true)
}

func open(path string, readOnly bool) (*File, error) {
	flags := os.O_RDWR
	if readOnly {
		flags = os.O_RDONLY
	}
	f, err := os.OpenFile(path, flags, 0)
	if err != nil {
		return nil, fmt.Errorf("colfile: open %s: %w", path, err)
	}
	cf, err := newFile(path, f, readOnly)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	if err := cf.readHeader(); err != nil {
		_ = f.Close()
		return nil, err
	}
	if err := cf.scan(); err != nil {
		_ = f.Close()
		return nil, err
	}
	if !readOnly {
		// Drop a partial trailing record before appending after it.
		if err := f.Truncate(cf.woff); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("colfile: truncate partial tail: %w", err)
		}
	}
	return cf, nil
}

func newFile(path string, f *os.File, readOnly bool) (*File, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("colfile: init decompressor: %w", err)
	}
	cf := &File{
		path:     path,
		readOnly: readOnly,
		f:        f,
		dims:     map[string]int{},
		vars:     map[string]*Variable{},
		dec:      dec,
	}
	if !readOnly {
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			dec.Close()
			return nil, fmt.Errorf("colfile: init compressor: %w", err)
		}
		cf.enc = enc
	}
	return cf, nil
}

func (cf *File) readHeader() error {
	hdr := make([]byte, 6)
	if _, err := io.ReadFull(cf.f, hdr); err != nil {
		return fmt.Errorf("%w: short header", ErrBadFormat)
	}
	if [4]byte(hdr[:4]) != magic {
		return fmt.Errorf("%w: bad magic", ErrBadFormat)
	}
	if v := binary.LittleEndian.Uint16(hdr[4:]); v != formatVersion {
		return fmt.Errorf("%w: unsupported version %d", ErrBadFormat, v)
	}
	cf.woff = int64(len(hdr))
	return nil
}

// Path returns the on-disk path of the file.
func (cf *File) Path() string {
	return cf.path
}

// Close flushes and releases the file handle.
func (cf *File) Close() error {
	cf.mu.Lock()
	defer cf.mu.Unlock()
	if cf.f == nil {
		return nil
	}
	var err error
	if !cf.readOnly {
		err = cf.f.Sync()
	}
	if cerr := cf.f.Close(); err == nil {
		err = cerr
	}
	cf.f = nil
	if cf.enc != nil {
		_ = cf.enc.Close()
	}
	cf.dec.Close()
	return err
}

// Sync flushes written records to stable storage.
func (cf *File) Sync() error {
	cf.mu.Lock()
	defer cf.mu.Unlock()
	if cf.readOnly {
		return ErrReadOnly
	}
	return cf.f.Sync()
}

// CreateDimension declares a new growable dimension.
func (cf *File) CreateDimension(name string, length int) error {
	cf.mu.Lock()
	defer cf.mu.Unlock()
	if cf.readOnly {
		return ErrReadOnly
	}
	if _, ok := cf.dims[name]; ok {
		return fmt.Errorf("colfile: dimension %q already exists", name)
	}
	body := appendString(nil, name)
	body = appendInt32(body, int32(length))
	if err := cf.appendRecord(kindDim, body); err != nil {
		return err
	}
	cf.dims[name] = length
	return nil
}

// Dimension returns the current length of a dimension.
func (cf *File) Dimension(name string) (int, bool) {
	cf.mu.RLock()
	defer cf.mu.RUnlock()
	n, ok := cf.dims[name]
	return n, ok
}

// GrowDimension extends a dimension to the given length. Growing is the
// only structural mutation a dimension supports.
func (cf *File) GrowDimension(name string, to int) error {
	cf.mu.Lock()
	defer cf.mu.Unlock()
	return cf.growLocked(name, to)
}

func (cf *File) growLocked(name string, to int) error {
	if cf.readOnly {
		return ErrReadOnly
	}
	cur, ok := cf.dims[name]
	if !ok {
		return fmt.Errorf("colfile: unknown dimension %q", name)
	}
	if to < cur {
		return fmt.Errorf("%w: %q %d -> %d", ErrShrink, name, cur, to)
	}
	if to == cur {
		return nil
	}
	body := appendString(nil, name)
	body = appendInt32(body, int32(to))
	if err := cf.appendRecord(kindGrow, body); err != nil {
		return err
	}
	cf.dims[name] = to
	return nil
}

// CreateVariable declares a new variable. The first dimension is the record
// dimension the variable is indexed by; any further dimensions describe the
// per-record array shape. chunk is the size in bytes above which string and
// array payloads are compressed.
func (cf *File) CreateVariable(name string, typ ElemType, dims []string, unit string, chunk int) (*Variable, error) {
	cf.mu.Lock()
	defer cf.mu.Unlock()
	if cf.readOnly {
		return nil, ErrReadOnly
	}
	if _, ok := cf.vars[name]; ok {
		return nil, fmt.Errorf("colfile: variable %q already exists", name)
	}
	if !typ.valid() {
		return nil, fmt.Errorf("colfile: unknown element type %q", typ)
	}
	if len(dims) == 0 {
		return nil, fmt.Errorf("colfile: variable %q needs at least one dimension", name)
	}
	for _, d := range dims {
		if _, ok := cf.dims[d]; !ok {
			return nil, fmt.Errorf("colfile: variable %q: unknown dimension %q", name, d)
		}
	}
	body := appendString(nil, name)
	body = appendString(body, string(typ))
	body = append(body, byte(len(dims)))
	for _, d := range dims {
		body = appendString(body, d)
	}
	body = appendString(body, unit)
	body = appendInt32(body, int32(chunk))
	if err := cf.appendRecord(kindVar, body); err != nil {
		return nil, err
	}
	v := cf.addVariable(name, typ, dims, unit, chunk)
	return v, nil
}

func (cf *File) addVariable(name string, typ ElemType, dims []string, unit string, chunk int) *Variable {
	v := &Variable{
		file:  cf,
		name:  name,
		typ:   typ,
		dims:  dims,
		unit:  unit,
		chunk: chunk,
		rows:  map[int][]byte{},
	}
	cf.vars[name] = v
	cf.order = append(cf.order, name)
	return v
}

// Variable returns a declared variable by name.
func (cf *File) Variable(name string) (*Variable, bool) {
	cf.mu.RLock()
	defer cf.mu.RUnlock()
	v, ok := cf.vars[name]
	return v, ok
}

// Variables returns the names of all variables in declaration order.
func (cf *File) Variables() []string {
	cf.mu.RLock()
	defer cf.mu.RUnlock()
	out := make([]string, len(cf.order))
	copy(out, cf.order)
	return out
}

// SetSchema stores a self-describing schema document in the file. The last
// written document wins.
func (cf *File) SetSchema(doc []byte) error {
	cf.mu.Lock()
	defer cf.mu.Unlock()
	if cf.readOnly {
		return ErrReadOnly
	}
	payload, flags := cf.maybeCompress(doc, 0)
	body := append([]byte{flags}, payload...)
	if err := cf.appendRecord(kindSchema, body); err != nil {
		return err
	}
	cf.schema = doc
	return nil
}

// Schema returns the stored schema document, or nil if none was written.
func (cf *File) Schema() []byte {
	cf.mu.RLock()
	defer cf.mu.RUnlock()
	return cf.schema
}

// Refresh scans records appended by another process since the file was
// opened (or last refreshed). Only meaningful for read-only files.
func (cf *File) Refresh() error {
	cf.mu.Lock()
	defer cf.mu.Unlock()
	return cf.scanLocked()
}

func (cf *File) scan() error {
	cf.mu.Lock()
	defer cf.mu.Unlock()
	return cf.scanLocked()
}

// scanLocked reads complete records starting at woff and applies them to
// the in-memory index. It stops silently at a partial record, leaving woff
// at its start so a later Refresh can retry.
func (cf *File) scanLocked() error {
	for {
		frame := make([]byte, 5)
		if _, err := cf.f.ReadAt(frame, cf.woff); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil
			}
			return fmt.Errorf("colfile: scan: %w", err)
		}
		kind := frame[0]
		size := binary.LittleEndian.Uint32(frame[1:])
		body := make([]byte, size)
		if _, err := cf.f.ReadAt(body, cf.woff+5); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil
			}
			return fmt.Errorf("colfile: scan: %w", err)
		}
		if err := cf.apply(kind, body); err != nil {
			return err
		}
		cf.woff += 5 + int64(size)
	}
}

func (cf *File) apply(kind byte, body []byte) error {
	r := reader{buf: body}
	switch kind {
	case kindDim:
		name := r.string()
		length := r.int32()
		if r.err != nil {
			return fmt.Errorf("colfile: corrupt dimension record: %w", r.err)
		}
		cf.dims[name] = int(length)
	case kindGrow:
		name := r.string()
		to := r.int32()
		if r.err != nil {
			return fmt.Errorf("colfile: corrupt grow record: %w", r.err)
		}
		if int(to) > cf.dims[name] {
			cf.dims[name] = int(to)
		}
	case kindVar:
		name := r.string()
		typ := ElemType(r.string())
		n := r.byte()
		dims := make([]string, n)
		for i := range dims {
			dims[i] = r.string()
		}
		unit := r.string()
		chunk := r.int32()
		if r.err != nil {
			return fmt.Errorf("colfile: corrupt variable record: %w", r.err)
		}
		cf.addVariable(name, typ, dims, unit, int(chunk))
	case kindPut:
		name := r.string()
		idx := r.int32()
		flags := r.byte()
		payload := r.rest()
		if r.err != nil {
			return fmt.Errorf("colfile: corrupt put record: %w", r.err)
		}
		v, ok := cf.vars[name]
		if !ok {
			return fmt.Errorf("colfile: put for unknown variable %q", name)
		}
		raw, err := cf.maybeDecompress(payload, flags)
		if err != nil {
			return err
		}
		v.rows[int(idx)] = raw
		if d := cf.dims[v.dims[0]]; int(idx) >= d {
			cf.dims[v.dims[0]] = int(idx) + 1
		}
	case kindSchema:
		flags := r.byte()
		payload := r.rest()
		if r.err != nil {
			return fmt.Errorf("colfile: corrupt schema record: %w", r.err)
		}
		raw, err := cf.maybeDecompress(payload, flags)
		if err != nil {
			return err
		}
		cf.schema = raw
	default:
		return fmt.Errorf("%w: unknown record kind %d", ErrBadFormat, kind)
	}
	return nil
}

// put appends a value record and updates the in-memory column. The record
// dimension grows implicitly when idx is past its current length.
func (cf *File) put(v *Variable, idx int, raw []byte) error {
	if cf.readOnly {
		return ErrReadOnly
	}
	if idx < 0 {
		return fmt.Errorf("colfile: negative index %d for %q", idx, v.name)
	}
	payload, flags := cf.maybeCompress(raw, v.chunk)
	body := appendString(nil, v.name)
	body = appendInt32(body, int32(idx))
	body = append(body, flags)
	body = append(body, payload...)
	if err := cf.appendRecord(kindPut, body); err != nil {
		return err
	}
	v.rows[idx] = raw
	if d := cf.dims[v.dims[0]]; idx >= d {
		cf.dims[v.dims[0]] = idx + 1
	}
	return nil
}

func (cf *File) appendRecord(kind byte, body []byte) error {
	frame := make([]byte, 5, 5+len(body))
	frame[0] = kind
	binary.LittleEndian.PutUint32(frame[1:], uint32(len(body)))
	frame = append(frame, body...)
	if _, err := cf.f.WriteAt(frame, cf.woff); err != nil {
		return fmt.Errorf("colfile: append record: %w", err)
	}
	cf.woff += int64(len(frame))
	return nil
}

func (cf *File) maybeCompress(raw []byte, chunk int) ([]byte, byte) {
	if cf.enc == nil || chunk <= 0 || len(raw) < chunk {
		return raw, 0
	}
	return cf.enc.EncodeAll(raw, nil), flagZstd
}

func (cf *File) maybeDecompress(payload []byte, flags byte) ([]byte, error) {
	if flags&flagZstd == 0 {
		return payload, nil
	}
	raw, err := cf.dec.DecodeAll(payload, nil)
	if err != nil {
		return nil, fmt.Errorf("colfile: decompress payload: %w", err)
	}
	return raw, nil
}

// appendString appends a uint16-length-prefixed string.
func appendString(b []byte, s string) []byte {
	b = binary.LittleEndian.AppendUint16(b, uint16(len(s)))
	return append(b, s...)
}

func appendInt32(b []byte, v int32) []byte {
	return binary.LittleEndian.AppendUint32(b, uint32(v))
}

// reader decodes record bodies, remembering the first error.
type reader struct {
	buf []byte
	off int
	err error
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if r.off+n > len(r.buf) {
		r.err = io.ErrUnexpectedEOF
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

func (r *reader) byte() byte {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *reader) int32() int32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return int32(binary.LittleEndian.Uint32(b))
}

func (r *reader) string() string {
	b := r.take(2)
	if b == nil {
		return ""
	}
	n := int(binary.LittleEndian.Uint16(b))
	return string(r.take(n))
}

func (r *reader) rest() []byte {
	if r.err != nil {
		return nil
	}
	b := r.buf[r.off:]
	r.off = len(r.buf)
	return b
}
