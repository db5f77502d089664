package storage

import (
	"encoding/binary"
	"fmt"
)

// Record is a typed byte stream over one persisted record. Values are
// read and written in order from the cursor; Flush persists the bytes.
// Fixed-size values use little-endian encoding.
type Record struct {
	store   *Store
	kind    RecordType
	version uint8
	data    []byte
	pos     int
	have    bool
	err     error
}

// Open loads the record of type t, or starts an empty one that is created
// on the first Put
func (s *Store) Open(t RecordType, version uint8) (*Record, error) {
	data, stored, ok, err := s.load(t)
	if err != nil {
		return nil, err
	}
	r := &Record{store: s, kind: t, version: version, data: data, have: ok && len(data) > 0}
	if r.have && stored != version {
		r.version = stored
	}
	return r, nil
}

// HaveRecord reports whether the record exists in the store
func (r *Record) HaveRecord() bool {
	return r.have
}

// Type returns the record type
func (r *Record) Type() RecordType {
	return r.kind
}

// Version returns the stored version, or the requested one for new records
func (r *Record) Version() uint8 {
	return r.version
}

// Len returns the record size in bytes
func (r *Record) Len() int {
	return len(r.data)
}

// Rewind moves the cursor back to the first value
func (r *Record) Rewind() {
	r.pos = 0
	r.err = nil
}

// Err returns the first short read since the last Rewind
func (r *Record) Err() error {
	return r.err
}

// Get decodes the next fixed-size value into v (a pointer). Missing data
// leaves v untouched.
func (r *Record) Get(v any) {
	n := binary.Size(v)
	if n <= 0 {
		r.fail(fmt.Errorf("%s record: unsupported value %T", r.kind, v))
		return
	}
	if !r.have || r.pos+n > len(r.data) {
		r.pos += n
		r.fail(fmt.Errorf("%s record: short read at %d", r.kind, r.pos-n))
		return
	}
	if _, err := binary.Decode(r.data[r.pos:r.pos+n], binary.LittleEndian, v); err != nil {
		r.fail(fmt.Errorf("%s record: %w", r.kind, err))
	}
	r.pos += n
}

// Put encodes v at the cursor, growing the record as needed
func (r *Record) Put(v any) {
	buf, err := binary.Append(nil, binary.LittleEndian, v)
	if err != nil {
		r.fail(fmt.Errorf("%s record: %w", r.kind, err))
		return
	}
	r.write(buf)
}

// GetString reads a fixed-width, zero padded string of maxLen bytes
func (r *Record) GetString(maxLen int) string {
	if !r.have || r.pos+maxLen > len(r.data) {
		r.pos += maxLen
		return ""
	}
	field := r.data[r.pos : r.pos+maxLen]
	r.pos += maxLen
	out := make([]byte, 0, maxLen)
	for _, c := range field {
		if c != 0 {
			out = append(out, c)
		}
	}
	return string(out)
}

// PutString writes s as a fixed-width field, truncated or zero padded
func (r *Record) PutString(s string, maxLen int) {
	buf := make([]byte, maxLen)
	copy(buf, s)
	r.write(buf)
}

func (r *Record) write(buf []byte) {
	if end := r.pos + len(buf); end > len(r.data) {
		r.data = append(r.data, make([]byte, end-len(r.data))...)
	}
	copy(r.data[r.pos:], buf)
	r.pos += len(buf)
	r.have = true
}

func (r *Record) fail(err error) {
	if r.err == nil {
		r.err = err
	}
}

// Flush persists the record
func (r *Record) Flush() error {
	if !r.have {
		return nil
	}
	return r.store.save(r.kind, r.version, r.data)
}

// Delete marks the record free; Compact reclaims it
func (r *Record) Delete() error {
	if !r.have {
		return nil
	}
	r.have = false
	r.data = nil
	r.pos = 0
	return r.store.markDeleted(r.kind)
}
