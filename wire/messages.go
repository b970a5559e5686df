// Package wire defines the cross-site messages of the executor fabric:
// WorkFragment batches shipped to remote partitions and the WorkResult
// dependency sets shipped back. Framing is little-endian with a crc32
// trailer; rowset payloads are compressed by the sender's codec.
package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// Status is the outcome carried by a WorkResult.
type Status int32

const (
	StatusOK Status = iota
	StatusAbort
	StatusMispredict
	StatusFatal
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusAbort:
		return "ABORT"
	case StatusMispredict:
		return "MISPREDICT"
	case StatusFatal:
		return "FATAL"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int32(s))
	}
}

// StatementEstimate is an optional hint shipped with a fragment batch: a
// statement the transaction is expected to issue later, so the remote site
// can prefetch its result. ParamIndexes select the statement's parameters
// out of the request's shared buffer; ParamsHash is the sender's hash of
// that selection, letting the receiver reject a stale index mapping.
type StatementEstimate struct {
	Statement    string
	ParamIndexes []int32
	ParamsHash   uint64
}

// WorkFragment describes one plan fragment batch bound for a partition.
type WorkFragment struct {
	PartitionID  int32
	FragmentIDs  []int32
	ParamIndexes []int32
	InputDepIDs  []int32
	OutputDepIDs []int32
	ReadOnly     bool
	LastFragment bool
	Prefetch     bool
	NeedsInput   bool
	Future       []StatementEstimate
}

// WorkRequest is the batched work message sent to one destination site. It
// carries every fragment bound for that site plus the serialized parameters
// and any input dependencies those fragments need.
type WorkRequest struct {
	TxnID           int64
	BasePartition   int32
	SourcePartition int32
	Procedure       string
	Fragments       []WorkFragment
	Params          [][]byte
	InputDeps       map[int32][][]byte
}

// WorkResult is the response for the fragments one partition executed.
// DepData entries are codec-compressed serialized rowsets aligned with
// DepIDs. Error is a serialized failure for non-OK statuses.
type WorkResult struct {
	PartitionID int32
	TxnID       int64
	Status      Status
	DepIDs      []int32
	DepData     [][]byte
	Error       []byte
}

type writer struct {
	buf bytes.Buffer
}

func (w *writer) u8(v byte) { w.buf.WriteByte(v) }

func (w *writer) bool(v bool) {
	if v {
		w.u8(1)
	} else {
		w.u8(0)
	}
}

func (w *writer) i32(v int32)  { binary.Write(&w.buf, binary.LittleEndian, v) }
func (w *writer) i64(v int64)  { binary.Write(&w.buf, binary.LittleEndian, v) }
func (w *writer) u64(v uint64) { binary.Write(&w.buf, binary.LittleEndian, v) }
func (w *writer) bytes(b []byte) {
	w.i32(int32(len(b)))
	w.buf.Write(b)
}
func (w *writer) str(s string) { w.bytes([]byte(s)) }
func (w *writer) i32s(vs []int32) {
	w.i32(int32(len(vs)))
	for _, v := range vs {
		w.i32(v)
	}
}
func (w *writer) byteSlices(vs [][]byte) {
	w.i32(int32(len(vs)))
	for _, v := range vs {
		w.bytes(v)
	}
}

// finish appends the crc32 trailer and returns the framed message.
func (w *writer) finish() []byte {
	data := w.buf.Bytes()
	sum := crc32.ChecksumIEEE(data)
	out := make([]byte, len(data)+4)
	copy(out, data)
	binary.LittleEndian.PutUint32(out[len(data):], sum)
	return out
}

type reader struct {
	data []byte
	off  int
	err  error
}

// open verifies the crc32 trailer and returns a reader over the body.
func open(data []byte) (*reader, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("message too short: %d bytes", len(data))
	}
	body := data[:len(data)-4]
	want := binary.LittleEndian.Uint32(data[len(data)-4:])
	if got := crc32.ChecksumIEEE(body); got != want {
		return nil, fmt.Errorf("checksum mismatch: got %08x, want %08x", got, want)
	}
	return &reader{data: body}, nil
}

func (r *reader) fail(format string, args ...interface{}) {
	if r.err == nil {
		r.err = fmt.Errorf(format, args...)
	}
}

func (r *reader) u8() byte {
	if r.err != nil || r.off+1 > len(r.data) {
		r.fail("truncated message at offset %d", r.off)
		return 0
	}
	v := r.data[r.off]
	r.off++
	return v
}

func (r *reader) bool() bool { return r.u8() == 1 }

func (r *reader) i32() int32 {
	if r.err != nil || r.off+4 > len(r.data) {
		r.fail("truncated message at offset %d", r.off)
		return 0
	}
	v := int32(binary.LittleEndian.Uint32(r.data[r.off:]))
	r.off += 4
	return v
}

func (r *reader) i64() int64 {
	if r.err != nil || r.off+8 > len(r.data) {
		r.fail("truncated message at offset %d", r.off)
		return 0
	}
	v := int64(binary.LittleEndian.Uint64(r.data[r.off:]))
	r.off += 8
	return v
}

func (r *reader) u64() uint64 { return uint64(r.i64()) }

func (r *reader) bytes() []byte {
	n := r.i32()
	if r.err != nil {
		return nil
	}
	if n < 0 || r.off+int(n) > len(r.data) {
		r.fail("bad length %d at offset %d", n, r.off)
		return nil
	}
	out := make([]byte, n)
	copy(out, r.data[r.off:r.off+int(n)])
	r.off += int(n)
	return out
}

func (r *reader) str() string { return string(r.bytes()) }

func (r *reader) i32s() []int32 {
	n := r.i32()
	if r.err != nil || n < 0 {
		return nil
	}
	out := make([]int32, n)
	for i := range out {
		out[i] = r.i32()
	}
	return out
}

func (r *reader) byteSlices() [][]byte {
	n := r.i32()
	if r.err != nil || n < 0 {
		return nil
	}
	out := make([][]byte, n)
	for i := range out {
		out[i] = r.bytes()
	}
	return out
}

func (f *WorkFragment) encode(w *writer) {
	w.i32(f.PartitionID)
	w.i32s(f.FragmentIDs)
	w.i32s(f.ParamIndexes)
	w.i32s(f.InputDepIDs)
	w.i32s(f.OutputDepIDs)
	w.bool(f.ReadOnly)
	w.bool(f.LastFragment)
	w.bool(f.Prefetch)
	w.bool(f.NeedsInput)
	w.i32(int32(len(f.Future)))
	for _, est := range f.Future {
		w.str(est.Statement)
		w.i32s(est.ParamIndexes)
		w.u64(est.ParamsHash)
	}
}

func decodeFragment(r *reader) WorkFragment {
	f := WorkFragment{
		PartitionID:  r.i32(),
		FragmentIDs:  r.i32s(),
		ParamIndexes: r.i32s(),
		InputDepIDs:  r.i32s(),
		OutputDepIDs: r.i32s(),
		ReadOnly:     r.bool(),
		LastFragment: r.bool(),
		Prefetch:     r.bool(),
		NeedsInput:   r.bool(),
	}
	n := r.i32()
	for i := int32(0); i < n && r.err == nil; i++ {
		f.Future = append(f.Future, StatementEstimate{
			Statement:    r.str(),
			ParamIndexes: r.i32s(),
			ParamsHash:   r.u64(),
		})
	}
	return f
}

// Marshal frames the request for the wire.
func (m *WorkRequest) Marshal() []byte {
	w := &writer{}
	w.i64(m.TxnID)
	w.i32(m.BasePartition)
	w.i32(m.SourcePartition)
	w.str(m.Procedure)
	w.i32(int32(len(m.Fragments)))
	for i := range m.Fragments {
		m.Fragments[i].encode(w)
	}
	w.byteSlices(m.Params)
	w.i32(int32(len(m.InputDeps)))
	for id, deps := range m.InputDeps {
		w.i32(id)
		w.byteSlices(deps)
	}
	return w.finish()
}

// UnmarshalWorkRequest parses a framed request.
func UnmarshalWorkRequest(data []byte) (*WorkRequest, error) {
	r, err := open(data)
	if err != nil {
		return nil, fmt.Errorf("work request: %w", err)
	}
	m := &WorkRequest{
		TxnID:           r.i64(),
		BasePartition:   r.i32(),
		SourcePartition: r.i32(),
		Procedure:       r.str(),
	}
	nf := r.i32()
	for i := int32(0); i < nf && r.err == nil; i++ {
		m.Fragments = append(m.Fragments, decodeFragment(r))
	}
	m.Params = r.byteSlices()
	nd := r.i32()
	if nd > 0 {
		m.InputDeps = make(map[int32][][]byte, nd)
	}
	for i := int32(0); i < nd && r.err == nil; i++ {
		id := r.i32()
		m.InputDeps[id] = r.byteSlices()
	}
	if r.err != nil {
		return nil, fmt.Errorf("work request: %w", r.err)
	}
	return m, nil
}

// Marshal frames the result for the wire.
func (m *WorkResult) Marshal() []byte {
	w := &writer{}
	w.i32(m.PartitionID)
	w.i64(m.TxnID)
	w.i32(int32(m.Status))
	w.i32s(m.DepIDs)
	w.byteSlices(m.DepData)
	w.bytes(m.Error)
	return w.finish()
}

// UnmarshalWorkResult parses a framed result.
func UnmarshalWorkResult(data []byte) (*WorkResult, error) {
	r, err := open(data)
	if err != nil {
		return nil, fmt.Errorf("work result: %w", err)
	}
	m := &WorkResult{
		PartitionID: r.i32(),
		TxnID:       r.i64(),
		Status:      Status(r.i32()),
		DepIDs:      r.i32s(),
		DepData:     r.byteSlices(),
		Error:       r.bytes(),
	}
	if r.err != nil {
		return nil, fmt.Errorf("work result: %w", r.err)
	}
	return m, nil
}
