package wire

import (
	"reflect"
	"testing"
)

func TestWorkRequestRoundTrip(t *testing.T) {
	req := &WorkRequest{
		TxnID:           9001,
		BasePartition:   0,
		SourcePartition: 0,
		Procedure:       "NewOrder",
		Fragments: []WorkFragment{
			{
				PartitionID:  1,
				FragmentIDs:  []int32{10, 11},
				ParamIndexes: []int32{0, 1},
				OutputDepIDs: []int32{100, 101},
				ReadOnly:     true,
				LastFragment: true,
				Future: []StatementEstimate{
					{Statement: "getStockLevel", ParamIndexes: []int32{1}, ParamsHash: 0xfeedface},
				},
			},
			{
				PartitionID:  2,
				FragmentIDs:  []int32{12},
				ParamIndexes: []int32{2},
				InputDepIDs:  []int32{100},
				OutputDepIDs: []int32{102},
				NeedsInput:   true,
			},
		},
		Params:    [][]byte{[]byte("w_id=3"), []byte("d_id=7"), nil},
		InputDeps: map[int32][][]byte{100: {[]byte("rowset-a"), []byte("rowset-b")}},
	}

	got, err := UnmarshalWorkRequest(req.Marshal())
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.TxnID != req.TxnID || got.Procedure != req.Procedure {
		t.Errorf("header mismatch: %+v", got)
	}
	if len(got.Fragments) != 2 {
		t.Fatalf("fragments = %d, want 2", len(got.Fragments))
	}
	if !reflect.DeepEqual(got.Fragments[0].FragmentIDs, req.Fragments[0].FragmentIDs) {
		t.Errorf("fragment ids mismatch: %v", got.Fragments[0].FragmentIDs)
	}
	if !got.Fragments[0].ReadOnly || !got.Fragments[0].LastFragment {
		t.Error("fragment flags lost")
	}
	if len(got.Fragments[0].Future) != 1 || got.Fragments[0].Future[0].ParamsHash != 0xfeedface {
		t.Errorf("future statements lost: %+v", got.Fragments[0].Future)
	}
	if !reflect.DeepEqual(got.Fragments[0].Future[0].ParamIndexes, []int32{1}) {
		t.Errorf("future statement param indexes lost: %+v", got.Fragments[0].Future[0])
	}
	if string(got.Params[0]) != "w_id=3" || len(got.Params) != 3 {
		t.Errorf("params mismatch: %q", got.Params)
	}
	if string(got.InputDeps[100][1]) != "rowset-b" {
		t.Errorf("input deps mismatch: %q", got.InputDeps)
	}
}

func TestWorkResultRoundTrip(t *testing.T) {
	res := &WorkResult{
		PartitionID: 3,
		TxnID:       77,
		Status:      StatusMispredict,
		DepIDs:      []int32{200, 201},
		DepData:     [][]byte{[]byte("d0"), []byte("d1")},
		Error:       []byte("touched partition 5"),
	}
	got, err := UnmarshalWorkResult(res.Marshal())
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !reflect.DeepEqual(got, res) {
		t.Errorf("round trip mismatch:\n got %+v\nwant %+v", got, res)
	}
}

func TestChecksumRejectsCorruption(t *testing.T) {
	res := &WorkResult{PartitionID: 1, TxnID: 5, Status: StatusOK}
	data := res.Marshal()
	data[2] ^= 0xFF
	if _, err := UnmarshalWorkResult(data); err == nil {
		t.Fatal("corrupted message should fail the checksum")
	}
}

func TestTruncatedMessage(t *testing.T) {
	if _, err := UnmarshalWorkRequest([]byte{1, 2}); err == nil {
		t.Fatal("short message should error")
	}
}
