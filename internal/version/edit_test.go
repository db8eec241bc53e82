package version

import "testing"

func TestEditEncodeDecodeRoundTrip(t *testing.T) {
	e := &Edit{
		VersionID:       7,
		Kind:            EditMerge,
		RunID:           42,
		DestLevel:       2,
		AddedTableIDs:   []uint64{10, 11},
		RemovedTableIDs: []uint64{1, 2, 3},
		AddedBlobs:      []AddedBlob{{ID: 5, Size: 1000}},
		RemovedBlobIDs:  []uint64{9},
		FragDeltas:      []FragmentationDelta{{FileID: 5, DeadCount: 1, DeadBytes: 64}},
	}

	data := e.Encode()
	got, err := DecodeEdit(data)
	if err != nil {
		t.Fatalf("DecodeEdit: %v", err)
	}

	if got.VersionID != e.VersionID || got.Kind != e.Kind || got.RunID != e.RunID || got.DestLevel != e.DestLevel {
		t.Fatalf("got %+v, want %+v", got, e)
	}
	if len(got.AddedTableIDs) != 2 || got.AddedTableIDs[0] != 10 || got.AddedTableIDs[1] != 11 {
		t.Fatalf("got added tables %v", got.AddedTableIDs)
	}
	if len(got.RemovedTableIDs) != 3 {
		t.Fatalf("got removed tables %v", got.RemovedTableIDs)
	}
	if len(got.AddedBlobs) != 1 || got.AddedBlobs[0].ID != 5 || got.AddedBlobs[0].Size != 1000 {
		t.Fatalf("got added blobs %+v", got.AddedBlobs)
	}
	if len(got.RemovedBlobIDs) != 1 || got.RemovedBlobIDs[0] != 9 {
		t.Fatalf("got removed blobs %v", got.RemovedBlobIDs)
	}
	if len(got.FragDeltas) != 1 || got.FragDeltas[0].FileID != 5 || got.FragDeltas[0].DeadCount != 1 || got.FragDeltas[0].DeadBytes != 64 {
		t.Fatalf("got frag deltas %+v", got.FragDeltas)
	}
}

func TestEditEncodeEmpty(t *testing.T) {
	e := &Edit{Kind: EditDropped, RemovedTableIDs: []uint64{1}}
	data := e.Encode()
	got, err := DecodeEdit(data)
	if err != nil {
		t.Fatalf("DecodeEdit: %v", err)
	}
	if got.Kind != EditDropped || len(got.RemovedTableIDs) != 1 || got.RemovedTableIDs[0] != 1 {
		t.Fatalf("got %+v", got)
	}
}

func TestDecodeEditRejectsTruncatedData(t *testing.T) {
	if _, err := DecodeEdit([]byte{tagAddedTable}); err == nil {
		t.Fatalf("expected error decoding truncated field")
	}
}

func TestDecodeEditRejectsUnknownTag(t *testing.T) {
	e := &Edit{Kind: EditNewL0Run}
	data := e.Encode()
	data = append(data, 200) // unknown tag, no value follows
	if _, err := DecodeEdit(data); err == nil {
		t.Fatalf("expected error decoding unknown tag")
	}
}
