package internal

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/ValentinKolb/dSMR/lib/db"
	"github.com/ValentinKolb/dSMR/lib/store"
)

// TestSerializeDeserialize tests both Serialize and Deserialize methods
func TestSerializeDeserialize(t *testing.T) {
	tests := []struct {
		name    string
		command Command
	}{
		{
			name:    "SetE with value",
			command: Command{Type: CommandTSetE, Key: "testkey", ExpireIn: 100, DeleteIn: 200, Value: []byte("testvalue")},
		},
		{
			name:    "Delete without value",
			command: Command{Type: CommandTDelete, Key: "testkey"},
		},
		{
			name:    "Get",
			command: Command{Type: CommandTGet, Key: "testkey"},
		},
		{
			name:    "Empty key",
			command: Command{Type: CommandTSet, Key: "", Value: []byte("testvalue")},
		},
		{
			name:    "Max deadlines",
			command: Command{Type: CommandTSetIfUnset, Key: "k", ExpireIn: ^uint64(0), DeleteIn: ^uint64(0), Value: []byte("v")},
		},
		{
			name:    "Binary value",
			command: Command{Type: CommandTSet, Key: "binary", Value: []byte{0, 1, 2, 3, 254, 255}},
		},
		{
			name:    "Unicode key",
			command: Command{Type: CommandTHas, Key: "你好世界"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := tt.command.Serialize()
			if tt.command.SizeBytes() != len(data) {
				t.Errorf("SizeBytes() = %d, but serialized data length = %d", tt.command.SizeBytes(), len(data))
			}

			var got Command
			if err := got.Deserialize(data); err != nil {
				t.Fatalf("Deserialize() error = %v", err)
			}
			if got.Type != tt.command.Type || got.Key != tt.command.Key ||
				got.ExpireIn != tt.command.ExpireIn || got.DeleteIn != tt.command.DeleteIn {
				t.Errorf("header mismatch: got %+v, want %+v", got, tt.command)
			}
			if len(tt.command.Value) == 0 {
				if got.Value != nil {
					t.Errorf("Value should be nil, got %v", got.Value)
				}
			} else if !bytes.Equal(got.Value, tt.command.Value) {
				t.Errorf("Value mismatch: got %v, want %v", got.Value, tt.command.Value)
			}
		})
	}
}

// TestDeserializeErrors tests error cases in Deserialize
func TestDeserializeErrors(t *testing.T) {
	tooLongKey := make([]byte, commandHeaderSize)
	binary.BigEndian.PutUint32(tooLongKey[17:21], 1000)

	tests := []struct {
		name        string
		data        []byte
		expectedErr string
	}{
		{"Empty data", []byte{}, "data too short for command"},
		{"Shorter than header", []byte{1, 2, 3, 4, 5}, "data too short for command"},
		{"Invalid key length", tooLongKey, "data too short for key of length 1000"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var cmd Command
			err := cmd.Deserialize(tt.data)
			if err == nil {
				t.Fatalf("Expected error but got nil")
			}
			if err.Error() != tt.expectedErr {
				t.Errorf("Expected error %q, got %q", tt.expectedErr, err.Error())
			}
		})
	}
}

// TestBinaryFormat pins the exact layout, serialized commands are stored in the log
func TestBinaryFormat(t *testing.T) {
	cmd := Command{Type: CommandTSetE, Key: "testkey", ExpireIn: 12345, DeleteIn: 67890, Value: []byte("testvalue")}

	expected := make([]byte, cmd.SizeBytes())
	expected[0] = byte(CommandTSetE)
	binary.BigEndian.PutUint64(expected[1:9], 12345)
	binary.BigEndian.PutUint64(expected[9:17], 67890)
	binary.BigEndian.PutUint32(expected[17:21], 7)
	copy(expected[21:28], "testkey")
	copy(expected[28:], "testvalue")

	if serialized := cmd.Serialize(); !bytes.Equal(serialized, expected) {
		t.Errorf("Binary format does not match:\nGot:      %v\nExpected: %v", serialized, expected)
	}
}

func TestBufferReuse(t *testing.T) {
	cmd := Command{Value: make([]byte, 0, 64)}
	buf := cmd.Value[:1]

	src := Command{Type: CommandTSet, Key: "key", Value: []byte("changed value")}
	if err := cmd.Deserialize(src.Serialize()); err != nil {
		t.Fatalf("Deserialize() error = %v", err)
	}
	if &cmd.Value[0] != &buf[0] {
		t.Errorf("value buffer was not reused")
	}
	if !bytes.Equal(cmd.Value, src.Value) {
		t.Errorf("Value not correctly deserialized: got %q", cmd.Value)
	}
}

func TestToDBFeature(t *testing.T) {
	tests := []struct {
		ct   CommandType
		want db.Feature
	}{
		{CommandTSet, db.FeatureSet},
		{CommandTSetE, db.FeatureSetE},
		{CommandTSetIfUnset, db.FeatureSetEIfUnset},
		{CommandTExpire, db.FeatureExpire},
		{CommandTDelete, db.FeatureDelete},
		{CommandTGet, db.FeatureGet},
		{CommandTHas, db.FeatureHas},
	}
	for _, tt := range tests {
		got, err := tt.ct.ToDBFeature()
		if err != nil || got != tt.want {
			t.Errorf("%s.ToDBFeature() = %v, %v; want %v", tt.ct, got, err, tt.want)
		}
	}
	if _, err := CommandType(200).ToDBFeature(); err == nil {
		t.Errorf("expected error for unknown command type")
	}
}

func TestResult(t *testing.T) {
	ok := Result{Code: store.RetCSuccess, Ok: true, Data: []byte("v")}
	got, err := DeserializeResult(ok.Serialize())
	if err != nil {
		t.Fatalf("DeserializeResult() error = %v", err)
	}
	if got.Code != store.RetCSuccess || !got.Ok || string(got.Data) != "v" || got.Err() != nil {
		t.Errorf("unexpected result %+v", got)
	}

	failed, err := DeserializeResult(Failed(store.RetCUnsupportedOperation, "no %s", "Get").Serialize())
	if err != nil {
		t.Fatalf("DeserializeResult() error = %v", err)
	}
	var se *store.Error
	if !errors.As(failed.Err(), &se) || se.Code != store.RetCUnsupportedOperation || se.Msg != "no Get" {
		t.Errorf("unexpected error %v", failed.Err())
	}

	if _, err := DeserializeResult([]byte{0}); err == nil {
		t.Errorf("expected error for truncated result")
	}
}
