package gatt

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseUUID16(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected UUID16
		wantErr  bool
	}{
		{name: "short lowercase", input: "180d", expected: 0x180D},
		{name: "short uppercase", input: "2A37", expected: 0x2A37},
		{name: "0x prefix", input: "0x1819", expected: 0x1819},
		{name: "SIG base form", input: "00002a67-0000-1000-8000-00805f9b34fb", expected: 0x2A67},
		{name: "SIG base form without dashes", input: "00002a3800001000800000805f9b34fb", expected: 0x2A38},
		{name: "custom 128-bit", input: "6e400001-b5a3-f393-e0a9-e50e24dcca9e", wantErr: true},
		{name: "not hex", input: "zz12", wantErr: true},
		{name: "empty", input: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseUUID16(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, KindInvalidUUID, KindOf(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestUUID16_String(t *testing.T) {
	assert.Equal(t, "180d", UUID16(0x180D).String())
	assert.Equal(t, "000f", UUID16(0x0F).String())
}

func TestProperty_String(t *testing.T) {
	assert.Equal(t, "read", PropRead.String())
	assert.Equal(t, "notify", PropNotify.String())
	assert.Equal(t, "read,notify", (PropRead | PropNotify).String())
}

func TestTree_KeepsDeclarationOrder(t *testing.T) {
	tree := NewTree()
	tree.AddCharacteristic(0x180D, 0x2A37, PropNotify, []byte{0x06, 0x00})
	tree.AddCharacteristic(0x180D, 0x2A38, PropRead, []byte{0x02})
	tree.AddCharacteristic(0x1819, 0x2A67, PropNotify, make([]byte, 14))

	assert.Equal(t, []UUID16{0x180D, 0x1819}, tree.ServiceUUIDs())

	hr := tree.Service(0x180D)
	require.NotNil(t, hr)
	require.Len(t, hr.Characteristics, 2)
	assert.Equal(t, UUID16(0x2A37), hr.Characteristics[0].UUID)
	assert.Equal(t, UUID16(0x2A38), hr.Characteristics[1].UUID)

	c, err := tree.Lookup(0x1819, 0x2A67)
	require.NoError(t, err)
	assert.Len(t, c.Value, 14)

	_, err = tree.Lookup(0x1819, 0x2A37)
	assert.ErrorIs(t, err, ErrInvalidUUID)
	_, err = tree.Lookup(0x180F, 0x2A19)
	assert.ErrorIs(t, err, ErrInvalidUUID)
}

func TestTree_AddCharacteristicCopiesValue(t *testing.T) {
	value := []byte{0x06, 0x00}
	tree := NewTree()
	c := tree.AddCharacteristic(0x180D, 0x2A37, PropNotify, value)
	value[1] = 0xFF
	assert.Equal(t, []byte{0x06, 0x00}, c.Value)
}

func TestTree_Validate(t *testing.T) {
	tests := []struct {
		name  string
		build func() *Tree
		kind  ErrorKind
		ok    bool
	}{
		{
			name: "valid tree",
			build: func() *Tree {
				tree := NewTree()
				tree.AddCharacteristic(0x180D, 0x2A37, PropNotify, []byte{0x06, 0x00})
				return tree
			},
			ok: true,
		},
		{
			name:  "empty tree",
			build: NewTree,
			kind:  KindOther,
		},
		{
			name: "zero service UUID",
			build: func() *Tree {
				tree := NewTree()
				tree.AddCharacteristic(0, 0x2A37, PropNotify, nil)
				return tree
			},
			kind: KindInvalidUUID,
		},
		{
			name: "duplicate characteristic",
			build: func() *Tree {
				tree := NewTree()
				tree.AddCharacteristic(0x180D, 0x2A37, PropNotify, nil)
				tree.AddCharacteristic(0x180D, 0x2A37, PropRead, nil)
				return tree
			},
			kind: KindInvalidUUID,
		},
		{
			name: "no properties",
			build: func() *Tree {
				tree := NewTree()
				tree.AddCharacteristic(0x180D, 0x2A37, 0, nil)
				return tree
			},
			kind: KindOther,
		},
		{
			name: "oversized value",
			build: func() *Tree {
				tree := NewTree()
				tree.AddCharacteristic(0x180D, 0x2A37, PropRead, make([]byte, MaxValueLength+1))
				return tree
			},
			kind: KindOther,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.build().Validate()
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.kind, KindOf(err))
		})
	}
}

func TestStackError_Is(t *testing.T) {
	err := &StackError{Kind: KindTransientRestart, Op: "notify", Err: errors.New("hci reset")}

	assert.ErrorIs(t, err, ErrRestartRequired)
	assert.NotErrorIs(t, err, ErrInvalidUUID)

	wrapped := fmt.Errorf("publish heart rate: %w", err)
	assert.ErrorIs(t, wrapped, ErrRestartRequired)
	assert.Equal(t, KindTransientRestart, KindOf(wrapped))
	assert.Equal(t, "gatt notify: transient-restart: hci reset", err.Error())
}

func TestKindOf_PlainError(t *testing.T) {
	assert.Equal(t, KindOther, KindOf(errors.New("boom")))
	assert.Equal(t, KindOther, KindOf(nil))
}

func TestErrorKind_Recoverable(t *testing.T) {
	assert.True(t, KindTransientRestart.Recoverable())
	assert.True(t, KindInvalidUUID.Recoverable())
	assert.False(t, KindOther.Recoverable())
}

func TestWrap(t *testing.T) {
	assert.NoError(t, Wrap("notify", KindOther, nil))

	plain := Wrap("advertise", KindTransientRestart, errors.New("adapter reset"))
	assert.Equal(t, KindTransientRestart, KindOf(plain))
	assert.Contains(t, plain.Error(), "gatt advertise")

	kept := Wrap("notify", KindOther, ErrInvalidUUID)
	assert.Equal(t, KindInvalidUUID, KindOf(kept))
	assert.Contains(t, kept.Error(), "gatt notify")

	closed := Wrap("notify", KindOther, ErrClosed)
	assert.ErrorIs(t, closed, ErrClosed)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		msg  string
		kind ErrorKind
	}{
		{msg: "BLE restart", kind: KindTransientRestart},
		{msg: "Need BLE restart to apply changes", kind: KindTransientRestart},
		{msg: "hci reset while notifying", kind: KindTransientRestart},
		{msg: "UUID invalid", kind: KindInvalidUUID},
		{msg: "Can't find service for uuid 180d", kind: KindInvalidUUID},
		{msg: "Radio busy", kind: KindOther},
		{msg: "", kind: KindOther},
	}

	for _, tt := range tests {
		t.Run(tt.msg, func(t *testing.T) {
			assert.Equal(t, tt.kind, Classify(errors.New(tt.msg)))
		})
	}

	assert.Equal(t, KindOther, Classify(nil))
	assert.Equal(t, KindInvalidUUID, Classify(fmt.Errorf("wrapped: %w", ErrInvalidUUID)))
}
