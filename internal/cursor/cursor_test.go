package cursor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"dynrest/internal/apierr"
)

func TestEncodeDecode_Roundtrip(t *testing.T) {
	tests := []struct {
		name  string
		value any
		want  string
	}{
		{name: "int", value: int64(42), want: "42"},
		{name: "string", value: "Alice", want: "Alice"},
		{name: "timestamp", value: time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC), want: "2024-01-15T10:30:00Z"},
		{name: "bytes", value: []byte("2024-01-15 10:30:00"), want: "2024-01-15 10:30:00"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode(Encode(tt.value))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEncode_IsBase64OfValue(t *testing.T) {
	assert.Equal(t, "MjAyMC0wMS0wMQ==", Encode("2020-01-01"))
}

func TestDecode_FirstPage(t *testing.T) {
	assert.True(t, IsFirst(" 1 "))
	got, err := Decode("1")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestDecode_Invalid(t *testing.T) {
	for _, raw := range []string{"not base64!!", "//79"} {
		_, err := Decode(raw)
		require.Error(t, err, raw)
		var invalid *apierr.InvalidCursorError
		assert.ErrorAs(t, err, &invalid)
		assert.True(t, apierr.IsValidation(err))
	}
}

func TestDecode_RoundtripProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		value := rapid.String().Draw(t, "value")
		got, err := Decode(Encode(value))
		if err != nil {
			t.Fatalf("decode %q: %v", value, err)
		}
		if got != value {
			t.Fatalf("roundtrip changed %q into %q", value, got)
		}
	})
}

func TestParseOrder(t *testing.T) {
	o := ParseOrder("-created")
	assert.Equal(t, Order{Field: "created", Desc: true}, o)
	assert.Equal(t, "lt", o.Operator())
	assert.Equal(t, "-created", o.String())

	o = ParseOrder("id")
	assert.Equal(t, "gt", o.Operator())
	assert.Equal(t, "id", o.String())
}
