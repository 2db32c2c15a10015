package segment

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeChunkRoundTrip(t *testing.T) {
	points := []TimeValuePair{
		{Timestamp: 1, Version: 1, Present: true, Value: Value{Kind: Float64, F64: 1.5}},
		{Timestamp: 2, Version: 2, Present: true, Value: Value{Kind: Float64, F64: 2.5}},
	}

	encoded := EncodeChunk(points, Float64)
	decoded, err := DecodeChunk(encoded, Float64)
	require.NoError(t, err)
	require.Equal(t, points, decoded)
}

func TestEncodeDecodeTextValues(t *testing.T) {
	points := []TimeValuePair{
		{Timestamp: 10, Version: 1, Present: true, Value: Value{Kind: Text, S: "hello"}},
	}
	encoded := EncodeChunk(points, Text)
	decoded, err := DecodeChunk(encoded, Text)
	require.NoError(t, err)
	require.Equal(t, "hello", decoded[0].Value.S)
}

func TestDecodeChunkTruncated(t *testing.T) {
	_, err := DecodeChunk([]byte{1, 2}, Int64)
	require.Error(t, err)
}
