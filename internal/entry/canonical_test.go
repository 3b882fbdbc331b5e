package entry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalCanonical_SortsKeysUTF16(t *testing.T) {
	tests := []struct {
		name string
		in   map[string]any
		want string
	}{
		{
			name: "ascii keys",
			in:   map[string]any{"b": int64(2), "a": int64(1)},
			want: `{"a":1,"b":2}`,
		},
		{
			name: "nested object",
			in: map[string]any{
				"outer": map[string]any{"z": "last", "a": "first"},
				"seq":   int64(7),
			},
			want: `{"outer":{"a":"first","z":"last"},"seq":7}`,
		},
		{
			name: "array preserved in order",
			in:   map[string]any{"xs": []any{int64(3), int64(1), int64(2)}},
			want: `{"xs":[3,1,2]}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := MarshalCanonical(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(got))
		})
	}
}

func TestMarshalCanonical_NoHTMLEscaping(t *testing.T) {
	got, err := MarshalCanonical(map[string]any{"s": "<a>&b</a>"})
	require.NoError(t, err)
	assert.Equal(t, `{"s":"<a>&b</a>"}`, string(got))
}

func TestMarshalCanonical_LineSeparatorsLiteral(t *testing.T) {
	// U+2028 must stay literal; a textual backslash-u2028 must stay escaped.
	got, err := MarshalCanonical("a b")
	require.NoError(t, err)
	assert.Equal(t, "\"a b\"", string(got))

	got, err = MarshalCanonical(`a\u2028b`)
	require.NoError(t, err)
	assert.Equal(t, `"a\\u2028b"`, string(got))
}

func TestMarshalCanonical_RejectsFloatsAndNull(t *testing.T) {
	_, err := MarshalCanonical(map[string]any{"f": 1.5})
	assert.Error(t, err)

	_, err = MarshalCanonical(map[string]any{"n": nil})
	assert.Error(t, err)
}

func TestMarshalCanonical_Deterministic(t *testing.T) {
	in := map[string]any{
		"stream_id": "run-1",
		"seq":       int64(42),
		"flag":      true,
	}
	first, err := MarshalCanonical(in)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := MarshalCanonical(in)
		require.NoError(t, err)
		assert.Equal(t, string(first), string(again))
	}
}
