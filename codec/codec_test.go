package codec_test

import (
	"testing"

	"github.com/deep-rent/govern/codec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct {
	Name  string `json:"name" yaml:"name"`
	Count int    `json:"count" yaml:"count"`
}

func TestInfer_SelectsCodecByExtension(t *testing.T) {
	cases := []struct {
		path string
		want string
	}{
		{"config.json", "json"},
		{"config.yaml", "yaml"},
		{"config.yml", "yaml"},
		{"config.YAML", "yaml"},
		{"config.txt", "json"},
		{"config", "json"},
	}
	for _, c := range cases {
		t.Run(c.path, func(t *testing.T) {
			got := codec.Infer(c.path)
			in := sample{Name: "a", Count: 1}
			data, err := got.Encode(in)
			require.NoError(t, err)

			switch c.want {
			case "yaml":
				assert.Contains(t, string(data), "name:")
			case "json":
				assert.Contains(t, string(data), `"name"`)
			}

			var out sample
			require.NoError(t, got.Decode(data, &out))
			assert.Equal(t, in, out)
		})
	}
}

func TestJSONCodec_RoundTrip(t *testing.T) {
	c := codec.Infer("x.json")
	data, err := c.Encode(sample{Name: "nexus", Count: 3})
	require.NoError(t, err)

	var out sample
	require.NoError(t, c.Decode(data, &out))
	assert.Equal(t, "nexus", out.Name)
	assert.Equal(t, 3, out.Count)
}

func TestYAMLCodec_RoundTrip(t *testing.T) {
	c := codec.Infer("x.yaml")
	data, err := c.Encode(sample{Name: "nexus", Count: 3})
	require.NoError(t, err)

	var out sample
	require.NoError(t, c.Decode(data, &out))
	assert.Equal(t, "nexus", out.Name)
	assert.Equal(t, 3, out.Count)
}
