package message

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleMessage() *Message {
	m := New(HostInitResponse, Body{
		"farm_crypto_key": "c2VjcmV0",
		"base": map[string]any{
			"hostname":                "web-1",
			"keep_scripting_logs_time": "3600",
		},
		"volumes": []any{"vol-1", "vol-2"},
	})
	m.SetMeta(MetaServerID, "srv-1")
	return m
}

func TestNewAssignsOrderedIDs(t *testing.T) {
	a := New(HostUp, nil)
	b := New(HostUp, nil)
	assert.NotEqual(t, a.ID, b.ID)
	assert.Less(t, a.ID, b.ID)
	assert.Equal(t, Outbound, a.Direction)
	assert.NotNil(t, a.Body)
}

func TestCodecFormats(t *testing.T) {
	for _, format := range []string{FormatJSON, FormatXML} {
		t.Run(format, func(t *testing.T) {
			in := sampleMessage()
			data, err := Encode(in, format)
			require.NoError(t, err)

			out, err := Decode(data, format)
			require.NoError(t, err)

			assert.Equal(t, in.ID, out.ID)
			assert.Equal(t, in.Name, out.Name)
			assert.Equal(t, "srv-1", out.Meta[MetaServerID])
			assert.Equal(t, "c2VjcmV0", out.Body.String("farm_crypto_key"))
			assert.Equal(t, "web-1", out.Body.Section("base").String("hostname"))
			assert.Equal(t, 3600, out.Body.Section("base").Int("keep_scripting_logs_time", 0))
			assert.Equal(t, []any{"vol-1", "vol-2"}, out.Body.List("volumes"))
		})
	}
}

func TestDecodeRejectsNamelessMessage(t *testing.T) {
	_, err := Decode([]byte(`{"id":"1","body":{}}`), FormatJSON)
	require.Error(t, err)

	_, err = Decode([]byte(`<other/>`), FormatXML)
	require.Error(t, err)

	_, err = Decode([]byte(`{}`), "yaml")
	require.Error(t, err)
}

func TestBodyAccessors(t *testing.T) {
	b := Body{
		"flag_s":  "1",
		"flag_b":  true,
		"num_f":   float64(7),
		"num_s":   "x",
		"one":     "only",
		"nothing": "",
	}
	assert.True(t, b.Bool("flag_s"))
	assert.True(t, b.Bool("flag_b"))
	assert.False(t, b.Bool("missing"))
	assert.Equal(t, 7, b.Int("num_f", 0))
	assert.Equal(t, 5, b.Int("num_s", 5))
	assert.Equal(t, "7", b.String("num_f"))
	assert.Equal(t, []any{"only"}, b.List("one"))
	assert.Nil(t, b.List("nothing"))
	assert.Nil(t, b.Section("one"))
}

func TestBodyMerge(t *testing.T) {
	b := Body{"base": map[string]any{"hostname": "old", "keep": "x"}}
	b.Merge(Body{"base": map[string]any{"hostname": "new"}, "extra": "1"})

	assert.Equal(t, "new", b.Section("base").String("hostname"))
	assert.Equal(t, "x", b.Section("base").String("keep"))
	assert.Equal(t, "1", b.String("extra"))
}
