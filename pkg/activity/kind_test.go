package activity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestParseKind(t *testing.T) {
	k, err := ParseKind("video")
	require.NoError(t, err)
	assert.Equal(t, KindVideo, k)

	k, err = ParseKind(" Any ")
	require.NoError(t, err)
	assert.Equal(t, KindAny, k)

	_, err = ParseKind("Custom")
	assert.Error(t, err)

	_, err = ParseKind("Unknown")
	assert.Error(t, err)
}

func TestKindSet_Contains(t *testing.T) {
	set, err := NewKindSet("Audio", "Video")
	require.NoError(t, err)

	assert.True(t, set.Contains(KindVideo))
	assert.True(t, set.Contains(KindAudio))
	assert.False(t, set.Contains(KindText))
	assert.False(t, set.Contains(KindUnknown))
	assert.False(t, set.IsAny())
	assert.Equal(t, "Audio, Video", set.String())
}

func TestKindSet_AnyAcceptsEverything(t *testing.T) {
	set := KindSet{KindAny}
	assert.True(t, set.IsAny())
	assert.True(t, set.Contains(KindText))
	assert.True(t, set.Contains(KindUnknown))
}

func TestKindSet_YAML(t *testing.T) {
	var def Definition
	err := yaml.Unmarshal([]byte("wants: [Audio, Video]\nprogress_regex: '(\\d+)%'\ngpus: 2\n"), &def)
	require.NoError(t, err)
	assert.Equal(t, KindSet{KindAudio, KindVideo}, def.Wants)
	assert.Equal(t, 2, def.GPUs)

	err = yaml.Unmarshal([]byte("wants: [Hologram]\n"), &def)
	assert.Error(t, err)
}

func TestDefinition_Validate(t *testing.T) {
	valid := Definition{Name: "caption", Script: "/srv/scripts/caption", Wants: KindSet{KindAudio}, GPUs: 1}
	assert.NoError(t, valid.Validate())

	cases := map[string]Definition{
		"empty name":    {Script: "s", Wants: KindSet{KindAny}},
		"reserved name": {Name: "work", Script: "s", Wants: KindSet{KindAny}},
		"path name":     {Name: "a/b", Script: "s", Wants: KindSet{KindAny}},
		"no wants":      {Name: "x", Script: "s"},
		"negative gpus": {Name: "x", Script: "s", Wants: KindSet{KindAny}, GPUs: -1},
		"no script":     {Name: "x", Wants: KindSet{KindAny}},
	}
	for name, def := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Error(t, def.Validate())
		})
	}
}
