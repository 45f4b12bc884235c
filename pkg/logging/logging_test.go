package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Options{Level: "debug", Format: "json", Output: &buf})
	assert.Equal(t, logrus.DebugLevel, logger.GetLevel())

	Component(logger, "lane").WithField("activity", "caption").Debug("watching")

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "watching", line["msg"])
	assert.Equal(t, "lane", line["component"])
	assert.Equal(t, "caption", line["activity"])
}

func TestNew_UnknownLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Options{Level: "chatty", Output: &buf})
	assert.Equal(t, logrus.InfoLevel, logger.GetLevel())
	assert.Contains(t, buf.String(), "unknown log level")
}
