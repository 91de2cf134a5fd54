package util

import (
	"bytes"
	"log"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInitLoggerToLevels(t *testing.T) {
	var buf bytes.Buffer

	InitLoggerTo(&buf, false)
	GetLogger().Debug("hidden")
	GetLogger().Info("shown", "track", "video")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "track=video")

	buf.Reset()
	InitLoggerTo(&buf, true)
	assert.True(t, IsVerbose())
	GetCompatLogger().Debugf("pts=%d", 42)
	assert.Contains(t, buf.String(), "pts=42")

	InitLoggerTo(&buf, false)
}

func TestSetupGlobalLogger(t *testing.T) {
	var buf bytes.Buffer
	InitLoggerTo(&buf, false)
	SetupGlobalLogger()

	log.Printf("legacy %s", "message")
	assert.Contains(t, buf.String(), "legacy message")
	assert.NotContains(t, buf.String(), "message\\n")
}
