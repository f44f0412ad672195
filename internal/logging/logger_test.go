package logging

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestSetup(t *testing.T) {
	l := Setup("DEBUG", "json")
	assert.Equal(t, logrus.DebugLevel, l.GetLevel())
	assert.IsType(t, &logrus.JSONFormatter{}, l.Formatter)

	l = Setup("chatty", "")
	assert.Equal(t, logrus.InfoLevel, l.GetLevel())
	assert.IsType(t, &logrus.TextFormatter{}, l.Formatter)
}
