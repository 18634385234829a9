package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPayloadCarriesSendTime(t *testing.T) {
	before := time.Now()
	text := payload(64)
	assert.GreaterOrEqual(t, len(text), 64)

	at, ok := sentAt(text)
	require.True(t, ok)
	assert.False(t, at.Before(before.Round(0)))
	assert.WithinDuration(t, time.Now(), at, time.Second)
}

func TestSentAtRejectsForeignText(t *testing.T) {
	_, ok := sentAt("hello")
	assert.False(t, ok)
}

func TestSyntheticIPIsDistinct(t *testing.T) {
	assert.Equal(t, "10.0.0.1", syntheticIP(1))
	assert.Equal(t, "10.0.1.0", syntheticIP(256))
	assert.NotEqual(t, syntheticIP(3), syntheticIP(4))
}

func TestHTTPBase(t *testing.T) {
	assert.Equal(t, "http://localhost:8080", httpBase("ws://localhost:8080/ws"))
	assert.Equal(t, "https://relay.example.com", httpBase("wss://relay.example.com/ws?x=1"))
}
