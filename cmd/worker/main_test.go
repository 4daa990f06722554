package main

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vivibot/vivibot/internal/app"
	_ "github.com/vivibot/vivibot/internal/testing/guard"
)

func TestMainSkipsStartupInTestMode(t *testing.T) {
	app.RefreshTestMode()
	require.True(t, app.InTestMode())
	require.NotPanics(t, main)
}
