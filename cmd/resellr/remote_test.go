package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukerupert/resellr/internal/auth"
	"github.com/dukerupert/resellr/internal/database"
	"github.com/dukerupert/resellr/internal/directory"
	"github.com/dukerupert/resellr/internal/model"
	"github.com/dukerupert/resellr/internal/provisioning"
	"github.com/dukerupert/resellr/internal/server"
)

func startServer(t *testing.T) (url, token string) {
	t.Helper()
	db, err := database.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	verifier, err := auth.NewTokenVerifier("0123456789abcdef0123456789abcdef", "resellr-cli-test")
	require.NoError(t, err)
	srv := server.New(db, server.Config{Verifier: verifier, TokenTTL: time.Hour, BcryptCost: 4},
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	m, err := srv.Directory().CreateReseller(context.Background(), directory.NewReseller{
		Name: "M", Email: "m@example.com", Credential: "secret", Role: model.RoleMasterReseller,
	})
	require.NoError(t, err)
	token, err = verifier.Sign(auth.Principal{AccountID: m.ID, Role: m.Role}, time.Hour, time.Now())
	require.NoError(t, err)
	return ts.URL, token
}

func TestListLicensesTable(t *testing.T) {
	url, token := startServer(t)

	var out bytes.Buffer
	err := listLicenses([]string{"-url", url, "-token", token, "-status", "available"}, &out)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, provisioning.WelcomeBatchSize+1)
	assert.True(t, strings.HasPrefix(lines[0], "KEY"))
	for _, line := range lines[1:] {
		fields := strings.Fields(line)
		require.Len(t, fields, 6)
		assert.Equal(t, "AVAILABLE", fields[1])
		assert.Equal(t, "0/1", fields[2])
		assert.Equal(t, "1", fields[3], "remaining seats")
		assert.Equal(t, "WELCOME", fields[4])
	}

	key := strings.Fields(lines[1])[0]
	out.Reset()
	require.NoError(t, showLicense([]string{"-url", url, "-token", token, "-key", key}, &out))
	var l model.License
	require.NoError(t, json.Unmarshal(out.Bytes(), &l))
	assert.Equal(t, key, l.Key)
}

func TestReplenishCommand(t *testing.T) {
	url, token := startServer(t)

	var out bytes.Buffer
	require.NoError(t, replenish([]string{"-url", url, "-token", token, "-quantity", "4"}, &out))
	var req model.ReplenishmentRequest
	require.NoError(t, json.Unmarshal(out.Bytes(), &req))
	assert.Equal(t, model.RequestPending, req.Status)
	assert.Equal(t, 4, req.Quantity)

	err := replenish([]string{"-url", url, "-token", token}, &out)
	assert.Error(t, err, "a second pending request is refused")
}

func TestRemoteCommandsRequireToken(t *testing.T) {
	t.Setenv("RESELLR_TOKEN", "")
	for name, run := range remoteCommands {
		err := run([]string{"-key", "LIC-X", "-email", "x@example.com", "-name", "X"}, io.Discard)
		require.Error(t, err, name)
		assert.Contains(t, err.Error(), "RESELLR_TOKEN", name)
	}
}
