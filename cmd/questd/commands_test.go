package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/questline/questline-client/questClient/config"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestVersionCmd(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "questd")
	assert.Contains(t, out, Version)
}

func TestInitCmd(t *testing.T) {
	home := t.TempDir()

	out, err := run(t, "init", "--home", home, "--port", "9191", "--account", "0x0000000000000000000000000000000000000A11")
	require.NoError(t, err)
	assert.Contains(t, out, home)

	cfg, err := config.Load(home)
	require.NoError(t, err)
	assert.Equal(t, 9191, cfg.QueryServerPort)
	assert.Equal(t, "0x0000000000000000000000000000000000000A11", cfg.Account)
	assert.Contains(t, cfg.Capabilities, "mintBadge")

	_, err = run(t, "init", "--home", home)
	assert.Error(t, err)

	_, err = run(t, "init", "--home", home, "--force")
	assert.NoError(t, err)
}

func TestLoadConfig_FallsBackToDefaults(t *testing.T) {
	home := t.TempDir()
	cmd := NewRootCmd()
	require.NoError(t, cmd.PersistentFlags().Set("home", home))
	require.NoError(t, cmd.PersistentFlags().Set("chain-id", "84532"))

	v := config.NewViper()
	bindFlags(v, cmd)
	cfg, err := loadConfig(v)
	require.NoError(t, err)
	assert.Equal(t, home, cfg.NodeHome)
	assert.Equal(t, int64(84532), cfg.ChainID)
	assert.Equal(t, 8080, cfg.QueryServerPort)
}

func TestFetchStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/status", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"account":"0xabc","unsettled":2}`))
	}))
	defer srv.Close()

	var out bytes.Buffer
	require.NoError(t, fetchStatus(context.Background(), srv.URL+"/api/v1/status", &out))
	assert.Contains(t, out.String(), `"unsettled": 2`)

	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer down.Close()
	assert.Error(t, fetchStatus(context.Background(), down.URL, &out))
}

func TestResolveAccount(t *testing.T) {
	signer := common.HexToAddress("0x0000000000000000000000000000000000000A11")
	tests := []struct {
		name       string
		configured string
		want       string
		wantErr    bool
	}{
		{name: "defaults to signer", configured: "", want: signer.Hex()},
		{name: "same address any case", configured: "0x0000000000000000000000000000000000000a11", want: signer.Hex()},
		{name: "different address", configured: "0x0000000000000000000000000000000000000B22", wantErr: true},
		{name: "not an address", configured: "alice", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := resolveAccount(tt.configured, signer)
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), "does not match signer key")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

