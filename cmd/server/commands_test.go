package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datamind/control-plane/internal/provenance"
	"github.com/datamind/control-plane/pkg/models"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := rootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestVersionCmd(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, version+"\n", out)
}

func TestMerkleCmd(t *testing.T) {
	out, err := execute(t, "merkle", "a", "b")
	require.NoError(t, err)
	want, err := provenance.BuildMerkleTree([]string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, want, strings.TrimSpace(out))
}

func TestVerifyCmd(t *testing.T) {
	resp := &models.LLMResponse{Text: "Revenue was 4.2M.", Model: "phi3.5"}
	rec := provenance.HashOutput(resp, provenance.MetadataOf(resp))
	dir := t.TempDir()

	good := filepath.Join(dir, "good.json")
	data, err := json.Marshal(rec)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(good, data, 0o600))

	out, err := execute(t, "verify", good)
	require.NoError(t, err)
	assert.Contains(t, out, rec.MerkleRoot)

	rec.ResponseText = "Revenue was 9.9M."
	bad := filepath.Join(dir, "bad.json")
	data, err = json.Marshal(rec)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(bad, data, 0o600))

	_, err = execute(t, "verify", bad)
	assert.ErrorContains(t, err, "does not verify")
}

func TestRouteCmd(t *testing.T) {
	out, err := execute(t, "route", "--domain", "finance", "What was revenue last quarter?")
	require.NoError(t, err)

	var d models.RouteDecision
	require.NoError(t, json.Unmarshal([]byte(out), &d))
	assert.GreaterOrEqual(t, int(d.Tier), int(models.TierCloudStandard))

	_, err = execute(t, "route", "--domain", "astrology", "hi")
	assert.Error(t, err)
}
