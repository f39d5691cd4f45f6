package logger

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInitWritesJSONToFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.log")

	require.NoError(t, Init(Config{Level: "debug", OutputPaths: []string{path}}))
	t.Cleanup(func() { _ = Sync() })

	Named("planner").Info("生成计划", "portfolio_id", "p-1")
	require.NoError(t, Sync())

	content, err := os.ReadFile(path)
	require.NoError(t, err)

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(string(content))), &entry))
	require.Equal(t, "planner", entry["component"])
	require.Equal(t, "p-1", entry["portfolio_id"])
}

func TestAuditRequiresPath(t *testing.T) {
	err := Init(Config{Audit: AuditConfig{Enabled: true}})
	require.Error(t, err)
}

func TestAuditWritesToRotatedFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit", "audit.log")

	require.NoError(t, Init(Config{Audit: AuditConfig{Enabled: true, Path: path, MaxSizeMB: 1}}))
	Audit().Info("执行完成", "execution_id", "e-1")
	require.NoError(t, Sync())

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(content), `"execution_id":"e-1"`)
	require.Contains(t, string(content), `"stream":"audit"`)
}

func TestParseLevel(t *testing.T) {
	require.Equal(t, "WARN", parseLevel("warning").String())
	require.Equal(t, "INFO", parseLevel("nonsense").String())
}
