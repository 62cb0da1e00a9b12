package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuditLogsDecisions(t *testing.T) {
	tempDir := t.TempDir()
	configDir := filepath.Join(tempDir, ".safeabstract")
	require.NoError(t, os.MkdirAll(configDir, 0o755))

	configContent := `{"logging": {"level": "debug", "debug_mode": true}}`
	require.NoError(t, os.WriteFile(filepath.Join(configDir, "logging.json"), []byte(configContent), 0o644))

	resetLoggingState()
	require.NoError(t, Initialize(tempDir))
	require.NoError(t, InitAudit())

	a := AuditWithArtifact("artifact-1")
	a.Decision("accept", "artifact-1", 0.91, []string{"above threshold"})
	a.StageEvent(AuditStageComplete, "score", "artifact-1", 12, true, "")
	a.StoreInsert("artifact-1", 0.91, true, "inserted")
	a.InvariantBreach("artifact-1", "abstract", assertErr("residual concrete reference survived max_passes"))

	CloseAll()
	CloseAudit()

	data, err := os.ReadFile(auditLogPath(tempDir))
	require.NoError(t, err)
	content := string(data)

	assert.Contains(t, content, "validation_accept")
	assert.Contains(t, content, "stage_complete")
	assert.Contains(t, content, "store_insert")
	assert.Contains(t, content, "invariant_breach")
}

func auditLogPath(tempDir string) string {
	logsPath := filepath.Join(tempDir, ".safeabstract", "logs")
	entries, err := os.ReadDir(logsPath)
	if err != nil {
		return ""
	}
	for _, e := range entries {
		if strings.Contains(e.Name(), "_audit.log") {
			return filepath.Join(logsPath, e.Name())
		}
	}
	return ""
}

type simpleError string

func (e simpleError) Error() string { return string(e) }

func assertErr(msg string) error { return simpleError(msg) }
