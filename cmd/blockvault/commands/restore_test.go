package commands

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"

	"github.com/blockvault/blockvault/internal/config"
	"github.com/blockvault/blockvault/pkg/restore"
)

func TestPrintSummarySkipsTableWhenNothingFailed(t *testing.T) {
	cmd := &cobra.Command{}
	var buf bytes.Buffer
	cmd.SetOut(&buf)

	summary := &restore.Summary{
		Succeeded: []restore.FileOutcome{{FileID: 1}, {FileID: 2}},
	}
	printSummary(cmd, summary, 5*time.Millisecond)

	out := buf.String()
	require.Contains(t, out, "2")
	require.Contains(t, out, "0 failed")
	require.NotContains(t, out, "File")
}

func TestPrintSummaryRendersFailureTable(t *testing.T) {
	cmd := &cobra.Command{}
	var buf bytes.Buffer
	cmd.SetOut(&buf)

	summary := &restore.Summary{
		Succeeded: []restore.FileOutcome{{FileID: 1}},
		Failed:    []restore.FileOutcome{{FileID: 2, Path: "broken.txt", Err: errors.New("hash mismatch")}},
	}
	printSummary(cmd, summary, 10*time.Millisecond)

	out := buf.String()
	require.Contains(t, out, "broken.txt")
	require.Contains(t, out, "hash mismatch")
}

func TestOpenCatalogDefaultsToSQLiteAndRequiresExistingFile(t *testing.T) {
	_, err := openCatalog(nil, config.CatalogConfig{SQLitePath: t.TempDir() + "/missing.db"})
	require.Error(t, err, "restore never creates a catalog, so a missing path must fail fast")
}

func TestOpenBackendMemoryScheme(t *testing.T) {
	be, err := openBackend(nil, config.BackendConfig{Scheme: "memory"})
	require.NoError(t, err)
	require.NotNil(t, be)
}

func TestOpenBackendFSScheme(t *testing.T) {
	be, err := openBackend(nil, config.BackendConfig{Scheme: "fs", FSBasePath: t.TempDir()})
	require.NoError(t, err)
	require.NotNil(t, be)
}
