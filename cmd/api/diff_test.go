package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fieldshare/internal/selection"
)

const diffSchema = `cvu:
  - name: Identity
    children:
      - name: Name
      - name: Email
  - name: Phone
    type: xs:string
`

const diffBaseline = `- uniqueId: cvu_Phone
  institutions: [UNAM]
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func changeIDs(changes []selection.Change) []string {
	out := make([]string, 0, len(changes))
	for _, change := range changes {
		out = append(out, change.UniqueID)
	}
	return out
}

func TestRunDiffAcceptsCascades(t *testing.T) {
	dir := t.TempDir()
	changes, err := runDiff(diffOptions{
		SchemaFile:   writeFile(t, dir, "cvu.yaml", diffSchema),
		BaselineFile: writeFile(t, dir, "shares.yaml", diffBaseline),
		Institution:  "UNAM",
		Select:       []string{"cvu_Identity"},
		Deselect:     []string{"cvu_Phone"},
		Cascade:      true,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"cvu_Identity"}, changeIDs(changes.Manual))
	assert.Equal(t, []string{"cvu_Identity_Name", "cvu_Identity_Email"}, changeIDs(changes.Automated))
	assert.Equal(t, []string{"cvu_Phone"}, changeIDs(changes.Removed))
}

func TestRunDiffCancelledCascadeSharesParentOnly(t *testing.T) {
	dir := t.TempDir()
	changes, err := runDiff(diffOptions{
		SchemaFile:  writeFile(t, dir, "cvu.yaml", diffSchema),
		Institution: "IPN",
		Select:      []string{"cvu_Identity"},
	})
	require.NoError(t, err)
	require.Len(t, changes.Added, 1)
	assert.Equal(t, "cvu_Identity", changes.Added[0].UniqueID)
	assert.Empty(t, changes.Added[0].Data.Children)
	assert.Empty(t, changes.Removed)
}

func TestRunDiffUnknownNode(t *testing.T) {
	dir := t.TempDir()
	_, err := runDiff(diffOptions{
		SchemaFile:  writeFile(t, dir, "cvu.yaml", diffSchema),
		Institution: "UNAM",
		Select:      []string{"cvu_Fax"},
	})
	require.ErrorIs(t, err, selection.ErrUnknownNode)
}

func TestDiffCommandWritesJSON(t *testing.T) {
	dir := t.TempDir()
	schemaFile := writeFile(t, dir, "cvu.yaml", diffSchema)

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"diff", "--schema", schemaFile, "--institution", "UNAM", "--select", "cvu_Phone"})
	require.NoError(t, cmd.Execute())

	var changes selection.ChangeSet
	require.NoError(t, json.Unmarshal(out.Bytes(), &changes))
	assert.Equal(t, []string{"cvu_Phone"}, changeIDs(changes.Manual))
}

func TestWriteChangesRejectsUnknownFormat(t *testing.T) {
	err := writeChanges(&bytes.Buffer{}, selection.ChangeSet{}, "xml")
	require.Error(t, err)
}
