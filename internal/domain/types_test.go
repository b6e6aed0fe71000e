package domain_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GovTechSG/TLP-CAPT/internal/domain"
)

func TestCommitSnapshotJSON(t *testing.T) {
	t.Run("reads the stored array form", func(t *testing.T) {
		// Shape of the epics.commits column.
		raw := `[{"repo_id":1,"commit":"abc"},{"repo_id":2,"commit":"def"}]`

		var snap domain.CommitSnapshot
		require.NoError(t, json.Unmarshal([]byte(raw), &snap))

		assert.Equal(t, domain.CommitSnapshot{1: "abc", 2: "def"}, snap)
	})

	t.Run("round-trips", func(t *testing.T) {
		snap := domain.CommitSnapshot{7: "a1b2c3"}

		b, err := json.Marshal(snap)
		require.NoError(t, err)

		var got domain.CommitSnapshot
		require.NoError(t, json.Unmarshal(b, &got))
		assert.Equal(t, snap, got)
	})
}
