package commands

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/gate-fs/gate/pkg/transport"
)

func TestStatusRowsRendersEveryPathAndEntry(t *testing.T) {
	snap := &transport.SnapshotView{
		Paths: []transport.PathView{
			{Path: "/a", Entries: []transport.EntryView{
				{Owner: "o1", Mode: "write", State: "granted", HoldCount: 1, EnqueuedAt: 1000},
			}},
			{Path: "/b", Entries: []transport.EntryView{
				{Owner: "o2", Mode: "read", State: "waiting", HoldCount: 0, EnqueuedAt: 2000},
			}},
		},
	}

	rows := statusRows{snapshot: snap}.Rows()
	assert.Len(t, rows, 2)
	assert.Equal(t, "/a", rows[0][0])
	assert.Equal(t, "o1", rows[0][1])
	assert.Equal(t, "/b", rows[1][0])
}

func TestStatusRowsHandlesNilSnapshot(t *testing.T) {
	rows := statusRows{snapshot: nil}.Rows()
	assert.Empty(t, rows)
}
