package runlevel

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/open-community-runtime/ocr/internal/clog"
)

type recordingComponent struct {
	name string
	mu   sync.Mutex
	seen []string
}

func (r *recordingComponent) Name() string { return r.name }

func (r *recordingComponent) SwitchRunlevel(_ context.Context, level Level, phase uint32, dir Direction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, level.String())
	_ = phase
	_ = dir
	return nil
}

func TestBringUpVisitsEveryLevelInOrder(t *testing.T) {
	counts := map[Level]uint32{
		ConfigParse: 1, NetworkOK: 1, PDOK: 1, MemoryOK: 1, GUIDOK: 1, ComputeOK: 1, UserOK: 1,
	}
	c := NewController(counts, clog.New("test"))
	comp := &recordingComponent{name: "guid"}
	c.Register(comp)

	require.NoError(t, c.BringUp(context.Background()))
	require.Equal(t, []string{"CONFIG_PARSE", "NETWORK_OK", "PD_OK", "MEMORY_OK", "GUID_OK", "COMPUTE_OK", "USER_OK"}, comp.seen)
}

func TestShutdownRunsUserOkTearDownPhases(t *testing.T) {
	counts := map[Level]uint32{ConfigParse: 1, UserOK: 1}
	c := NewController(counts, clog.New("test"))
	comp := &recordingComponent{name: "guid"}
	c.Register(comp)

	require.NoError(t, c.Shutdown(context.Background()))
	require.Len(t, comp.seen, 4, "expects COMP_QUIESCE, COMM_QUIESCE, DONE phases plus one CONFIG_PARSE tear-down phase")
}
