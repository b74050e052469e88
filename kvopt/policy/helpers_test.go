package policy

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kvopt/kv-optkit/kvopt"
	"github.com/kvopt/kv-optkit/kvopt/plugins"
)

const testBytesPerToken = 512 * 1024

var testNow = time.Unix(1_700_000_000, 0)

// loadConfig parses yaml over the defaults.
func loadConfig(t *testing.T, doc string) *kvopt.Config {
	t.Helper()
	cfg, err := kvopt.ParseConfig([]byte(doc))
	require.NoError(t, err)
	return cfg
}

// buildEngine wires an engine over the built-in plugins of cfg.
func buildEngine(t *testing.T, cfg *kvopt.Config) (*Engine, *plugins.Registry) {
	t.Helper()
	reg, err := plugins.Build(cfg, nil)
	require.NoError(t, err)
	e, err := NewEngine(cfg, reg, kvopt.NewPartitionedRNG(42))
	require.NoError(t, err)
	e.SetClock(func() time.Time { return testNow })
	return e, reg
}

// snapshot builds n sequences of the given lengths, the first one oldest.
func snapshot(usedGB, totalGB float64, lengths ...int) *kvopt.TelemetrySnapshot {
	seqs := make([]kvopt.SequenceInfo, len(lengths))
	for i, l := range lengths {
		seqs[i] = kvopt.SequenceInfo{
			ID:           fmt.Sprintf("seq-%02d", i),
			LengthTokens: l,
			CreatedAt:    testNow.Add(-time.Duration(len(lengths)-i) * time.Minute),
			LastAccessed: testNow,
		}
	}
	return kvopt.NewTelemetrySnapshot(usedGB, totalGB, 0, 100, seqs, testNow)
}
