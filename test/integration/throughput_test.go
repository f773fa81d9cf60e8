package integration

import (
	"testing"
	"time"
)

func BenchmarkThroughput(b *testing.B) {
	cfg := testConfig(b, b.TempDir())
	cfg.Store.Sync = false
	c := startCluster(b, cfg, sleepy(0))
	defer c.stop()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		ids := c.submit(50)
		if finished, _ := c.waitTerminal(ids, time.Minute); finished != len(ids) {
			b.Fatalf("only %d/%d runs finished", finished, len(ids))
		}
	}
	b.StopTimer()
}
