package idgen

import (
	"strings"
	"sync"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTicketID_Format(t *testing.T) {
	g := NewDefaultGenerator("cas01", 12)
	id := g.NewTicketID("ST")

	prefix, seq, random, suffix, ok := Parse(id)
	require.True(t, ok)
	assert.Equal(t, "ST", prefix)
	assert.Equal(t, "1", seq)
	assert.Len(t, random, 12)
	assert.Equal(t, "cas01", suffix)
	assert.NotContains(t, id, ",")
}

func TestNewTicketID_NoSuffix(t *testing.T) {
	g := NewDefaultGenerator("", 0)
	id := g.NewTicketID("TGT")
	assert.Equal(t, 2, strings.Count(id, "-"))
	assert.True(t, strings.HasPrefix(id, "TGT-1-"))
}

// 并发生成一万个 ID 不应出现重复
func TestNewTicketID_ConcurrentUniqueness(t *testing.T) {
	g := NewDefaultGenerator("node", 8)
	const workers = 16
	const perWorker = 1000

	var mu sync.Mutex
	seen := make(map[string]struct{}, workers*perWorker)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			local := make([]string, 0, perWorker)
			for i := 0; i < perWorker; i++ {
				local = append(local, g.NewTicketID("ST"))
			}
			mu.Lock()
			for _, id := range local {
				seen[id] = struct{}{}
			}
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Len(t, seen, workers*perWorker)
}

func TestProperty_RandomLength(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("随机串长度与配置一致", prop.ForAll(
		func(n int) bool {
			_, _, random, _, ok := Parse(NewDefaultGenerator("", n).NewTicketID("PT"))
			return ok && len(random) == n
		},
		gen.IntRange(1, 128),
	))

	properties.TestingRun(t)
}
