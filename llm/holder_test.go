package llm

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingResolver struct {
	calls    int32
	settings Settings
	err      error
}

func (r *countingResolver) Resolve(context.Context) (Settings, error) {
	atomic.AddInt32(&r.calls, 1)
	return r.settings, r.err
}

func TestModelHolderCachesUntilInvalidated(t *testing.T) {
	resolver := &countingResolver{settings: envDefaults().normalize()}
	holder := NewModelHolder(resolver)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := holder.Get(context.Background())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, atomic.LoadInt32(&resolver.calls))

	first, err := holder.Get(context.Background())
	require.NoError(t, err)
	holder.Invalidate()
	resolver.settings.Model = "next-model"
	second, err := holder.Get(context.Background())
	require.NoError(t, err)
	assert.NotSame(t, first, second)
	assert.EqualValues(t, 2, atomic.LoadInt32(&resolver.calls))
	assert.Equal(t, "SiliconFlow (Default) - next-model", holder.Describe(context.Background()))
}

func TestModelHolderDoesNotCacheFailures(t *testing.T) {
	resolver := &countingResolver{err: errAPIKeyMissing}
	holder := NewModelHolder(resolver)

	_, err := holder.Get(context.Background())
	require.ErrorIs(t, err, errAPIKeyMissing)
	assert.Equal(t, "", holder.Describe(context.Background()))

	resolver.err = nil
	resolver.settings = envDefaults().normalize()
	_, err = holder.Get(context.Background())
	require.NoError(t, err)
}

func TestModelHolderGenerate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"Mitochondria."}}]}`))
	}))
	t.Cleanup(server.Close)

	settings := envDefaults()
	settings.BaseURL = server.URL
	holder := NewModelHolder(&countingResolver{settings: settings.normalize()})

	answer, err := holder.Generate(context.Background(), "powerhouse of the cell?")
	require.NoError(t, err)
	assert.Equal(t, "Mitochondria.", answer)

	var parts []string
	answer, err = holder.GenerateStream(context.Background(), "again", func(part string) error {
		parts = append(parts, part)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "Mitochondria.", answer)
	assert.Equal(t, []string{"Mitochondria."}, parts)
}
