package embedding

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"media-pipeline/internal/upstream"
)

type stubEmbedder struct {
	model string
	vec   []float32
	err   error
	calls int
}

func (s *stubEmbedder) Model() string { return s.model }

func (s *stubEmbedder) Embed(context.Context, string) ([]float32, error) {
	s.calls++
	return s.vec, s.err
}

func TestGenerateBothBackends(t *testing.T) {
	bge := &stubEmbedder{model: ModelBGE, vec: []float32{0.1, 0.2}}
	e5 := &stubEmbedder{model: ModelE5, vec: []float32{0.3}}
	g := NewDualGenerator(bge, e5, zerolog.Nop())

	res, err := g.Generate(context.Background(), "hello world")
	require.NoError(t, err)
	assert.True(t, res.HasBGE)
	assert.True(t, res.HasE5)
	assert.Equal(t, ModelBGE, res.Model())
}

func TestGeneratePartialSuccess(t *testing.T) {
	cases := []struct {
		name      string
		bge, e5   *stubEmbedder
		wantBGE   bool
		wantE5    bool
		wantModel string
	}{
		{
			name:      "bge only",
			bge:       &stubEmbedder{model: ModelBGE, vec: []float32{0.1}},
			e5:        &stubEmbedder{model: ModelE5, err: upstream.NewTransient(ModelE5, errors.New("asleep"))},
			wantBGE:   true,
			wantModel: ModelBGE,
		},
		{
			name:      "e5 only",
			bge:       &stubEmbedder{model: ModelBGE, err: upstream.NewFatal(ModelBGE, errors.New("bad body"))},
			e5:        &stubEmbedder{model: ModelE5, vec: []float32{0.1}},
			wantE5:    true,
			wantModel: ModelE5,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			g := NewDualGenerator(tc.bge, tc.e5, zerolog.Nop())
			res, err := g.Generate(context.Background(), "text")
			require.NoError(t, err)
			assert.Equal(t, tc.wantBGE, res.HasBGE)
			assert.Equal(t, tc.wantE5, res.HasE5)
			assert.Equal(t, tc.wantModel, res.Model())
		})
	}
}

func TestGenerateTotalFailureIsTransient(t *testing.T) {
	bge := &stubEmbedder{model: ModelBGE, err: upstream.NewFatal(ModelBGE, errors.New("malformed"))}
	e5 := &stubEmbedder{model: ModelE5, err: upstream.NewTransient(ModelE5, errors.New("503"))}
	g := NewDualGenerator(bge, e5, zerolog.Nop())

	_, err := g.Generate(context.Background(), "text")
	require.Error(t, err)
	assert.True(t, upstream.IsTransient(err))
	assert.Contains(t, err.Error(), ModelBGE)
	assert.Contains(t, err.Error(), ModelE5)
	assert.Equal(t, 1, bge.calls)
	assert.Equal(t, 1, e5.calls)
}

func TestGenerateSingleConfiguredBackend(t *testing.T) {
	e5 := &stubEmbedder{model: ModelE5, vec: []float32{0.5}}
	g := NewDualGenerator(nil, e5, zerolog.Nop())

	res, err := g.Generate(context.Background(), "text")
	require.NoError(t, err)
	assert.False(t, res.HasBGE)
	assert.True(t, res.HasE5)
}

func TestGenerateWithoutBackendsIsFatal(t *testing.T) {
	g := NewDualGenerator(nil, nil, zerolog.Nop())
	_, err := g.Generate(context.Background(), "text")
	require.Error(t, err)
	assert.False(t, upstream.IsTransient(err))
}

func TestBackendResponseShapes(t *testing.T) {
	bodies := map[string]string{
		"single": `{"embedding":[0.1,0.2]}`,
		"batch":  `{"embeddings":[[0.1,0.2]]}`,
		"openai": `{"data":[{"embedding":[0.1,0.2]}]}`,
	}
	for name, body := range bodies {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(body))
			}))
			defer srv.Close()

			b := NewBackend(upstream.NewClient(srv.Client(), ""), ModelBGE, srv.URL, time.Second)
			vec, err := b.Embed(context.Background(), "text")
			require.NoError(t, err)
			assert.Equal(t, []float32{0.1, 0.2}, vec)
		})
	}
}

func TestBackendEmptyVectorIsFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":[]}`))
	}))
	defer srv.Close()

	b := NewBackend(upstream.NewClient(srv.Client(), ""), ModelE5, srv.URL, time.Second)
	_, err := b.Embed(context.Background(), "text")
	require.Error(t, err)
	assert.False(t, upstream.IsTransient(err))
}

func TestNewBackendWithoutEndpointIsNil(t *testing.T) {
	assert.Nil(t, NewBackend(upstream.NewClient(nil, ""), ModelBGE, "", 0))
}
