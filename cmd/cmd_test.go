package cmd

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dizel0110/ITMO-sub000/internal/config"
	"github.com/dizel0110/ITMO-sub000/internal/db"
)

type fakePinger struct{ err error }

func (p fakePinger) Ping(context.Context) error { return p.err }

func TestRouter_Healthz(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"healthy", nil, http.StatusOK},
		{"store down", errors.New("connection refused"), http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := newRouter(fakePinger{err: tt.err})
			w := httptest.NewRecorder()
			router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
			assert.Equal(t, tt.want, w.Code)
		})
	}
}

func TestRouter_Metrics(t *testing.T) {
	router := newRouter(fakePinger{})
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}

func TestIndent(t *testing.T) {
	assert.Equal(t, "", indent("", "  "))
	assert.Equal(t, "  a\n  b", indent("a\nb", "  "))
}

func TestDiscoverDB_WalksUp(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "features.db"), nil, 0o644))
	nested := filepath.Join(root, "a", "b")
	require.NoError(t, os.MkdirAll(nested, 0o755))
	t.Chdir(nested)

	c := &config.Config{DBDriver: db.DriverSQLite, DatabaseDSN: "features.db"}
	got, err := filepath.EvalSymlinks(DiscoverDB(c))
	require.NoError(t, err)
	want, err := filepath.EvalSymlinks(filepath.Join(root, "features.db"))
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestDiscoverDB_LeavesPostgresDSN(t *testing.T) {
	c := &config.Config{DBDriver: db.DriverPostgres, DatabaseDSN: "postgres://localhost/features"}
	assert.Equal(t, c.DatabaseDSN, DiscoverDB(c))
}

func TestSeedEmbeddings(t *testing.T) {
	d, err := db.OpenDB(filepath.Join(t.TempDir(), "features.db"))
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	ctx := context.Background()
	require.NoError(t, d.Migrate(ctx))

	input := `{"description": "temperature 37.2", "embedding": [1, 0, 0]}
{"description": "liver size", "embedding": [0, 0, 1]}
`
	n, err := seedEmbeddings(ctx, d, strings.NewReader(input))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	v, err := d.GetDescriptionEmbedding(ctx, "liver size")
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 0, 1}, v)

	n, err = seedEmbeddings(ctx, d, strings.NewReader(`{"description": "pulse", "embedding": [1]}
not json`))
	assert.Error(t, err)
	assert.Equal(t, 0, n, "nothing is flushed before a malformed record")
}
