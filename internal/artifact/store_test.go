package artifact

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/and161185/tgcollector/internal/crypto"
	"github.com/and161185/tgcollector/internal/errs"
)

var (
	_ Blobs = (*DiskBlobs)(nil)
	_ Blobs = (*GridFSBlobs)(nil)
	_ Blobs = (*flakyBlobs)(nil)
)

// flakyBlobs fails the first failPuts Put calls.
type flakyBlobs struct {
	mu       sync.Mutex
	data     map[string][]byte
	failPuts int
	puts     int
}

func newFlaky(fail int) *flakyBlobs { return &flakyBlobs{data: map[string][]byte{}, failPuts: fail} }

func (f *flakyBlobs) Exists(_ context.Context, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.data[name]
	return ok, nil
}

func (f *flakyBlobs) Get(_ context.Context, name string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.data[name]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return b, nil
}

func (f *flakyBlobs) Put(_ context.Context, name string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts++
	if f.puts <= f.failPuts {
		return errors.New("transient")
	}
	f.data[name] = append([]byte(nil), data...)
	return nil
}

func (f *flakyBlobs) Delete(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.data, name)
	return nil
}

func fastBackoff() retry.Backoff { return retry.WithMaxRetries(3, retry.NewConstant(time.Millisecond)) }

func newStore(t *testing.T, b Blobs, opts ...Option) *Store {
	t.Helper()
	opts = append([]Option{WithBackoff(fastBackoff)}, opts...)
	s, err := NewStore(b, t.TempDir(), zaptest.NewLogger(t), opts...)
	require.NoError(t, err)
	return s
}

func TestLocalPath_CreatesPlaceholderWhenAbsent(t *testing.T) {
	s := newStore(t, newFlaky(0))

	p, err := s.LocalPath(context.Background(), Cursor, "u1", "s1")
	require.NoError(t, err)
	require.Equal(t, "s1.updates", filepath.Base(p))

	st, err := os.Stat(p)
	require.NoError(t, err)
	require.Zero(t, st.Size())
}

func TestSaveThenLocalPath_RoundTripThroughSealer(t *testing.T) {
	ctx := context.Background()
	blobs := newFlaky(0)
	sealer, err := crypto.NewSealer([]byte("pw"), []byte("salt-1234"))
	require.NoError(t, err)
	s := newStore(t, blobs, WithSealer(sealer))

	p, err := s.LocalPath(ctx, Credential, "u1", "s1")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(p, []byte("auth-key"), 0o600))
	require.NoError(t, s.Save(ctx, Credential, "u1", "s1", p))

	stored := blobs.data[Name(Credential, "u1", "s1")]
	require.NotContains(t, string(stored), "auth-key")

	// a fresh staging dir forces a download
	s2 := newStore(t, blobs, WithSealer(sealer))
	p2, err := s2.LocalPath(ctx, Credential, "u1", "s1")
	require.NoError(t, err)
	got, err := os.ReadFile(p2)
	require.NoError(t, err)
	require.Equal(t, "auth-key", string(got))

	ok, err := s2.Exists(ctx, Credential, "u1", "s1")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestSave_RetriesTransientFailures(t *testing.T) {
	ctx := context.Background()
	blobs := newFlaky(2)
	s := newStore(t, blobs)

	p, err := s.LocalPath(ctx, Credential, "u1", "s1")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(p, []byte("x"), 0o600))

	require.NoError(t, s.Save(ctx, Credential, "u1", "s1", p))
	require.Equal(t, 3, blobs.puts)
}

func TestSave_GivesUpAfterBoundedAttempts(t *testing.T) {
	ctx := context.Background()
	blobs := newFlaky(100)
	s := newStore(t, blobs)

	p, _ := s.LocalPath(ctx, Credential, "u1", "s1")
	require.NoError(t, os.WriteFile(p, []byte("x"), 0o600))

	require.Error(t, s.Save(ctx, Credential, "u1", "s1", p))
	require.Equal(t, 4, blobs.puts)
}

func TestSave_MissingLocalFileIsNoop(t *testing.T) {
	blobs := newFlaky(0)
	s := newStore(t, blobs)
	require.NoError(t, s.Save(context.Background(), Cursor, "u1", "s1", filepath.Join(t.TempDir(), "nope")))
	require.Zero(t, blobs.puts)
}

func TestDeleteAll_RemovesDurableAndStaging(t *testing.T) {
	ctx := context.Background()
	blobs := newFlaky(0)
	s := newStore(t, blobs)

	for _, k := range Kinds {
		p, err := s.LocalPath(ctx, k, "u1", "s1")
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(p, []byte(k), 0o600))
	}
	require.NoError(t, s.SaveAll(ctx, "u1", "s1", time.Second))
	require.Len(t, blobs.data, 2)

	require.NoError(t, s.DeleteAll(ctx, "u1", "s1"))
	require.Empty(t, blobs.data)
	p, _ := s.Path(Credential, "u1", "s1")
	_, err := os.Stat(p)
	require.True(t, os.IsNotExist(err))

	require.NoError(t, s.DeleteAll(ctx, "u1", "s1"), "second delete is a no-op")
}

func TestInvalidIDs(t *testing.T) {
	s := newStore(t, newFlaky(0))
	for _, id := range []string{"", "..", "a/b", `a\b`} {
		_, err := s.LocalPath(context.Background(), Credential, id, "s1")
		require.ErrorIs(t, err, ErrInvalidID, id)
	}
}

func TestDiskBlobs(t *testing.T) {
	ctx := context.Background()
	d, err := NewDiskBlobs(t.TempDir())
	require.NoError(t, err)

	_, err = d.Get(ctx, "u1/s1.session")
	require.ErrorIs(t, err, errs.ErrNotFound)

	require.NoError(t, d.Put(ctx, "u1/s1.session", []byte("v1")))
	require.NoError(t, d.Put(ctx, "u1/s1.session", []byte("v2")))
	got, err := d.Get(ctx, "u1/s1.session")
	require.NoError(t, err)
	require.Equal(t, []byte("v2"), got)

	ok, err := d.Exists(ctx, "u1/s1.session")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, d.Delete(ctx, "u1/s1.session"))
	require.NoError(t, d.Delete(ctx, "u1/s1.session"))
	ok, _ = d.Exists(ctx, "u1/s1.session")
	require.False(t, ok)
}
