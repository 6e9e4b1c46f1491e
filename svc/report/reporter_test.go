package report

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"echobin/cfg"

	"github.com/google/go-github/v57/github"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type gistPayload struct {
	Description string `json:"description"`
	Public      bool   `json:"public"`
	Files       map[string]struct {
		Content string `json:"content"`
	} `json:"files"`
}

type fakeGists struct {
	mu     sync.Mutex
	calls  [][]string
	err    error
	before func()
}

func (f *fakeGists) Create(ctx context.Context, gist *github.Gist) (*github.Gist, *github.Response, error) {
	if f.before != nil {
		f.before()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	batch := make([]string, len(gist.Files))
	for name, file := range gist.Files {
		var i int
		fmt.Sscanf(string(name), "%d.txt", &i)
		batch[i] = file.GetContent()
	}
	f.calls = append(f.calls, batch)
	if f.err != nil {
		return nil, nil, f.err
	}
	return gist, nil, nil
}

func newGitHubServer(t *testing.T, status int, got *[]gistPayload) *httptest.Server {
	t.Helper()
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/gists", r.URL.Path)
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		assert.Equal(t, "2022-11-28", r.Header.Get("X-GitHub-Api-Version"))
		var p gistPayload
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&p))
		mu.Lock()
		*got = append(*got, p)
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if status == http.StatusCreated {
			w.Write([]byte(`{"id":"abc123"}`))
			return
		}
		w.Write([]byte(`{"message":"Server Error"}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestGitHubReporter(t *testing.T, apiURL string) *Reporter {
	t.Helper()
	r, err := NewGitHub(context.Background(), cfg.NewSecret("test-token"), cfg.ReportCfg{
		GitHubAPIURL: apiURL,
		Interval:     time.Hour,
		Timeout:      5 * time.Second,
		BatchSize:    300,
	})
	require.NoError(t, err)
	return r
}

func TestTickReportsAllAsOneGist(t *testing.T) {
	var got []gistPayload
	srv := newGitHubServer(t, http.StatusCreated, &got)
	r := newTestGitHubReporter(t, srv.URL)

	r.Enqueue("secret-a")
	r.Enqueue("secret-b")
	r.Enqueue("secret-c")

	n, err := r.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, 0, r.Len())

	require.Len(t, got, 1)
	assert.True(t, got[0].Public)
	assert.Equal(t, description, got[0].Description)
	require.Len(t, got[0].Files, 3)
	assert.Equal(t, "secret-a", got[0].Files["0.txt"].Content)
	assert.Equal(t, "secret-b", got[0].Files["1.txt"].Content)
	assert.Equal(t, "secret-c", got[0].Files["2.txt"].Content)
}

func TestTickFailureKeepsQueue(t *testing.T) {
	var got []gistPayload
	srv := newGitHubServer(t, http.StatusInternalServerError, &got)
	r := newTestGitHubReporter(t, srv.URL)

	r.Enqueue("secret-a")
	r.Enqueue("secret-b")

	n, err := r.Tick(context.Background())
	require.Error(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, 2, r.Len())
	require.Len(t, got, 1)
}

func TestTickEmptyQueueSkipsRequest(t *testing.T) {
	f := &fakeGists{}
	r := New(f, Options{})
	n, err := r.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Empty(t, f.calls)
}

func TestTickRetriesAfterFailure(t *testing.T) {
	f := &fakeGists{err: errors.New("connection refused")}
	r := New(f, Options{})
	r.Enqueue("s1")
	r.Enqueue("s2")

	_, err := r.Tick(context.Background())
	require.Error(t, err)
	f.err = nil
	n, err := r.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.Len(t, f.calls, 2)
	assert.Equal(t, f.calls[0], f.calls[1], "retry must resend the same prefix")
}

func TestTickKeepsSecretsQueuedDuringRequest(t *testing.T) {
	f := &fakeGists{}
	r := New(f, Options{})
	r.Enqueue("s1")
	r.Enqueue("s2")
	f.before = func() {
		r.Enqueue("s3")
		r.Enqueue("s4")
	}

	n, err := r.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, [][]string{{"s1", "s2"}}, f.calls)

	f.before = nil
	n, err = r.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"s3", "s4"}, f.calls[1])
	assert.Equal(t, 0, r.Len())
}

func TestTickBatchIsPrefix(t *testing.T) {
	f := &fakeGists{}
	r := New(f, Options{BatchSize: 2})
	for i := 0; i < 5; i++ {
		r.Enqueue(fmt.Sprintf("s%d", i))
	}
	n, err := r.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"s0", "s1"}, f.calls[0])
	assert.Equal(t, 3, r.Len())
}

func TestEnqueueDropsOldestWhenFull(t *testing.T) {
	f := &fakeGists{}
	r := New(f, Options{QueueLimit: 3})
	for i := 0; i < 5; i++ {
		r.Enqueue(fmt.Sprintf("s%d", i))
	}
	assert.Equal(t, 3, r.Len())
	_, err := r.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"s2", "s3", "s4"}, f.calls[0])
}

func TestDropDuringRequestNeverRemovesUnreported(t *testing.T) {
	f := &fakeGists{}
	r := New(f, Options{QueueLimit: 3})
	r.Enqueue("s1")
	r.Enqueue("s2")
	r.Enqueue("s3")
	f.before = func() {
		// s1 and s2 are dropped while the report for s1..s3 is in flight
		r.Enqueue("s4")
		r.Enqueue("s5")
	}

	n, err := r.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n, "only s3 was still queued and reported")

	f.before = nil
	_, err = r.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"s4", "s5"}, f.calls[1])
}

func TestConcurrentEnqueueDuringTicks(t *testing.T) {
	f := &fakeGists{}
	r := New(f, Options{BatchSize: 7})
	const total = 500

	var wg sync.WaitGroup
	for w := 0; w < 5; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < total/5; i++ {
				r.Enqueue(fmt.Sprintf("w%d-%d", w, i))
			}
		}(w)
	}
	reported := 0
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	for {
		n, err := r.Tick(context.Background())
		require.NoError(t, err)
		reported += n
		select {
		case <-done:
			for r.Len() > 0 {
				n, err := r.Tick(context.Background())
				require.NoError(t, err)
				reported += n
			}
			assert.Equal(t, total, reported)
			seen := map[string]bool{}
			for _, c := range f.calls {
				for _, s := range c {
					assert.False(t, seen[s], "secret %s reported twice", s)
					seen[s] = true
				}
			}
			assert.Len(t, seen, total)
			return
		default:
		}
	}
}

func TestRunSingleConsumer(t *testing.T) {
	f := &fakeGists{}
	r := New(f, Options{Interval: 10 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- r.Run(ctx) }()
	require.Eventually(t, func() bool { return r.running.Load() }, time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, r.Run(ctx), ErrAlreadyRunning)

	r.Enqueue("s1")
	require.Eventually(t, func() bool { return r.Len() == 0 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-errCh)
}

func TestNewGitHubRequiresToken(t *testing.T) {
	_, err := NewGitHub(context.Background(), cfg.NewSecret(""), cfg.ReportCfg{})
	require.Error(t, err)
}
