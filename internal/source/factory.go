package source

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/withobsrvr/flowscope/internal/storage"
	"github.com/withobsrvr/flowscope/internal/utils/logger"
)

// Backend names understood by Args.Backend.
const (
	BackendBolt   = "bolt"
	BackendPebble = "pebble"
	BackendHTTP   = "http"
)

// Args names the recording a source should open. Exactly one of File and URL
// must be set.
type Args struct {
	File string `codec:"file" yaml:"file,omitempty"`
	URL  string `codec:"url" yaml:"url,omitempty"`
	// Backend forces a factory; empty means detect from File or URL.
	Backend string `codec:"backend" yaml:"backend,omitempty"`
}

// Validate checks that exactly one of File and URL is set.
func (a Args) Validate() error {
	if (a.File == "") == (a.URL == "") {
		return ErrInvalidArgs
	}
	return nil
}

func (a Args) String() string {
	if a.File != "" {
		return a.File
	}
	return a.URL
}

// Factory opens sources of one kind.
type Factory struct {
	Name string
	// ReadAhead is how far ahead of the playhead a player should buffer
	// for sources of this kind.
	ReadAhead time.Duration
	Open      func(ctx context.Context, args Args) (Source, error)
}

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// Register adds or replaces a factory.
func Register(f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[f.Name] = f
}

// Lookup returns the factory registered under name.
func Lookup(name string) (Factory, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	f, ok := registry[name]
	return f, ok
}

// Names lists registered factories in sorted order.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func init() {
	Register(Factory{Name: BackendBolt, ReadAhead: 10 * time.Second, Open: openBolt})
	Register(Factory{Name: BackendPebble, ReadAhead: 10 * time.Second, Open: openPebble})
	Register(Factory{Name: BackendHTTP, ReadAhead: 30 * time.Second, Open: openHTTP})
}

// Resolve picks the factory that would open args.
func Resolve(args Args) (Factory, error) {
	if err := args.Validate(); err != nil {
		return Factory{}, err
	}
	name := args.Backend
	if name == "" {
		var err error
		if name, err = detectBackend(args); err != nil {
			return Factory{}, err
		}
	}
	f, ok := Lookup(name)
	if !ok {
		return Factory{}, fmt.Errorf("unknown source backend %q (have %s)", name, strings.Join(Names(), ", "))
	}
	return f, nil
}

// Open resolves and opens the source named by args.
func Open(ctx context.Context, args Args) (Source, Factory, error) {
	f, err := Resolve(args)
	if err != nil {
		return nil, Factory{}, err
	}
	logger.Info("Opening source", zap.String("source", args.String()), zap.String("backend", f.Name))
	src, err := f.Open(ctx, args)
	if err != nil {
		return nil, f, err
	}
	return src, f, nil
}

// Auto is a factory that resolves the backend from each Args it is given.
func Auto() Factory {
	return Factory{
		Name: "auto",
		Open: func(ctx context.Context, args Args) (Source, error) {
			src, _, err := Open(ctx, args)
			return src, err
		},
	}
}

func detectBackend(args Args) (string, error) {
	path := args.File
	if args.URL != "" {
		u, err := url.Parse(args.URL)
		if err != nil {
			return "", fmt.Errorf("invalid source url: %w", err)
		}
		switch u.Scheme {
		case "http", "https":
			return BackendHTTP, nil
		case "file":
			path = u.Path
		default:
			return "", fmt.Errorf("unsupported source url scheme %q", u.Scheme)
		}
	}
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("failed to stat recording: %w", err)
	}
	if info.IsDir() {
		return BackendPebble, nil
	}
	return BackendBolt, nil
}

// localPath returns the filesystem path for File or a file:// URL.
func localPath(args Args) (string, error) {
	if args.File != "" {
		return args.File, nil
	}
	u, err := url.Parse(args.URL)
	if err != nil {
		return "", fmt.Errorf("invalid source url: %w", err)
	}
	if u.Scheme != "file" {
		return "", fmt.Errorf("backend needs a local recording, got %s", u.Scheme)
	}
	return u.Path, nil
}

func openBolt(_ context.Context, args Args) (Source, error) {
	path, err := localPath(args)
	if err != nil {
		return nil, err
	}
	rec := storage.NewBoltRecording(&storage.BoltOptions{Path: path, ReadOnly: true, Timeout: time.Second})
	if err := rec.Open(); err != nil {
		return nil, err
	}
	return NewRecordingSource(rec, WithName(path)), nil
}

func openPebble(_ context.Context, args Args) (Source, error) {
	path, err := localPath(args)
	if err != nil {
		return nil, err
	}
	rec := storage.NewPebbleRecording(storage.PebbleOptions{DataDir: path, ReadOnly: true})
	if err := rec.Open(); err != nil {
		return nil, err
	}
	return NewRecordingSource(rec, WithName(path)), nil
}

// downloadedSource removes its temp file once the recording is closed.
type downloadedSource struct {
	*RecordingSource
	path string
}

func (d *downloadedSource) Close() error {
	err := d.RecordingSource.Close()
	if rmErr := os.Remove(d.path); rmErr != nil && !os.IsNotExist(rmErr) {
		logger.Warn("Failed to remove downloaded recording", zap.String("path", d.path), zap.Error(rmErr))
	}
	return err
}

func openHTTP(ctx context.Context, args Args) (Source, error) {
	if args.URL == "" {
		return nil, fmt.Errorf("http backend requires a url: %w", ErrInvalidArgs)
	}
	path, err := download(ctx, args.URL)
	if err != nil {
		return nil, err
	}
	rec := storage.NewBoltRecording(&storage.BoltOptions{Path: path, ReadOnly: true, Timeout: time.Second})
	if err := rec.Open(); err != nil {
		os.Remove(path)
		return nil, err
	}
	return &downloadedSource{RecordingSource: NewRecordingSource(rec, WithName(args.URL)), path: path}, nil
}

func download(ctx context.Context, rawURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to build request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to fetch recording: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("failed to fetch recording: %s", resp.Status)
	}

	f, err := os.CreateTemp("", "flowscope-*.db")
	if err != nil {
		return "", err
	}
	n, err := io.Copy(f, resp.Body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("failed to download recording: %w", err)
	}
	logger.Debug("Downloaded recording", zap.String("url", rawURL), zap.Int64("bytes", n), zap.String("path", f.Name()))
	return f.Name(), nil
}
