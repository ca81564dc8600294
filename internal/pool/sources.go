package pool

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/rs/zerolog/log"
)

// CredentialSource discovers credential secrets from one origin. Discover is
// called at startup and on every rescan; returning already-registered
// secrets is harmless.
type CredentialSource interface {
	Name() string
	Discover(ctx context.Context) ([]CredentialSpec, error)
}

// WatchableSource can push change notifications instead of waiting for the
// next periodic rescan. Watch blocks until ctx is done.
type WatchableSource interface {
	CredentialSource
	Watch(ctx context.Context, onChange func()) error
}

// StaticSource serves a fixed list.
type StaticSource struct {
	Label string
	Specs []CredentialSpec
}

func (s StaticSource) Name() string {
	if s.Label == "" {
		return "static"
	}
	return s.Label
}

func (s StaticSource) Discover(ctx context.Context) ([]CredentialSpec, error) {
	out := make([]CredentialSpec, len(s.Specs))
	copy(out, s.Specs)
	return out, nil
}

// EnvSource discovers every environment variable whose name starts with
// Prefix, e.g. GEMINI_API_KEY, GEMINI_API_KEY_2, GEMINI_API_KEY_BACKUP.
// When EnvFile is set it is re-read on every Discover, so keys appended to
// it are picked up without a restart.
type EnvSource struct {
	Prefix  string
	EnvFile string

	environ func() []string
}

// NewEnvSource creates an EnvSource reading the process environment.
func NewEnvSource(prefix, envFile string) *EnvSource {
	return &EnvSource{Prefix: prefix, EnvFile: envFile, environ: os.Environ}
}

func (s *EnvSource) Name() string {
	return "env:" + s.Prefix
}

func (s *EnvSource) Discover(ctx context.Context) ([]CredentialSpec, error) {
	if s.Prefix == "" {
		return nil, errors.New("env source: empty prefix")
	}

	found := make(map[string]string)
	environ := s.environ
	if environ == nil {
		environ = os.Environ
	}
	for _, kv := range environ() {
		name, value, ok := strings.Cut(kv, "=")
		if ok && s.matches(name) {
			found[name] = value
		}
	}

	if s.EnvFile != "" {
		fileVars, err := godotenv.Read(s.EnvFile)
		switch {
		case err == nil:
			for name, value := range fileVars {
				if _, set := found[name]; !set && s.matches(name) {
					found[name] = value
				}
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, fmt.Errorf("env source: read %s: %w", s.EnvFile, err)
		}
	}

	names := make([]string, 0, len(found))
	for name := range found {
		names = append(names, name)
	}
	// Shorter names first so KEY_2 sorts before KEY_10.
	sort.Slice(names, func(i, j int) bool {
		if len(names[i]) != len(names[j]) {
			return len(names[i]) < len(names[j])
		}
		return names[i] < names[j]
	})

	specs := make([]CredentialSpec, 0, len(names))
	for _, name := range names {
		specs = append(specs, CredentialSpec{
			Name:   strings.ToLower(name),
			Secret: found[name],
		})
	}
	return specs, nil
}

func (s *EnvSource) matches(name string) bool {
	return name == s.Prefix || strings.HasPrefix(name, s.Prefix+"_")
}

// FileSource reads credentials from a TOML file:
//
//	[[credentials]]
//	name = "primary"
//	secret = "..."
//	priority = 1
//	max_rpm = 60
type FileSource struct {
	Path string
}

type credentialFile struct {
	Credentials []fileCredential `toml:"credentials"`
}

type fileCredential struct {
	Name     string `toml:"name"`
	Secret   string `toml:"secret"`
	Priority int    `toml:"priority"`
	MaxRPM   int    `toml:"max_rpm"`
}

func (s FileSource) Name() string {
	return "file:" + filepath.Base(s.Path)
}

func (s FileSource) Discover(ctx context.Context) ([]CredentialSpec, error) {
	data, err := os.ReadFile(s.Path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read credentials file: %w", err)
	}

	var file credentialFile
	if err := toml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("decode credentials file %s: %w", s.Path, err)
	}

	specs := make([]CredentialSpec, 0, len(file.Credentials))
	for _, c := range file.Credentials {
		specs = append(specs, CredentialSpec{
			Name:                 c.Name,
			Secret:               c.Secret,
			Priority:             c.Priority,
			MaxRequestsPerMinute: c.MaxRPM,
		})
	}
	return specs, nil
}

// Watch calls onChange, debounced, whenever the file is written or created.
func (s FileSource) Watch(ctx context.Context, onChange func()) error {
	const debounceInterval = 200 * time.Millisecond

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory so editors that replace the file are still seen.
	if err := watcher.Add(filepath.Dir(s.Path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(s.Path), err)
	}

	target := filepath.Clean(s.Path)
	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(debounceInterval, onChange)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(err).Str("path", s.Path).Msg("Credentials file watcher error")
		}
	}
}
