package flvtap

import (
	"log/slog"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/lmittmann/tint"
)

// InitLogger installs the application's default slog logger.
func InitLogger(config *Config) {
	_, filename, _, _ := runtime.Caller(0)
	projectRoot := getProjectRoot(filename)

	// Shorten source paths to be relative to the project root.
	replaceAttr := func(groups []string, a slog.Attr) slog.Attr {
		if a.Key == slog.SourceKey {
			source, ok := a.Value.Any().(*slog.Source)
			if !ok {
				return a
			}
			if projectRoot != "" && strings.HasPrefix(source.File, projectRoot) {
				source.File = source.File[len(projectRoot)+1:]
			}
			return slog.Any(a.Key, source)
		}
		return a
	}

	handler := tint.NewHandler(os.Stdout, &tint.Options{
		Level:       config.GetSlogLevel(),
		AddSource:   true,
		NoColor:     false,
		TimeFormat:  time.RFC3339,
		ReplaceAttr: replaceAttr,
	})

	slog.SetDefault(slog.New(handler))
}

// getProjectRoot walks two directories up from this file, which lives
// at internal/flvtap/logger.go relative to the repository root.
func getProjectRoot(path string) string {
	dir := path
	for levels := 0; levels < 3; levels++ {
		i := strings.LastIndexByte(dir, os.PathSeparator)
		if i < 0 {
			return ""
		}
		dir = dir[:i]
	}
	return dir
}
