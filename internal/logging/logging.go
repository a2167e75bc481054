package logging

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/gluk-w/claworc/ftpbroker/internal/config"
)

// Options controls logger setup.
type Options struct {
	Level  string // trace, debug, info, warn, error
	Format string // console or json
	// Path is the log file. Empty logs to Stdout only.
	Path string
	// Stdout receives the console copy. Defaults to os.Stdout.
	Stdout io.Writer
}

var (
	fileWriter *lumberjack.Logger
	logPath    string
	mu         sync.Mutex
)

// Init sets up dual logging to stdout and a rotating log file from
// config.Cfg. Must be called after config.Load().
func Init() error {
	return Setup(Options{
		Level:  config.Cfg.LogLevel,
		Format: config.Cfg.LogFormat,
		Path:   config.Cfg.LogPath,
	})
}

// Setup replaces the global zerolog logger. The file copy is always JSON so
// it stays machine readable whatever the console format.
func Setup(opts Options) error {
	level, err := zerolog.ParseLevel(opts.Level)
	if err != nil || opts.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339Nano

	stdout := opts.Stdout
	if stdout == nil {
		stdout = os.Stdout
	}
	var console io.Writer = stdout
	if opts.Format != "json" {
		console = zerolog.ConsoleWriter{Out: stdout, TimeFormat: time.RFC3339}
	}

	mu.Lock()
	defer mu.Unlock()
	if fileWriter != nil {
		_ = fileWriter.Close()
		fileWriter = nil
	}
	logPath = opts.Path

	out := console
	if opts.Path != "" {
		if err := os.MkdirAll(filepath.Dir(opts.Path), 0755); err != nil {
			log.Logger = zerolog.New(console).With().Timestamp().Logger()
			return fmt.Errorf("create log directory: %w", err)
		}
		fileWriter = &lumberjack.Logger{
			Filename:   opts.Path,
			MaxSize:    50, // megabytes
			MaxBackups: 5,
			MaxAge:     28, // days
		}
		out = zerolog.MultiLevelWriter(console, fileWriter)
	}
	log.Logger = zerolog.New(out).With().Timestamp().Logger()
	if opts.Path != "" {
		log.Info().Str("path", opts.Path).Msg("logging to file")
	}
	return nil
}

// ReadTail returns the last n lines from the log file.
func ReadTail(n int) (string, error) {
	mu.Lock()
	defer mu.Unlock()

	if logPath == "" || n <= 0 {
		return "", nil
	}
	f, err := os.Open(logPath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("open log file: %w", err)
	}
	defer f.Close()

	lines := make([]string, 0, n)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if len(lines) == n {
			lines = lines[1:]
		}
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("scan log file: %w", err)
	}
	return strings.Join(lines, "\n"), nil
}

// Close flushes and closes the log file.
func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if fileWriter == nil {
		return nil
	}
	err := fileWriter.Close()
	fileWriter = nil
	return err
}
