// Package command implements the file-based operator channel: discrete
// `.cmd` files with a JSON body, consumed at most once and then archived.
package command

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Type enumerates the operator commands the trader understands.
type Type string

const (
	TypeStop        Type = "stop"
	TypePause       Type = "pause"
	TypeResume      Type = "resume"
	TypeConfig      Type = "config"
	TypeCancelAll   Type = "cancel_all"
	TypeCancelOrder Type = "cancel_order"
)

// Params carries the optional arguments; which fields matter depends on the
// command type.
type Params struct {
	Key    string `json:"key,omitempty"`
	Value  string `json:"value,omitempty"`
	Symbol string `json:"symbol,omitempty"`
}

// Command is one parsed operator instruction.
type Command struct {
	Type   Type   `json:"type"`
	Params Params `json:"params,omitempty"`

	// Name of the file the command arrived in, for logging.
	Name string `json:"-"`
}

// Channel watches a directory for command files. Consumed files move to the
// archive directory so a command never runs twice.
type Channel struct {
	dir        string
	archiveDir string
	logger     *slog.Logger
}

// NewChannel creates both directories if needed.
func NewChannel(dir, archiveDir string, logger *slog.Logger) (*Channel, error) {
	if logger == nil {
		logger = slog.Default()
	}
	for _, d := range []string{dir, archiveDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, fmt.Errorf("create command directory %s: %w", d, err)
		}
	}
	return &Channel{
		dir:        dir,
		archiveDir: archiveDir,
		logger:     logger.WithGroup("command"),
	}, nil
}

// Drain consumes every pending command file in name order. Unparseable files
// are archived with a warning rather than retried forever. Every returned
// command has already been archived.
func (c *Channel) Drain() ([]Command, error) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return nil, fmt.Errorf("read command directory: %w", err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".cmd") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	var cmds []Command
	for _, name := range names {
		path := filepath.Join(c.dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			c.logger.Warn("read command file", slog.String("file", name), slog.String("error", err.Error()))
			continue
		}
		c.archiveFile(name, path)

		var cmd Command
		if err := json.Unmarshal(data, &cmd); err != nil || cmd.Type == "" {
			c.logger.Warn("discarding malformed command file", slog.String("file", name))
			continue
		}
		cmd.Name = name
		c.logger.Info("command received",
			slog.String("file", name),
			slog.String("type", string(cmd.Type)),
		)
		cmds = append(cmds, cmd)
	}
	return cmds, nil
}

func (c *Channel) archiveFile(name, path string) {
	target := filepath.Join(c.archiveDir, name)
	if err := os.Rename(path, target); err != nil {
		c.logger.Warn("archive command file",
			slog.String("file", name),
			slog.String("error", err.Error()),
		)
	}
}
