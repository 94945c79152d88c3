// Package debug provides a conditional logger that is compiled into every
// build but costs nothing unless enabled. It is modeled directly on
// restic's internal/debug: set DEBUG_LOG to a file path and DEBUG_TAGS to a
// comma-separated list of package names to turn it on.
package debug

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
)

var opts struct {
	once    sync.Once
	logger  *log.Logger
	tags    map[string]bool
	enabled bool
}

func init() {
	logfile := os.Getenv("DEBUG_LOG")
	tagspec := os.Getenv("DEBUG_TAGS")

	if logfile == "" && tagspec == "" {
		return
	}

	opts.tags = make(map[string]bool)
	for _, t := range strings.Split(tagspec, ",") {
		t = strings.TrimSpace(t)
		if t != "" {
			opts.tags[t] = true
		}
	}

	out := os.Stderr
	if logfile != "" {
		f, err := os.OpenFile(logfile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
		if err == nil {
			opts.logger = log.New(f, "", log.LstdFlags|log.Lmicroseconds)
		}
	}
	if opts.logger == nil {
		opts.logger = log.New(out, "", log.LstdFlags|log.Lmicroseconds)
	}
	opts.enabled = true
}

// Log writes a formatted debug message tagged with the caller's package
// name, when debugging is enabled. It is a no-op otherwise.
func Log(format string, args ...interface{}) {
	if !opts.enabled {
		return
	}

	pkg, fn := caller()
	if len(opts.tags) > 0 && !opts.tags[pkg] {
		return
	}

	opts.logger.Printf("%s.%s: %s", pkg, fn, fmt.Sprintf(format, args...))
}

func caller() (pkg, fn string) {
	pc, _, _, ok := runtime.Caller(2)
	if !ok {
		return "?", "?"
	}
	full := runtime.FuncForPC(pc).Name()
	base := filepath.Base(full)
	if idx := strings.Index(base, "."); idx >= 0 {
		return strings.TrimSuffix(base[:idx], "/"), base[idx+1:]
	}
	return base, "?"
}
