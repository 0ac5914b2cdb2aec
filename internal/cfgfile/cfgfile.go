// Package cfgfile reads the `-c`/`--config-file` startup file: the same
// tab-separated control protocol a live controller speaks, consumed
// once from a path (or standard input, for `-`) before the event loop
// starts. Grounded on spec.md §6's "same text protocol, consumed from a
// path, `-` meaning standard input. Auto-final-newline is true for
// config files."
package cfgfile

import (
	"fmt"
	"os"

	"github.com/RussellHaley/daemonproxy/internal/controller"
)

// Load dispatches every line of path through dispatch, exactly the way
// a line arriving over a live controller would be, then releases the
// scratch controller it used to do so. There is no caller connection to
// report command output to, so the scratch controller's output
// descriptor is standard error.
func Load(path string, pool *controller.Pool, dispatch controller.Dispatch) error {
	f := os.Stdin
	if path != "-" {
		var err error
		f, err = os.Open(path)
		if err != nil {
			return fmt.Errorf("cfgfile: %w", err)
		}
		defer f.Close()
	}

	c := pool.Alloc(int(f.Fd()), int(os.Stderr.Fd()), true)
	if c == nil {
		return fmt.Errorf("cfgfile: controller pool exhausted")
	}
	for !c.Done() {
		c.Run(true, true, dispatch)
	}
	pool.Free(c, true)
	return nil
}
