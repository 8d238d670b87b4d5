package compute

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// External returns a Func that runs cmd with args followed by the two
// strings and reads the distance as an integer from stdout.
func External(r Runner, cmd string, args ...string) Func {
	return func(ctx context.Context, a, b string) (int, error) {
		argv := append(append([]string{}, args...), a, b)
		res := r.Run(ctx, cmd, argv)
		if res.Error != nil || res.ExitCode != 0 {
			if err := ctx.Err(); err != nil {
				return 0, err
			}
			return 0, fmt.Errorf("%s exited %d: %v: %s", cmd, res.ExitCode, res.Error, strings.TrimSpace(res.Stderr))
		}
		d, err := strconv.Atoi(strings.TrimSpace(res.Stdout))
		if err != nil {
			return 0, fmt.Errorf("%s printed %q: %w", cmd, res.Stdout, err)
		}
		if d < 0 {
			return 0, fmt.Errorf("%s printed negative distance %d", cmd, d)
		}
		return d, nil
	}
}
