// Package process runs the external capture tool as a child process.
//
// The manager starts the binary in its own process group, streams stdout
// to a chunk callback from a single goroutine (so ordering is preserved),
// forwards stderr line by line, and reports the exit exactly once.
// Stop sends SIGTERM to the group and escalates to SIGKILL after a grace
// period. A process that exits is never restarted.
//
// Example usage:
//
//	mgr := process.NewManager(process.Config{
//	    Name:            "sniffer",
//	    Binary:          "./modbus-sniffer/sniffer",
//	    Args:            []string{"--silent"},
//	    GracefulTimeout: 5 * time.Second,
//	    OnStdout:        demuxer.Feed,
//	    OnStderr:        func(line string) { logger.Warn("sniffer", "line", line) },
//	})
//
//	if err := mgr.Start(ctx); err != nil {
//	    return err
//	}
//	defer mgr.Stop()
package process
